package client

// validateJSON reports whether data is a single well-formed JSON value. The
// producer runs this before queuing a JSON-typed append, so a malformed
// payload is rejected locally instead of round-tripping to the server's
// looser bracket-matching flatten rule. Grounded on durable_streams.c's
// validate_json / validate_json_value family.
func validateJSON(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	p := skipWhitespace(data, 0)
	end, ok := validateJSONValue(data, p)
	if !ok {
		return false
	}
	end = skipWhitespace(data, end)
	return end == len(data)
}

func skipWhitespace(data []byte, p int) int {
	for p < len(data) {
		switch data[p] {
		case ' ', '\t', '\n', '\r':
			p++
		default:
			return p
		}
	}
	return p
}

func validateJSONValue(data []byte, p int) (int, bool) {
	p = skipWhitespace(data, p)
	if p >= len(data) {
		return 0, false
	}
	switch data[p] {
	case '"':
		return validateJSONString(data, p)
	case '{':
		return validateJSONObject(data, p)
	case '[':
		return validateJSONArray(data, p)
	case 't':
		return matchLiteral(data, p, "true")
	case 'f':
		return matchLiteral(data, p, "false")
	case 'n':
		return matchLiteral(data, p, "null")
	default:
		if data[p] == '-' || isDigit(data[p]) {
			return validateJSONNumber(data, p)
		}
		return 0, false
	}
}

func matchLiteral(data []byte, p int, lit string) (int, bool) {
	if p+len(lit) > len(data) {
		return 0, false
	}
	if string(data[p:p+len(lit)]) != lit {
		return 0, false
	}
	return p + len(lit), true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isHexDigit(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func validateJSONString(data []byte, p int) (int, bool) {
	if p >= len(data) || data[p] != '"' {
		return 0, false
	}
	p++
	for p < len(data) && data[p] != '"' {
		if data[p] == '\\' {
			p++
			if p >= len(data) {
				return 0, false
			}
			switch data[p] {
			case 'u':
				for i := 0; i < 4; i++ {
					p++
					if p >= len(data) || !isHexDigit(data[p]) {
						return 0, false
					}
				}
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			default:
				return 0, false
			}
		} else if data[p] < 0x20 {
			return 0, false
		}
		p++
	}
	if p >= len(data) || data[p] != '"' {
		return 0, false
	}
	return p + 1, true
}

func validateJSONNumber(data []byte, p int) (int, bool) {
	if p >= len(data) {
		return 0, false
	}
	if data[p] == '-' {
		p++
	}
	if p >= len(data) || !isDigit(data[p]) {
		return 0, false
	}
	if data[p] == '0' {
		p++
	} else {
		for p < len(data) && isDigit(data[p]) {
			p++
		}
	}
	if p < len(data) && data[p] == '.' {
		p++
		if p >= len(data) || !isDigit(data[p]) {
			return 0, false
		}
		for p < len(data) && isDigit(data[p]) {
			p++
		}
	}
	if p < len(data) && (data[p] == 'e' || data[p] == 'E') {
		p++
		if p < len(data) && (data[p] == '+' || data[p] == '-') {
			p++
		}
		if p >= len(data) || !isDigit(data[p]) {
			return 0, false
		}
		for p < len(data) && isDigit(data[p]) {
			p++
		}
	}
	return p, true
}

func validateJSONArray(data []byte, p int) (int, bool) {
	if p >= len(data) || data[p] != '[' {
		return 0, false
	}
	p++
	p = skipWhitespace(data, p)
	if p < len(data) && data[p] == ']' {
		return p + 1, true
	}
	for {
		var ok bool
		p, ok = validateJSONValue(data, p)
		if !ok {
			return 0, false
		}
		p = skipWhitespace(data, p)
		if p >= len(data) {
			return 0, false
		}
		if data[p] == ']' {
			return p + 1, true
		}
		if data[p] != ',' {
			return 0, false
		}
		p++
		p = skipWhitespace(data, p)
	}
}

func validateJSONObject(data []byte, p int) (int, bool) {
	if p >= len(data) || data[p] != '{' {
		return 0, false
	}
	p++
	p = skipWhitespace(data, p)
	if p < len(data) && data[p] == '}' {
		return p + 1, true
	}
	for {
		var ok bool
		p, ok = validateJSONString(data, p)
		if !ok {
			return 0, false
		}
		p = skipWhitespace(data, p)
		if p >= len(data) || data[p] != ':' {
			return 0, false
		}
		p++
		p = skipWhitespace(data, p)
		p, ok = validateJSONValue(data, p)
		if !ok {
			return 0, false
		}
		p = skipWhitespace(data, p)
		if p >= len(data) {
			return 0, false
		}
		if data[p] == '}' {
			return p + 1, true
		}
		if data[p] != ',' {
			return 0, false
		}
		p++
		p = skipWhitespace(data, p)
	}
}
