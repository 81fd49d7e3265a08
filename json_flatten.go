package durablestreams

import (
	"bytes"
	"unicode"
)

// FlattenJSONAppend implements the append-time JSON-flatten rule from
// spec.md §4.1: a JSON-typed stream stores each accepted append as a
// comma-suffixed fragment rather than a full array, so that N appends can
// be concatenated and wrapped once at read time.
//
// It is intentionally not a full JSON parser: it only needs to find the
// outer array boundary (respecting quoted strings and backslash escapes)
// well enough to strip a top-level "[...]" wrapper, or else treat the
// trimmed body as a single bare value.
//
// isInitial distinguishes the PUT-time initial body (where an empty array
// is a valid "create with zero messages" request) from a POST append
// (where an empty array is rejected). The bool result reports whether a
// fragment was produced; false with a nil error means "no-op success"
// (only possible when isInitial is true).
func FlattenJSONAppend(data []byte, isInitial bool) (fragment []byte, ok bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		if isInitial {
			return nil, false, nil
		}
		return nil, false, NewError(CodeInvalidArgument, "empty body is not valid JSON")
	}

	var inner []byte
	if trimmed[0] == '[' {
		end, balanced := matchingBracket(trimmed)
		if !balanced {
			return nil, false, NewError(CodeInvalidArgument, "unbalanced JSON array")
		}
		inner = bytes.TrimSpace(trimmed[1:end])
		if len(inner) == 0 {
			if isInitial {
				return nil, false, nil
			}
			return nil, false, NewError(CodeInvalidArgument, "empty JSON array is not a valid append")
		}
	} else {
		inner = trimmed
	}

	out := make([]byte, 0, len(inner)+1)
	out = append(out, inner...)
	out = append(out, ',')
	return out, true, nil
}

// matchingBracket scans data (which must start with '[') for the index of
// its balancing ']', respecting quoted strings and backslash escapes.
// Returns the index and whether a balanced close was found.
func matchingBracket(data []byte) (index int, ok bool) {
	depth := 0
	inString := false
	escaped := false
	for i, c := range data {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// FormatJSONRead implements the read-time wrap from spec.md §4.1: strip a
// trailing comma and whitespace from the concatenated fragments and wrap
// the result in "[...]". An empty concatenation yields "[]".
func FormatJSONRead(stored []byte) []byte {
	end := len(stored)
	for end > 0 && (stored[end-1] == ',' || unicode.IsSpace(rune(stored[end-1]))) {
		end--
	}
	out := make([]byte, 0, end+2)
	out = append(out, '[')
	out = append(out, stored[:end]...)
	out = append(out, ']')
	return out
}
