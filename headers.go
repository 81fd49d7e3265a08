package durablestreams

import (
	"net/http"
	"strconv"
	"strings"
)

// Protocol header and query parameter names, grounded on ds_server.c's
// HDR_*/PARAM_* macros.
const (
	HeaderStreamNextOffset  = "Stream-Next-Offset"
	HeaderStreamCursor      = "Stream-Cursor"
	HeaderStreamUpToDate    = "Stream-Up-To-Date"
	HeaderStreamSeq         = "Stream-Seq"
	HeaderStreamTTL         = "Stream-TTL"
	HeaderStreamExpiresAt   = "Stream-Expires-At"
	HeaderStreamClosed      = "Stream-Closed"
	HeaderStreamSSEEncoding = "Stream-SSE-Data-Encoding"

	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"

	QueryOffset = "offset"
	QueryLive   = "live"
	QueryCursor = "cursor"
)

// addCommonHeaders writes the fixed CORS/security envelope every response
// carries, grounded on ds_server.c's add_common_headers.
func addCommonHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers",
		"Content-Type, Authorization, Stream-Seq, Stream-TTL, Stream-Expires-At, "+
			"Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq")
	h.Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, "+
			"Producer-Epoch, Producer-Seq, Producer-Expected-Seq, Producer-Received-Seq, "+
			"ETag, Content-Type, Content-Encoding, Vary")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
}

// parseIntHeader parses a header value as a non-negative base-10 integer,
// reporting ok=false for empty, negative, or malformed input. Grounded on
// ds_server.c's parse_int_header, generalized to report validity rather
// than sentinel on -1 (Go has no implicit signed/unsigned header type).
func parseIntHeader(value string) (uint64, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// validTTL implements ds_server.c's validate_ttl: a strict non-negative
// integer with no leading zeros except the literal "0".
func validTTL(ttl string) bool {
	if ttl == "" {
		return false
	}
	if ttl[0] == '0' {
		return len(ttl) == 1
	}
	for i := 0; i < len(ttl); i++ {
		if ttl[i] < '0' || ttl[i] > '9' {
			return false
		}
	}
	return true
}

// generateETag implements ds_server.c's generate_etag.
func generateETag(path, startOffset, endOffset string, closed bool) string {
	var b strings.Builder
	b.WriteByte('"')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(startOffset)
	b.WriteByte(':')
	b.WriteString(endOffset)
	if closed {
		b.WriteString(":c")
	}
	b.WriteByte('"')
	return b.String()
}
