package durablestreams

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddCommonHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	addCommonHeaders(w.Header())

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	require.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), HeaderStreamNextOffset)
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestParseIntHeader(t *testing.T) {
	n, ok := parseIntHeader("42")
	require.True(t, ok)
	require.EqualValues(t, 42, n)

	for _, bad := range []string{"", "-1", "abc", "4.2"} {
		_, ok := parseIntHeader(bad)
		require.Falsef(t, ok, "expected %q to be invalid", bad)
	}
}

func TestValidTTL(t *testing.T) {
	require.True(t, validTTL("0"))
	require.True(t, validTTL("30"))
	require.False(t, validTTL(""))
	require.False(t, validTTL("01"))
	require.False(t, validTTL("-5"))
	require.False(t, validTTL("abc"))
}

func TestGenerateETag(t *testing.T) {
	etag := generateETag("/a", "-1", string(FormatOffset(0, 5)), false)
	require.Equal(t, `"/a:-1:`+string(FormatOffset(0, 5))+`"`, etag)

	closedETag := generateETag("/a", "-1", string(FormatOffset(0, 5)), true)
	require.True(t, len(closedETag) > len(etag))
	require.Contains(t, closedETag, ":c\"")
}
