package durablestreams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenJSONAppendBareValue(t *testing.T) {
	frag, ok, err := FlattenJSONAppend([]byte(" 5 "), false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5,", string(frag))
}

func TestFlattenJSONAppendArrayUnwraps(t *testing.T) {
	frag, ok, err := FlattenJSONAppend([]byte(`[1,2,3]`), false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1,2,3,", string(frag))
}

func TestFlattenJSONAppendArrayRespectsStringsAndEscapes(t *testing.T) {
	frag, ok, err := FlattenJSONAppend([]byte(`["a]b", "c\"]d"]`), false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `"a]b", "c\"]d",`, string(frag))
}

func TestFlattenJSONAppendUnbalancedArray(t *testing.T) {
	_, _, err := FlattenJSONAppend([]byte(`[1,2`), false)
	require.Error(t, err)
	require.Equal(t, CodeInvalidArgument, err.(*Error).Code)
}

func TestFlattenJSONAppendEmptyArray(t *testing.T) {
	_, ok, err := FlattenJSONAppend([]byte(`[]`), true)
	require.NoError(t, err)
	require.False(t, ok, "initial empty array is a no-op, not a fragment")

	_, _, err = FlattenJSONAppend([]byte(`[]`), false)
	require.Error(t, err, "empty array append is invalid")
}

func TestFlattenJSONAppendEmptyBody(t *testing.T) {
	_, ok, err := FlattenJSONAppend([]byte("  "), true)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = FlattenJSONAppend([]byte(""), false)
	require.Error(t, err)
}

func TestFormatJSONReadRoundTrip(t *testing.T) {
	var stored []byte
	for _, v := range []string{"1", "2", "3"} {
		frag, _, err := FlattenJSONAppend([]byte(v), false)
		require.NoError(t, err)
		stored = append(stored, frag...)
	}
	require.Equal(t, "[1,2,3]", string(FormatJSONRead(stored)))
}

func TestFormatJSONReadEmpty(t *testing.T) {
	require.Equal(t, "[]", string(FormatJSONRead(nil)))
}
