package durablestreams

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeInvalidArgument: http.StatusBadRequest,
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeForbidden:       http.StatusForbidden,
		CodeGone:            http.StatusGone,
		CodeInternal:        http.StatusInternalServerError,
	}
	for code, status := range cases {
		require.Equal(t, status, HTTPStatusFromCode(code))
	}
}

func TestErrorWithDetail(t *testing.T) {
	base := NewError(CodeConflict, "stream is closed")
	withOne := base.WithDetail("current_epoch", 3)
	require.Empty(t, base.Details, "original error must not be mutated")
	require.Equal(t, 3, withOne.Details["current_epoch"])

	withTwo := withOne.WithDetail("received_seq", 5)
	require.Equal(t, 3, withTwo.Details["current_epoch"])
	require.Equal(t, 5, withTwo.Details["received_seq"])
	require.Len(t, withOne.Details, 1, "chaining WithDetail must not mutate the prior error")
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))

	domainErr := NewError(CodeNotFound, "no such stream")
	require.Same(t, domainErr, AsError(domainErr))

	wrapped := AsError(context.DeadlineExceeded)
	require.Equal(t, CodeInternal, wrapped.Code)

	generic := AsError(context.Canceled)
	require.Equal(t, CodeInternal, generic.Code)
}
