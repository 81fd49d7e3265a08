package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChunkIteratorCatchUpThenDone(t *testing.T) {
	ts, c := newTestHTTPServer(t)
	createStream(t, ts.URL, "/a", "application/octet-stream")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/a", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	stream := NewStream(c, "/a")
	it := NewChunkIterator(context.Background(), stream, ReadOptions{Offset: ""})
	defer it.Close()

	chunk, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", string(chunk.Data))
	require.True(t, chunk.UpToDate)

	_, err = it.Next()
	require.ErrorIs(t, err, Done)
}

func TestChunkIteratorLongPollWakesOnAppend(t *testing.T) {
	ts, c := newTestHTTPServer(t)
	createStream(t, ts.URL, "/a", "application/octet-stream")

	stream := NewStream(c, "/a")
	it := NewChunkIterator(context.Background(), stream, ReadOptions{Offset: "now", Live: LiveModeLongPoll})
	defer it.Close()

	type outcome struct {
		chunk *Chunk
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		chunk, err := it.Next()
		resultCh <- outcome{chunk, err}
	}()

	time.Sleep(50 * time.Millisecond)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/a", strings.NewReader("live"))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case o := <-resultCh:
		require.NoError(t, o.err)
		require.Equal(t, "live", string(o.chunk.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll iterator did not wake on append")
	}
}

func TestChunkIteratorStreamNotFound(t *testing.T) {
	_, c := newTestHTTPServer(t)
	stream := NewStream(c, "/missing")
	it := NewChunkIterator(context.Background(), stream, ReadOptions{})
	defer it.Close()

	_, err := it.Next()
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestChunkIteratorCloseIsIdempotent(t *testing.T) {
	_, c := newTestHTTPServer(t)
	stream := NewStream(c, "/x")
	it := NewChunkIterator(context.Background(), stream, ReadOptions{})
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	_, err := it.Next()
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestChunkIteratorSSEReceivesLiveFrame(t *testing.T) {
	ts, c := newTestHTTPServer(t)
	createStream(t, ts.URL, "/sse", "application/octet-stream")

	stream := NewStream(c, "/sse")
	it := NewChunkIterator(context.Background(), stream, ReadOptions{Offset: "-1", Live: LiveModeSSE})
	defer it.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sse", strings.NewReader("ping"))
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	var sawPing bool
	for time.Now().Before(deadline) {
		chunk, err := it.Next()
		if err != nil {
			if errors.Is(err, Done) {
				break
			}
			t.Fatalf("unexpected SSE error: %v", err)
		}
		if string(chunk.Data) == "ping" {
			sawPing = true
			break
		}
	}
	require.True(t, sawPing, "expected to observe the live-appended SSE frame")
}
