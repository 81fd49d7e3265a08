package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	durablestreams "github.com/broady/durable-streams"
)

// Chunk represents one HTTP response body from the stream.
type Chunk struct {
	// NextOffset is the position after this chunk. Use this for
	// resumption/checkpointing.
	NextOffset durablestreams.Offset

	// Data is the raw bytes from this response.
	Data []byte

	// UpToDate is true if this chunk ends at stream head.
	UpToDate bool

	// StreamClosed is true if the stream is closed and at tail.
	StreamClosed bool

	// Cursor for CDN collapsing (automatically propagated by the iterator).
	Cursor string

	// ETag for conditional requests.
	ETag string
}

// ReadOptions configures a ChunkIterator.
type ReadOptions struct {
	Offset  durablestreams.Offset
	Live    LiveMode
	Timeout time.Duration
	Cursor  string
	Headers map[string]string

	// MaxChunks bounds how many chunks Next will yield before returning
	// Done, 0 meaning unbounded. Advisory, matching ds_read_options_t's
	// max_chunks hint.
	MaxChunks int

	// SSEMaxRetries bounds SSE reconnects after the connection ends while the
	// iterator is up-to-date. 0 uses the
	// package default of 3, matching the C client's hard-coded budget
	// (documented in the spec as advisory, not a contract).
	SSEMaxRetries int
}

const defaultSSEMaxRetries = 3

// ChunkIterator iterates over chunks from the stream: catch-up (one GET),
// long-poll (repeated GETs with live=long-poll), or SSE (one persistent
// GET with live=sse). Call Next in a loop until it returns Done.
//
// The iterator automatically:
//   - propagates cursor for CDN cache-key rotation
//   - handles 304 Not Modified (advances state, no error)
//   - handles 204 No Content for long-poll timeouts/keepalives
//
// Always call Close when done to release resources (in particular, to
// terminate an open SSE connection).
//
// Grounded on the reference client-go iterator port and ds_iterator_t.
type ChunkIterator struct {
	stream  *Stream
	ctx     context.Context
	cancel  context.CancelFunc
	offset  durablestreams.Offset
	live    LiveMode
	cursor  string
	headers map[string]string
	timeout time.Duration

	maxChunks  int
	chunkCount int

	// Offset is the current position in the stream, updated after each
	// successful Next call.
	Offset durablestreams.Offset
	// UpToDate is true once the iterator has caught up to stream head.
	UpToDate bool
	// Cursor is the current cursor value.
	Cursor string

	mu       sync.Mutex
	closed   bool
	doneOnce bool

	// SSE connection state.
	sseResp       *http.Response
	sseReader     *bufio.Reader
	sseIsBase64   bool
	sseRetryCount int
	sseMaxRetries int
}

// NewChunkIterator creates an iterator reading stream starting at
// opts.Offset in opts.Live mode.
func NewChunkIterator(ctx context.Context, stream *Stream, opts ReadOptions) *ChunkIterator {
	ctx, cancel := context.WithCancel(ctx)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = stream.client.timeout
	}
	maxRetries := opts.SSEMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultSSEMaxRetries
	}
	return &ChunkIterator{
		stream:        stream,
		ctx:           ctx,
		cancel:        cancel,
		offset:        opts.Offset,
		Offset:        opts.Offset,
		live:          opts.Live,
		cursor:        opts.Cursor,
		Cursor:        opts.Cursor,
		headers:       opts.Headers,
		timeout:       timeout,
		maxChunks:     opts.MaxChunks,
		sseMaxRetries: maxRetries,
	}
}

// Next returns the next chunk of bytes from the stream. Returns Done
// (check with errors.Is) when iteration is complete: catch-up mode reaching
// up-to-date, or a live mode's control event reporting stream_closed at
// tail.
func (it *ChunkIterator) Next() (*Chunk, error) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	if it.doneOnce {
		it.mu.Unlock()
		return nil, Done
	}
	if it.maxChunks > 0 && it.chunkCount >= it.maxChunks {
		it.mu.Unlock()
		return nil, Done
	}
	it.mu.Unlock()

	select {
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	default:
	}

	var (
		chunk *Chunk
		err   error
	)
	if it.live == LiveModeSSE {
		chunk, err = it.nextSSE()
	} else {
		chunk, err = it.nextPoll()
	}
	if err == nil && chunk != nil {
		it.mu.Lock()
		it.chunkCount++
		it.mu.Unlock()
	}
	return chunk, err
}

// nextPoll implements catch-up (live=None) and long-poll (live=LongPoll)
// reads: a single GET per call, dispatched by status code. Grounded on the
// reference iterator's Next for the 200/204/304/404/410 branches.
func (it *ChunkIterator) nextPoll() (*Chunk, error) {
	readURL := it.stream.buildReadURL(it.offset, it.live, it.cursor)

	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return nil, newStreamError("read", it.stream.url, 0, err)
	}
	for k, v := range it.headers {
		req.Header.Set(k, v)
	}

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		if it.ctx.Err() != nil {
			return nil, it.ctx.Err()
		}
		return nil, newStreamError("read", it.stream.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, newStreamError("read", it.stream.url, resp.StatusCode, err)
		}
		nextOffset := durablestreams.Offset(resp.Header.Get(headerStreamOffset))
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"
		streamClosed := resp.Header.Get(durablestreams.HeaderStreamClosed) == "true"
		etag := resp.Header.Get(headerETag)

		it.mu.Lock()
		it.offset, it.Offset = nextOffset, nextOffset
		it.cursor, it.Cursor = cursor, cursor
		it.UpToDate = upToDate
		if upToDate && it.live == LiveModeNone {
			it.doneOnce = true
		}
		it.mu.Unlock()

		return &Chunk{NextOffset: nextOffset, Data: data, UpToDate: upToDate, StreamClosed: streamClosed, Cursor: cursor, ETag: etag}, nil

	case http.StatusNoContent:
		nextOffset := durablestreams.Offset(resp.Header.Get(headerStreamOffset))
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"
		streamClosed := resp.Header.Get(durablestreams.HeaderStreamClosed) == "true"

		it.mu.Lock()
		if nextOffset != "" {
			it.offset, it.Offset = nextOffset, nextOffset
		}
		if cursor != "" {
			it.cursor, it.Cursor = cursor, cursor
		}
		it.UpToDate = upToDate
		if it.live == LiveModeNone {
			it.doneOnce = true
			it.mu.Unlock()
			return nil, Done
		}
		it.mu.Unlock()

		return &Chunk{NextOffset: nextOffset, UpToDate: upToDate, StreamClosed: streamClosed, Cursor: cursor}, nil

	case http.StatusNotModified:
		if cursor := resp.Header.Get(headerStreamCursor); cursor != "" {
			it.mu.Lock()
			it.cursor, it.Cursor = cursor, cursor
			it.mu.Unlock()
		}
		it.mu.Lock()
		cur, off := it.Cursor, it.offset
		it.mu.Unlock()
		return &Chunk{NextOffset: off, Cursor: cur}, nil

	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, ErrStreamNotFound)

	case http.StatusGone:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, ErrInvalidOffset)

	default:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// connectSSE opens (or re-opens) the persistent GET for live=sse.
func (it *ChunkIterator) connectSSE() error {
	readURL := it.stream.buildReadURL(it.offset, LiveModeSSE, it.cursor)
	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return newStreamError("read", it.stream.url, 0, err)
	}
	for k, v := range it.headers {
		req.Header.Set(k, v)
	}
	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		return newStreamError("read", it.stream.url, 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return newStreamError("read", it.stream.url, resp.StatusCode, ErrStreamNotFound)
		default:
			return newStreamError("read", it.stream.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
		}
	}
	it.sseResp = resp
	it.sseReader = bufio.NewReader(resp.Body)
	it.sseIsBase64 = resp.Header.Get(durablestreams.HeaderStreamSSEEncoding) == "base64"
	return nil
}

// nextSSE reads frames from the open SSE connection (opening one if
// needed) until a control event closes out the round, then returns the
// combined chunk. Reconnects up to sseMaxRetries times on a mid-stream
// transport close while the iterator is up-to-date and not closed, mirroring
// the spec's advisory retry budget.
func (it *ChunkIterator) nextSSE() (*Chunk, error) {
	if it.sseReader == nil {
		if err := it.connectSSE(); err != nil {
			return nil, err
		}
	}

	for {
		chunk, err := it.readSSERound()
		if err == nil {
			it.sseRetryCount = 0
			if chunk.StreamClosed && chunk.UpToDate {
				it.mu.Lock()
				it.doneOnce = true
				it.mu.Unlock()
			}
			return chunk, nil
		}
		if err != io.EOF {
			return nil, err
		}

		it.closeSSEConn()
		if !it.UpToDate {
			return nil, newStreamError("read", it.stream.url, 0, io.ErrUnexpectedEOF)
		}
		it.sseRetryCount++
		if it.sseRetryCount > it.sseMaxRetries {
			return nil, newStreamError("read", it.stream.url, 0, io.ErrUnexpectedEOF)
		}
		if err := it.connectSSE(); err != nil {
			return nil, err
		}
	}
}

type sseControlPayload struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor"`
	UpToDate         bool   `json:"upToDate"`
	StreamClosed     bool   `json:"streamClosed"`
}

// readSSERound reads frames until a control event, accumulating any data
// event payload in between, and returns the combined chunk. Grounded on
// ds_sse.c's framing (mirrored by sse.go's sseFrame on the server side).
func (it *ChunkIterator) readSSERound() (*Chunk, error) {
	var pending []byte
	var haveData bool

	for {
		eventType, dataLines, err := it.readSSEEvent()
		if err != nil {
			return nil, err
		}
		payload := strings.Join(dataLines, "\n")

		switch eventType {
		case "data":
			raw := []byte(payload)
			if it.sseIsBase64 {
				decoded, err := base64.StdEncoding.DecodeString(payload)
				if err == nil {
					raw = decoded
				}
			}
			pending = append(pending, raw...)
			haveData = true

		case "control":
			var ctrl sseControlPayload
			if jerr := json.Unmarshal([]byte(payload), &ctrl); jerr != nil {
				return nil, newStreamError("read", it.stream.url, 0, jerr)
			}
			nextOffset := durablestreams.Offset(ctrl.StreamNextOffset)

			it.mu.Lock()
			it.offset, it.Offset = nextOffset, nextOffset
			if ctrl.StreamCursor != "" {
				it.cursor, it.Cursor = ctrl.StreamCursor, ctrl.StreamCursor
			}
			it.UpToDate = ctrl.UpToDate || ctrl.StreamClosed
			it.mu.Unlock()

			chunk := &Chunk{
				NextOffset:   nextOffset,
				UpToDate:     ctrl.UpToDate || ctrl.StreamClosed,
				StreamClosed: ctrl.StreamClosed,
				Cursor:       ctrl.StreamCursor,
			}
			if haveData {
				chunk.Data = pending
			}
			return chunk, nil
		}
	}
}

// readSSEEvent reads one "event: TYPE\n(data:...\n)*\n" frame and returns
// its type and de-prefixed data lines.
func (it *ChunkIterator) readSSEEvent() (eventType string, dataLines []string, err error) {
	for {
		line, err := it.sseReader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				return "", nil, err
			}
			if eventType != "" {
				return eventType, dataLines, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(trimmed, "data:"))
		}
		if err != nil {
			if eventType != "" {
				return eventType, dataLines, nil
			}
			return "", nil, err
		}
	}
}

func (it *ChunkIterator) closeSSEConn() {
	if it.sseResp != nil {
		it.sseResp.Body.Close()
		it.sseResp = nil
	}
	it.sseReader = nil
}

// Close cancels the iterator and releases resources, including an open SSE
// connection. Implements io.Closer.
func (it *ChunkIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return nil
	}
	it.closed = true
	it.closeSSEConn()
	it.cancel()
	return nil
}

var _ io.Closer = (*ChunkIterator)(nil)
