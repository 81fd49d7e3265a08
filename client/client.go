// Package client is the idempotent producer and read iterator for Durable
// Streams: an HTTP client pair that mirrors the server's sequence/epoch
// state machine and offset format byte for byte. Grounded on
// durable_streams.c's ds_client_t/ds_stream_t/ds_result_t surface.
package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	durablestreams "github.com/broady/durable-streams"
)

// Sentinel errors, mirroring durable_streams.h's ds_error_t enum.
var (
	ErrStreamNotFound = errors.New("durablestreams: stream not found")
	ErrConflict       = errors.New("durablestreams: conflict")
	ErrStreamClosed   = errors.New("durablestreams: stream is closed")
	ErrInvalidOffset  = errors.New("durablestreams: invalid offset")
	ErrParseError     = errors.New("durablestreams: parse error")
	ErrStaleEpoch     = errors.New("durablestreams: stale epoch")
	ErrSequenceGap    = errors.New("durablestreams: sequence gap")
	ErrAlreadyClosed  = errors.New("durablestreams: iterator already closed")
	ErrHTTP           = errors.New("durablestreams: http error")

	// Done is returned by ChunkIterator.Next to signal clean
	// end-of-iteration; check with errors.Is.
	Done = errors.New("durablestreams: done")
)

// StreamError wraps a sentinel error with the operation, URL, and HTTP
// status that produced it. Grounded on the C client's
// format_error_with_path, generalized to Go's error-wrapping idiom.
type StreamError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *StreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("durablestreams: %s %s: %s (status %d)", e.Op, e.URL, e.Err, e.Status)
	}
	return fmt.Sprintf("durablestreams: %s %s: %s", e.Op, e.URL, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func newStreamError(op, url string, status int, err error) *StreamError {
	return &StreamError{Op: op, URL: url, Status: status, Err: err}
}

// errorFromStatus maps an HTTP status code that isn't handled by a more
// specific branch to its closest sentinel error, mirroring
// http_status_to_error in the C client.
func errorFromStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrStreamNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusForbidden:
		return ErrStaleEpoch
	case status == http.StatusGone:
		return ErrInvalidOffset
	case status >= 400:
		return ErrHTTP
	default:
		return nil
	}
}

// Response header names used by the client; request-side names are shared
// with the server package via the durablestreams import.
const (
	headerStreamOffset   = durablestreams.HeaderStreamNextOffset
	headerStreamCursor   = durablestreams.HeaderStreamCursor
	headerStreamUpToDate = durablestreams.HeaderStreamUpToDate
	headerETag           = "ETag"
)

// Config configures a Client's defaults. All fields are optional.
type Config struct {
	// HTTPClient is the transport to use. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Timeout is the default request timeout applied when a call doesn't
	// specify its own. Defaults to 30s, mirroring the C client's
	// DS_DEFAULT_TIMEOUT_MS.
	Timeout time.Duration
}

// Client is the shared HTTP transport and base URL for a set of streams.
// Grounded on durable_streams.c's ds_client_t.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a Client rooted at baseURL, e.g. "http://localhost:4437".
// A trailing slash is stripped, matching ds_client_new.
func NewClient(baseURL string, cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Stream is a handle to one path on the server. It carries no state of its
// own beyond the URL and a default content type; all stream state lives
// server-side. Grounded on durable_streams.c's ds_stream_t.
type Stream struct {
	client      *Client
	path        string
	url         string
	contentType string
}

// NewStream returns a handle for path, which must begin with "/".
func NewStream(c *Client, path string) *Stream {
	return &Stream{
		client:      c,
		path:        path,
		url:         c.baseURL + path,
		contentType: "application/octet-stream",
	}
}

// SetContentType sets the content type used for subsequent appends and
// create calls issued through this handle.
func (s *Stream) SetContentType(ct string) { s.contentType = ct }

// ContentType returns the handle's current content type.
func (s *Stream) ContentType() string { return s.contentType }

// LiveMode selects how a ChunkIterator waits for new data past the stream
// tail, mirroring ds_live_mode_t.
type LiveMode int

const (
	// LiveModeNone performs a single catch-up read and then stops.
	LiveModeNone LiveMode = iota
	// LiveModeLongPoll blocks server-side for up to the read timeout,
	// waking early on new data.
	LiveModeLongPoll
	// LiveModeSSE opens a persistent Server-Sent Events connection.
	LiveModeSSE
)

func (m LiveMode) queryValue() string {
	switch m {
	case LiveModeLongPoll:
		return "long-poll"
	case LiveModeSSE:
		return "sse"
	default:
		return ""
	}
}

// buildReadURL constructs the GET URL for a read, propagating offset, live
// mode, and cursor the way the C client's ds_stream_read builds its query
// string.
func (s *Stream) buildReadURL(offset durablestreams.Offset, live LiveMode, cursor string) string {
	q := make(url.Values, 3)
	if offset != "" {
		q.Set("offset", string(offset))
	}
	if lv := live.queryValue(); lv != "" {
		q.Set("live", lv)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return s.url
	}
	return s.url + "?" + q.Encode()
}
