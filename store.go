package durablestreams

import (
	"sync"
	"time"
)

// Message is one accepted append, holding the already-flattened bytes that
// get concatenated (or, for non-JSON streams, copied verbatim) on read.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// ClosedBy records which producer closed a stream, for idempotent replay of
// the close-with-producer request.
type ClosedBy struct {
	ProducerID string
	Epoch      uint64
	Seq        uint64
}

// Stream is a single named append log. Fields are guarded by mu except where
// noted; Cond is used to wake long-poll/SSE waiters on every successful
// append or close, mirroring the per-stream pthread_mutex_t/pthread_cond_t
// pair in the C store.
type Stream struct {
	Path        string
	ContentType string
	TTLSeconds  int64 // -1 means no TTL
	ExpiresAt   string

	CreatedAt time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	messages  []Message
	readSeq   uint64
	byteOff   uint64
	lastSeq   string // Stream-Seq high-water mark, compared lexicographically
	closed    bool
	closedBy  *ClosedBy
	producers map[string]*ProducerState
}

func newStream(path, contentType string, ttlSeconds int64, expiresAt string) *Stream {
	s := &Stream{
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
		producers:   make(map[string]*ProducerState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// currentOffsetLocked returns the stream's tail offset. Caller must hold mu.
func (s *Stream) currentOffsetLocked() Offset {
	return FormatOffset(s.readSeq, s.byteOff)
}

// Snapshot returns the stream's current tail offset and closed state under
// its own lock, for handlers that only need metadata.
func (s *Stream) Snapshot() (Offset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentOffsetLocked(), s.closed
}

func (s *Stream) isExpiredLocked(now time.Time) bool {
	if s.TTLSeconds >= 0 {
		if !now.Before(s.CreatedAt.Add(time.Duration(s.TTLSeconds) * time.Second)) {
			return true
		}
	}
	if s.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, s.ExpiresAt); err == nil {
			if !now.Before(t) {
				return true
			}
		}
	}
	return false
}

// Store is the in-memory stream registry: a map guarded by a single
// RWMutex, matching spec.md §5's "store lock: reader-writer, stream lock:
// mutual exclusion" split and the C implementation's
// pthread_rwlock_t-over-hash-table-of-pthread_mutex_t design.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{streams: make(map[string]*Stream)}
}

// CreateOptions configures CreateStream (the PUT path).
type CreateOptions struct {
	ContentType string
	TTLSeconds  int64 // -1 means no TTL
	ExpiresAt   string
	InitialData []byte
	Closed      bool
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	out := ct
	for i, c := range out {
		if c == ';' {
			out = out[:i]
			break
		}
	}
	return toLowerTrim(out)
}

func toLowerTrim(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	s = s[start:end]
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// CreateStream implements the PUT path: it creates a stream at path, or, if
// one already exists with an identical configuration, returns it unchanged
// (idempotent create). A pre-existing stream with a different configuration
// is a conflict. An expired existing stream is treated as absent and
// replaced. Grounded on ds_store.c's ds_store_create_stream.
func (st *Store) CreateStream(path string, opts CreateOptions) (*Stream, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if existing, ok := st.streams[path]; ok {
		existing.mu.Lock()
		expired := existing.isExpiredLocked(now)
		existing.mu.Unlock()
		if expired {
			delete(st.streams, path)
		} else {
			if sameConfig(existing, opts) {
				return existing, true, nil
			}
			return nil, false, NewError(CodeConflict, "stream already exists with a different configuration")
		}
	}

	ct := normalizeContentType(opts.ContentType)
	s := newStream(path, ct, opts.TTLSeconds, opts.ExpiresAt)
	s.closed = opts.Closed

	if len(opts.InitialData) > 0 {
		s.mu.Lock()
		_, err := appendLocked(s, opts.InitialData, true)
		s.mu.Unlock()
		if err != nil {
			return nil, false, err
		}
	}

	st.streams[path] = s
	return s, false, nil
}

func sameConfig(existing *Stream, opts CreateOptions) bool {
	existing.mu.Lock()
	defer existing.mu.Unlock()
	ctMatch := normalizeContentType(opts.ContentType) == existing.ContentType
	ttlMatch := opts.TTLSeconds == existing.TTLSeconds
	expiresMatch := opts.ExpiresAt == existing.ExpiresAt
	closedMatch := opts.Closed == existing.closed
	return ctMatch && ttlMatch && expiresMatch && closedMatch
}

// Get returns the stream at path, or nil if it does not exist or has
// expired (an expired stream is deleted as a side effect, matching
// ds_store_get's lazy-expiry behavior).
func (st *Store) Get(path string) *Stream {
	st.mu.RLock()
	s, ok := st.streams[path]
	st.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	expired := s.isExpiredLocked(time.Now())
	s.mu.Unlock()
	if expired {
		st.Delete(path)
		return nil
	}
	return s
}

// Has reports whether a live (non-expired) stream exists at path.
func (st *Store) Has(path string) bool {
	return st.Get(path) != nil
}

// Delete removes the stream at path and marks the removed stream closed,
// waking any waiters so they return a closed outcome at once instead of
// blocking until their timeout.
func (st *Store) Delete(path string) bool {
	st.mu.Lock()
	s, ok := st.streams[path]
	if ok {
		delete(st.streams, path)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return true
}

// AppendOptions configures Append (the POST path).
type AppendOptions struct {
	ContentType string // if set, must match the stream's content type

	HasProducer bool
	ProducerID  string
	Epoch       uint64
	Seq         uint64

	// StreamSeq, if non-empty, is compared lexicographically against the
	// stream's high-water mark; a non-increasing value is a conflict.
	StreamSeq string

	Close bool
}

// AppendResult reports the outcome of Append.
type AppendResult struct {
	Accepted     bool
	StreamClosed bool
	Offset       Offset
	Producer     ProducerResult // zero value (Accepted) when HasProducer was false
}

// Append implements the POST path: validates the stream's open/closed state,
// content-type match, producer epoch/seq, and Stream-Seq ordering, then
// appends and wakes waiters. Grounded on ds_store.c's ds_store_append.
func (st *Store) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s := st.Get(path)
	if s == nil {
		return AppendResult{}, NewError(CodeNotFound, "stream not found")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if opts.HasProducer && s.closedBy != nil &&
			s.closedBy.ProducerID == opts.ProducerID &&
			s.closedBy.Epoch == opts.Epoch && s.closedBy.Seq == opts.Seq {
			return AppendResult{
				StreamClosed: true,
				Offset:       s.currentOffsetLocked(),
				Producer:     ProducerResult{Status: Duplicate, LastSeq: opts.Seq},
			}, nil
		}
		return AppendResult{StreamClosed: true, Offset: s.currentOffsetLocked()},
			NewError(CodeConflict, "stream is closed")
	}

	if opts.ContentType != "" && normalizeContentType(opts.ContentType) != s.ContentType {
		err := Errorf(CodeConflict, "content-type mismatch: stream is %s", s.ContentType).
			WithDetail("expected_content_type", s.ContentType).
			WithDetail("received_content_type", normalizeContentType(opts.ContentType))
		return AppendResult{}, err
	}

	var pr ProducerResult
	if opts.HasProducer {
		pr = ValidateProducer(s.producers[opts.ProducerID], opts.Epoch, opts.Seq)
		if pr.Status != Accepted {
			return AppendResult{Offset: s.currentOffsetLocked(), Producer: pr}, nil
		}
	}

	if opts.StreamSeq != "" && s.lastSeq != "" && opts.StreamSeq <= s.lastSeq {
		return AppendResult{}, NewError(CodeConflict, "stream-seq conflict")
	}

	if _, err := appendLocked(s, data, false); err != nil {
		return AppendResult{}, err
	}

	if opts.HasProducer {
		st := Commit(opts.Epoch, opts.Seq)
		s.producers[opts.ProducerID] = &st
	}
	if opts.StreamSeq != "" {
		s.lastSeq = opts.StreamSeq
	}

	result := AppendResult{Accepted: true, Offset: s.currentOffsetLocked(), Producer: pr}

	if opts.Close {
		s.closed = true
		if opts.HasProducer {
			s.closedBy = &ClosedBy{ProducerID: opts.ProducerID, Epoch: opts.Epoch, Seq: opts.Seq}
		}
		result.StreamClosed = true
	}

	s.cond.Broadcast()
	return result, nil
}

// appendLocked processes data (flattening it if the stream is JSON-typed)
// and appends the resulting message. Caller must hold s.mu. A nil error
// with no message appended only happens for an empty initial JSON body.
func appendLocked(s *Stream, data []byte, isInitial bool) (*Message, error) {
	final := data
	if s.ContentType == "application/json" {
		frag, ok, err := FlattenJSONAppend(data, isInitial)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		final = frag
	} else if len(data) == 0 && !isInitial {
		return nil, NewError(CodeInvalidArgument, "empty body is not a valid append")
	}

	newByteOff := s.byteOff + uint64(len(final))
	offset := FormatOffset(s.readSeq, newByteOff)
	msg := Message{Data: final, Offset: offset, Timestamp: time.Now()}
	s.messages = append(s.messages, msg)
	s.byteOff = newByteOff
	return &msg, nil
}

// ReadResult is the outcome of Read/WaitForMessages.
type ReadResult struct {
	Data         []byte
	NextOffset   Offset
	UpToDate     bool
	StreamClosed bool
}

// Read returns every message strictly after offset (or all messages if
// offset is empty/"-1"), flattened per the stream's content type. Grounded
// on ds_store.c's ds_store_read.
func (st *Store) Read(path string, offset string) (ReadResult, error) {
	s := st.Get(path)
	if s == nil {
		return ReadResult{}, NewError(CodeNotFound, "stream not found")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readLocked(s, offset), nil
}

func readLocked(s *Stream, offset string) ReadResult {
	var raw []byte
	for _, m := range s.messages {
		if IsBeginning(offset) || string(m.Offset) > offset {
			raw = append(raw, m.Data...)
		}
	}

	var data []byte
	if s.ContentType == "application/json" {
		data = FormatJSONRead(raw)
	} else {
		data = raw
	}

	return ReadResult{
		Data:         data,
		NextOffset:   s.currentOffsetLocked(),
		UpToDate:     true,
		StreamClosed: s.closed,
	}
}

func hasNewLocked(s *Stream, offset string) bool {
	for _, m := range s.messages {
		if IsBeginning(offset) || string(m.Offset) > offset {
			return true
		}
	}
	return false
}

// WaitForMessages blocks until a message past offset arrives, the stream is
// closed, or timeout elapses, then returns the same shape as Read. The bool
// result reports whether it returned due to new data/closure (true) or
// timed out (false), matching ds_store_wait_for_messages.
func (st *Store) WaitForMessages(path string, offset string, timeout time.Duration) (ReadResult, bool, error) {
	s := st.Get(path)
	if s == nil {
		return ReadResult{}, false, NewError(CodeNotFound, "stream not found")
	}

	s.mu.Lock()

	if hasNewLocked(s, offset) {
		r := readLocked(s, offset)
		s.mu.Unlock()
		return r, true, nil
	}
	if s.closed {
		r := ReadResult{NextOffset: s.currentOffsetLocked(), UpToDate: true, StreamClosed: true}
		s.mu.Unlock()
		return r, true, nil
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		close(done)
		s.cond.Broadcast()
		s.mu.Unlock()
	})

	for !hasNewLocked(s, offset) && !s.closed {
		select {
		case <-done:
			timer.Stop()
			r := ReadResult{NextOffset: s.currentOffsetLocked(), UpToDate: true, StreamClosed: s.closed}
			s.mu.Unlock()
			return r, false, nil
		default:
		}
		s.cond.Wait()
	}
	timer.Stop()

	r := readLocked(s, offset)
	s.mu.Unlock()
	return r, true, nil
}

// Close marks the stream closed unconditionally (no producer check),
// returning its final offset and whether it was already closed. Grounded
// on ds_store.c's ds_store_close_stream.
func (st *Store) Close(path string) (Offset, bool, error) {
	s := st.Get(path)
	if s == nil {
		return "", false, NewError(CodeNotFound, "stream not found")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	already := s.closed
	s.closed = true
	s.cond.Broadcast()
	return s.currentOffsetLocked(), already, nil
}

// CloseWithProducer validates the producer before closing (an empty-body POST
// with Stream-Closed: true and producer headers), returning the offset, whether
// the stream was already closed, and the producer result. If the stream is
// already closed, it checks for an
// idempotent replay of the same close; otherwise it reports StreamClosed.
// Grounded on ds_store.c's ds_store_close_stream_with_producer.
func (st *Store) CloseWithProducer(path, producerID string, epoch, seq uint64) (Offset, bool, ProducerResult, error) {
	s := st.Get(path)
	if s == nil {
		return "", false, ProducerResult{}, NewError(CodeNotFound, "stream not found")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	already := s.closed
	offset := s.currentOffsetLocked()

	if s.closed {
		if s.closedBy != nil && s.closedBy.ProducerID == producerID &&
			s.closedBy.Epoch == epoch && s.closedBy.Seq == seq {
			return offset, already, ProducerResult{Status: Duplicate, LastSeq: seq}, nil
		}
		return offset, already, ProducerResult{Status: StreamClosed}, nil
	}

	pr := ValidateProducer(s.producers[producerID], epoch, seq)
	if pr.Status != Accepted {
		return offset, already, pr, nil
	}

	committed := Commit(epoch, seq)
	s.producers[producerID] = &committed
	s.closed = true
	s.closedBy = &ClosedBy{ProducerID: producerID, Epoch: epoch, Seq: seq}
	s.cond.Broadcast()

	return s.currentOffsetLocked(), already, pr, nil
}
