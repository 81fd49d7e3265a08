package durablestreams

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
)

// Server is the HTTP protocol layer: it decodes requests, drives a Store,
// and maps domain results onto the wire status/header contract. Grounded
// on ds_server.c's request_handler dispatch and per-verb handle_* functions,
// reorganized from one large C switch into a method per verb.
type Server struct {
	Store  *Store
	Logger *slog.Logger

	Host string
	Port int

	LongPollTimeout       time.Duration
	WriteTimeout          time.Duration
	CursorEpoch           time.Time
	CursorIntervalSeconds int
	SSEMaxRetries         int

	queryDecoder *schema.Decoder
	validate     *validator.Validate
}

// NewServer constructs a Server with the given store and sensible defaults
// for spec.md §6's timeouts, ready to have its fields further overridden by
// CLI flags before use.
func NewServer(store *Store) *Server {
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	return &Server{
		Store:                 store,
		Logger:                slog.Default(),
		LongPollTimeout:       30 * time.Second,
		CursorIntervalSeconds: DefaultCursorIntervalSeconds,
		CursorEpoch:           time.Now(),
		SSEMaxRetries:         3,
		queryDecoder:          dec,
		validate:              validator.New(),
	}
}

// hostPort formats Host/Port for the Location header on 201 responses.
func (srv *Server) hostPort() string {
	if srv.Port == 0 {
		return srv.Host
	}
	return srv.Host + ":" + uitoa(uint64(srv.Port))
}

func (srv *Server) logger() *slog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return slog.Default()
}

// ServeHTTP dispatches by HTTP method, mirroring ds_server.c's
// request_handler if/else-if chain over method strings.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addCommonHeaders(w.Header())
	path := r.URL.Path

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPut:
		srv.handlePut(w, r, path)
	case http.MethodHead:
		srv.handleHead(w, r, path)
	case http.MethodGet:
		srv.handleGet(w, r, path)
	case http.MethodPost:
		srv.handlePost(w, r, path)
	case http.MethodDelete:
		srv.handleDelete(w, r, path)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "Method not allowed")
	}
}

func writeErrorResponse(w http.ResponseWriter, err *Error) {
	addCommonHeaders(w.Header())
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(HTTPStatusFromCode(err.Code))
	io.WriteString(w, err.Message)
	for _, k := range sortedDetailKeys(err.Details) {
		fmt.Fprintf(w, "\n%s: %v", k, err.Details[k])
	}
}

// sortedDetailKeys returns an Error's Details keys in a stable order so the
// echoed body is deterministic.
func sortedDetailKeys(details map[string]any) []string {
	if len(details) == 0 {
		return nil
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writePlainError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	io.WriteString(w, message)
}

// handlePut implements PUT (create stream). Grounded on ds_server.c's
// handle_put.
func (srv *Server) handlePut(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAt := r.Header.Get(HeaderStreamExpiresAt)
	closedStr := r.Header.Get(HeaderStreamClosed)

	ttlSeconds := int64(-1)
	if ttlStr != "" {
		if !validTTL(ttlStr) {
			writePlainError(w, http.StatusBadRequest, "Invalid Stream-TTL value")
			return
		}
		ttlSeconds = parseDecimal(ttlStr)
	}

	if ttlStr != "" && expiresAt != "" {
		writePlainError(w, http.StatusBadRequest, "Cannot specify both Stream-TTL and Stream-Expires-At")
		return
	}

	closed := strings.EqualFold(closedStr, "true")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writePlainError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	stream, existed, createErr := srv.Store.CreateStream(path, CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: body,
		Closed:      closed,
	})
	if createErr != nil {
		writeErrorResponse(w, AsError(createErr))
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}

	if stream.ContentType != "" {
		w.Header().Set("Content-Type", stream.ContentType)
	}
	w.Header().Set(HeaderStreamNextOffset, string(streamOffset(stream)))
	if streamIsClosed(stream) {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if status == http.StatusCreated {
		w.Header().Set("Location", "http://"+srv.hostPort()+path)
	}
	w.WriteHeader(status)
}

// handleHead implements HEAD (metadata only). Grounded on ds_server.c's
// handle_head.
func (srv *Server) handleHead(w http.ResponseWriter, r *http.Request, path string) {
	stream := srv.Store.Get(path)
	if stream == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	offset := streamOffset(stream)
	w.Header().Set(HeaderStreamNextOffset, string(offset))
	w.Header().Set("Cache-Control", "no-store")
	if stream.ContentType != "" {
		w.Header().Set("Content-Type", stream.ContentType)
	}
	closed := streamIsClosed(stream)
	if closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.Header().Set("ETag", generateETag(path, string(OffsetBeginning), string(offset), closed))
	w.WriteHeader(http.StatusOK)
}

// handleDelete implements unconditional DELETE (removes the stream, with no
// producer validation). Grounded on ds_server.c's handle_delete.
func (srv *Server) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	deleted := srv.Store.Delete(path)
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getQuery holds the GET query-string parameters decoded via gorilla/schema.
type getQuery struct {
	Offset string `schema:"offset"`
	Live   string `schema:"live"`
	Cursor string `schema:"cursor"`
}

func streamOffset(s *Stream) Offset {
	offset, _ := s.Snapshot()
	return offset
}

func streamIsClosed(s *Stream) bool {
	_, closed := s.Snapshot()
	return closed
}

// handleGet implements GET (read/long-poll/SSE). Grounded on ds_server.c's
// handle_get.
func (srv *Server) handleGet(w http.ResponseWriter, r *http.Request, path string) {
	stream := srv.Store.Get(path)
	if stream == nil {
		writePlainError(w, http.StatusNotFound, "Stream not found")
		return
	}

	var q getQuery
	if err := srv.queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		writePlainError(w, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	if q.Offset != "" && !ValidOffsetQuery(q.Offset) {
		writePlainError(w, http.StatusBadRequest, "Invalid offset format")
		return
	}
	if q.Live != "" && q.Offset == "" {
		writePlainError(w, http.StatusBadRequest, "Live mode requires offset parameter")
		return
	}

	tailOffset := streamOffset(stream)
	closed := streamIsClosed(stream)

	effectiveOffset := q.Offset
	if q.Offset == "now" {
		effectiveOffset = string(tailOffset)
	}

	if q.Live == "sse" {
		// Binary (non-JSON, non-text) content can't be embedded verbatim in an
		// SSE "data:" line, so it travels base64-encoded; the server signals
		// this via the Stream-SSE-Data-Encoding response header rather than
		// taking it as a request parameter.
		useBase64 := stream.ContentType != "application/json" && !strings.HasPrefix(stream.ContentType, "text/")
		clientCursor := parseSSECursorParam(q.Cursor)
		srv.serveSSE(w, r, stream, path, effectiveOffset, useBase64, clientCursor)
		return
	}

	if q.Offset == "now" && q.Live != "long-poll" {
		w.Header().Set(HeaderStreamNextOffset, string(tailOffset))
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set("Cache-Control", "no-store")
		if stream.ContentType != "" {
			w.Header().Set("Content-Type", stream.ContentType)
		}
		if closed {
			w.Header().Set(HeaderStreamClosed, "true")
		}
		w.WriteHeader(http.StatusOK)
		if stream.ContentType == "application/json" {
			io.WriteString(w, "[]")
		}
		return
	}

	if q.Live == "long-poll" {
		srv.handleLongPoll(w, path, effectiveOffset, tailOffset, closed, q.Cursor)
		return
	}

	srv.handleCatchUp(w, r, path, effectiveOffset, stream.ContentType)
}

func (srv *Server) handleLongPoll(w http.ResponseWriter, path, effectiveOffset string, tailOffset Offset, closed bool, cursorParam string) {
	clientCursor := parseSSECursorParam(cursorParam)

	if closed && effectiveOffset == string(tailOffset) {
		cursor := NextCursor(srv.CursorEpoch, srv.CursorIntervalSeconds, clientCursor)
		w.Header().Set(HeaderStreamNextOffset, string(tailOffset))
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set(HeaderStreamClosed, "true")
		w.Header().Set(HeaderStreamCursor, uitoa(cursor))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	result, gotData, err := srv.Store.WaitForMessages(path, effectiveOffset, srv.LongPollTimeout)
	if err != nil {
		writeErrorResponse(w, AsError(err))
		return
	}

	cursor := NextCursor(srv.CursorEpoch, srv.CursorIntervalSeconds, clientCursor)

	if !gotData {
		w.Header().Set(HeaderStreamNextOffset, string(result.NextOffset))
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set(HeaderStreamCursor, uitoa(cursor))
		if result.StreamClosed {
			w.Header().Set(HeaderStreamClosed, "true")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set(HeaderStreamNextOffset, string(result.NextOffset))
	if result.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	w.Header().Set(HeaderStreamCursor, uitoa(cursor))

	s := srv.Store.Get(path)
	contentType := ""
	if s != nil {
		contentType = s.ContentType
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	atTailAndClosed := result.StreamClosed && result.UpToDate
	if atTailAndClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.Header().Set("ETag", generateETag(path, effectiveOffset, string(result.NextOffset), atTailAndClosed))
	w.WriteHeader(http.StatusOK)
	w.Write(result.Data)
}

func (srv *Server) handleCatchUp(w http.ResponseWriter, r *http.Request, path, effectiveOffset, contentType string) {
	result, err := srv.Store.Read(path, effectiveOffset)
	if err != nil {
		writeErrorResponse(w, AsError(err))
		return
	}

	stream := srv.Store.Get(path)
	atTail := stream != nil && result.NextOffset == streamOffset(stream)
	closedAtTail := result.StreamClosed && atTail && result.UpToDate

	etag := generateETag(path, effectiveOffset, string(result.NextOffset), closedAtTail)

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set(HeaderStreamNextOffset, string(result.NextOffset))
	if result.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if closedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Data)
}

// producerHeaders validates the "all or none" rule for the three producer
// headers (ds_server.c's has_some/has_all check): each field is required
// as soon as any one of its siblings is present, via validator/v10's
// required_with (OR semantics across the listed fields) so the rule reads
// as a struct tag instead of a hand-rolled boolean expression.
type producerHeaders struct {
	ID    string `validate:"required_with=Epoch Seq"`
	Epoch string `validate:"required_with=ID Seq"`
	Seq   string `validate:"required_with=ID Epoch"`
}

// allOrNone reports whether ph's three fields are either all empty or all
// non-empty.
func (srv *Server) allOrNone(ph producerHeaders) bool {
	return srv.validate.Struct(ph) == nil
}

// handlePost implements POST (append / close). Grounded on ds_server.c's
// handle_post.
func (srv *Server) handlePost(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	seq := r.Header.Get(HeaderStreamSeq)
	closedStr := r.Header.Get(HeaderStreamClosed)
	producerID := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	closeStream := strings.EqualFold(closedStr, "true")

	if !srv.allOrNone(producerHeaders{ID: producerID, Epoch: epochStr, Seq: seqStr}) {
		writePlainError(w, http.StatusBadRequest, "All producer headers must be provided together")
		return
	}
	hasAll := producerID != "" && epochStr != "" && seqStr != ""

	var epoch, pseq uint64
	if hasAll {
		var ok1, ok2 bool
		epoch, ok1 = parseIntHeader(epochStr)
		pseq, ok2 = parseIntHeader(seqStr)
		if !ok1 || !ok2 {
			writePlainError(w, http.StatusBadRequest, "Invalid Producer-Epoch or Producer-Seq")
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writePlainError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if len(body) == 0 && closeStream {
		srv.handleCloseRequest(w, path, hasAll, producerID, epoch, pseq)
		return
	}

	if len(body) == 0 {
		writePlainError(w, http.StatusBadRequest, "Empty body")
		return
	}
	if contentType == "" {
		writePlainError(w, http.StatusBadRequest, "Content-Type header is required")
		return
	}

	result, appendErr := srv.Store.Append(path, body, AppendOptions{
		ContentType: contentType,
		HasProducer: hasAll,
		ProducerID:  producerID,
		Epoch:       epoch,
		Seq:         pseq,
		StreamSeq:   seq,
		Close:       closeStream,
	})
	if appendErr != nil {
		e := AsError(appendErr)
		if result.StreamClosed {
			w.Header().Set(HeaderStreamClosed, "true")
			w.Header().Set(HeaderStreamNextOffset, string(result.Offset))
		}
		writeErrorResponse(w, e)
		return
	}

	if hasAll {
		srv.writeProducerResult(w, result.Producer, epoch, pseq, result.Offset, result.StreamClosed, false)
		return
	}

	w.Header().Set(HeaderStreamNextOffset, string(result.Offset))
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleCloseRequest(w http.ResponseWriter, path string, hasProducer bool, producerID string, epoch, seq uint64) {
	if !hasProducer {
		offset, _, err := srv.Store.Close(path)
		if err != nil {
			writeErrorResponse(w, AsError(err))
			return
		}
		w.Header().Set(HeaderStreamNextOffset, string(offset))
		w.Header().Set(HeaderStreamClosed, "true")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	offset, _, pr, err := srv.Store.CloseWithProducer(path, producerID, epoch, seq)
	if err != nil {
		writeErrorResponse(w, AsError(err))
		return
	}
	srv.writeProducerResult(w, pr, epoch, seq, offset, true, true)
}

// writeProducerResult maps a ProducerResult onto the status/header contract
// shared by the append and close-with-producer paths, per spec.md §4.2 and
// ds_server.c's duplicated switch in handle_post/handle_close.
func (srv *Server) writeProducerResult(w http.ResponseWriter, pr ProducerResult, epoch, seq uint64, offset Offset, streamClosed, isCloseRequest bool) {
	switch pr.Status {
	case Duplicate:
		w.Header().Set(HeaderProducerEpoch, uitoa(epoch))
		w.Header().Set(HeaderProducerSeq, uitoa(pr.LastSeq))
		if streamClosed {
			w.Header().Set(HeaderStreamClosed, "true")
			w.Header().Set(HeaderStreamNextOffset, string(offset))
		}
		w.WriteHeader(http.StatusNoContent)

	case StaleEpoch:
		w.Header().Set(HeaderProducerEpoch, uitoa(pr.CurrentEpoch))
		writePlainError(w, http.StatusForbidden, "Stale producer epoch")

	case InvalidEpochSeq:
		writePlainError(w, http.StatusBadRequest, "New epoch must start with sequence 0")

	case SequenceGap:
		w.Header().Set(HeaderProducerExpectedSeq, uitoa(pr.ExpectedSeq))
		w.Header().Set(HeaderProducerReceivedSeq, uitoa(pr.ReceivedSeq))
		writePlainError(w, http.StatusConflict, "Producer sequence gap")

	case StreamClosed:
		w.Header().Set(HeaderStreamClosed, "true")
		w.Header().Set(HeaderStreamNextOffset, string(offset))
		writePlainError(w, http.StatusConflict, "Stream is closed")

	default: // Accepted
		w.Header().Set(HeaderProducerEpoch, uitoa(epoch))
		w.Header().Set(HeaderProducerSeq, uitoa(seq))
		if isCloseRequest {
			w.Header().Set(HeaderStreamNextOffset, string(offset))
			w.Header().Set(HeaderStreamClosed, "true")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set(HeaderStreamNextOffset, string(offset))
		if streamClosed {
			w.Header().Set(HeaderStreamClosed, "true")
		}
		w.WriteHeader(http.StatusOK)
	}
}

func parseDecimal(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return -1
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n
}

func uitoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}
