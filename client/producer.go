package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	durablestreams "github.com/broady/durable-streams"
)

// maxAutoClaimRetries bounds how many times Flush re-sends a batch under a
// new epoch before giving up, matching producer_send_batch_internal's
// retry_count > 3 cutoff.
const maxAutoClaimRetries = 3

// ProducerConfig configures a Producer. Epoch, AutoClaim, and ContentType
// are the only fields with externally meaningful defaults; MaxInFlight,
// LingerMillis, and MaxBatchBytes are advisory hints a caller's batching
// layer may use but the core Producer doesn't enforce beyond the single
// round-trip-per-flush contract.
type ProducerConfig struct {
	Epoch         uint64
	AutoClaim     bool
	ContentType   string
	MaxInFlight   int
	LingerMillis  int
	MaxBatchBytes int
}

// Producer is the idempotent append client: it batches appends locally,
// flushes them as one POST carrying Producer-Id/Epoch/Seq, and on a stale
// epoch response (with AutoClaim) claims the epoch after the one the server
// reports and retries the same batch. Grounded on durable_streams.c's ds_producer_t.
type Producer struct {
	client      *Client
	url         string
	producerID  string
	contentType string

	mu        sync.Mutex
	epoch     uint64
	seq       uint64
	autoClaim bool

	batch          bytes.Buffer
	batchItemCount int
}

// NewProducer creates a Producer posting to stream's URL under producerID.
// producerID must be non-empty.
func NewProducer(stream *Stream, producerID string, cfg ProducerConfig) *Producer {
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Producer{
		client:      stream.client,
		url:         stream.url,
		producerID:  producerID,
		contentType: contentType,
		epoch:       cfg.Epoch,
		autoClaim:   cfg.AutoClaim,
	}
}

// Epoch returns the producer's current epoch (after any auto-claim).
func (p *Producer) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

func (p *Producer) isJSON() bool {
	ct, _, _ := strings.Cut(p.contentType, ";")
	return strings.EqualFold(strings.TrimSpace(ct), "application/json")
}

// Append queues data into the in-memory batch and returns immediately; it
// does not perform I/O. For a JSON content type, data must itself be a
// well-formed JSON value (rejected locally with ErrParseError otherwise);
// successive JSON appends are comma-joined and wrapped in "[...]" at flush.
func (p *Producer) Append(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isJSON() {
		if !validateJSON(data) {
			return newStreamError("append", p.url, 0, ErrParseError)
		}
		if p.batch.Len() == 0 {
			p.batch.WriteByte('[')
		} else {
			p.batch.WriteByte(',')
		}
		p.batch.Write(data)
	} else {
		p.batch.Write(data)
	}
	p.batchItemCount++
	return nil
}

// Flush finalizes the current batch and sends it as one POST. On success
// the local sequence counter advances by one. timeout <= 0 uses the
// client's configured default.
func (p *Producer) Flush(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx, timeout)
}

func (p *Producer) flushLocked(ctx context.Context, timeout time.Duration) error {
	if p.batch.Len() == 0 {
		return nil
	}
	if p.isJSON() {
		p.batch.WriteByte(']')
	}
	body := make([]byte, p.batch.Len())
	copy(body, p.batch.Bytes())
	p.batch.Reset()
	p.batchItemCount = 0

	if timeout <= 0 {
		timeout = p.client.timeout
	}
	return p.sendBatch(ctx, body, timeout, 0)
}

func (p *Producer) sendBatch(ctx context.Context, body []byte, timeout time.Duration, retry int) error {
	if retry > maxAutoClaimRetries {
		return newStreamError("flush", p.url, 0, ErrStaleEpoch)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return newStreamError("flush", p.url, 0, err)
	}
	req.Header.Set("Content-Type", p.contentType)
	req.Header.Set(durablestreams.HeaderProducerID, p.producerID)
	req.Header.Set(durablestreams.HeaderProducerEpoch, strconv.FormatUint(p.epoch, 10))
	req.Header.Set(durablestreams.HeaderProducerSeq, strconv.FormatUint(p.seq, 10))

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return newStreamError("flush", p.url, 0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		p.seq++
		return nil

	case http.StatusForbidden:
		currentEpoch, hasEpoch := parseUintHeader(resp.Header.Get(durablestreams.HeaderProducerEpoch))
		if p.autoClaim && hasEpoch {
			p.epoch = currentEpoch + 1
			p.seq = 0
			return p.sendBatch(ctx, body, timeout, retry+1)
		}
		return newStreamError("flush", p.url, resp.StatusCode, ErrStaleEpoch)

	case http.StatusConflict:
		if resp.Header.Get(durablestreams.HeaderStreamClosed) == "true" {
			return newStreamError("flush", p.url, resp.StatusCode, ErrStreamClosed)
		}
		if _, has := parseUintHeader(resp.Header.Get(durablestreams.HeaderProducerExpectedSeq)); has {
			return newStreamError("flush", p.url, resp.StatusCode, ErrSequenceGap)
		}
		return newStreamError("flush", p.url, resp.StatusCode, ErrConflict)

	case http.StatusNotFound:
		return newStreamError("flush", p.url, resp.StatusCode, ErrStreamNotFound)

	default:
		return newStreamError("flush", p.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// CloseResult reports the outcome of CloseStream.
type CloseResult struct {
	FinalOffset  durablestreams.Offset
	StreamClosed bool
}

// CloseStream flushes any pending batch, then sends a close request
// carrying Stream-Closed: true and this producer's current epoch/seq, with
// an optional final payload. On success the local sequence counter
// advances. A byte-identical replay of an already-applied close is
// reported as success by the server and returns without error here too.
func (p *Producer) CloseStream(ctx context.Context, finalData []byte, timeout time.Duration) (CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timeout <= 0 {
		timeout = p.client.timeout
	}

	if p.batch.Len() > 0 {
		if err := p.flushLocked(ctx, timeout); err != nil {
			return CloseResult{}, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(finalData) > 0 {
		bodyReader = bytes.NewReader(finalData)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bodyReader)
	if err != nil {
		return CloseResult{}, newStreamError("close", p.url, 0, err)
	}
	req.Header.Set(durablestreams.HeaderStreamClosed, "true")
	req.Header.Set(durablestreams.HeaderProducerID, p.producerID)
	req.Header.Set(durablestreams.HeaderProducerEpoch, strconv.FormatUint(p.epoch, 10))
	req.Header.Set(durablestreams.HeaderProducerSeq, strconv.FormatUint(p.seq, 10))
	if len(finalData) > 0 {
		req.Header.Set("Content-Type", p.contentType)
	}

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return CloseResult{}, newStreamError("close", p.url, 0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result := CloseResult{
		FinalOffset:  durablestreams.Offset(resp.Header.Get(headerStreamOffset)),
		StreamClosed: resp.Header.Get(durablestreams.HeaderStreamClosed) == "true",
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		p.seq++
		return result, nil
	case http.StatusForbidden:
		return result, newStreamError("close", p.url, resp.StatusCode, ErrStaleEpoch)
	case http.StatusConflict:
		if result.StreamClosed {
			return result, nil
		}
		return result, newStreamError("close", p.url, resp.StatusCode, ErrConflict)
	case http.StatusNotFound:
		return result, newStreamError("close", p.url, resp.StatusCode, ErrStreamNotFound)
	default:
		if err := errorFromStatus(resp.StatusCode); err != nil {
			return result, newStreamError("close", p.url, resp.StatusCode, err)
		}
		return result, nil
	}
}

func parseUintHeader(v string) (uint64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
