package durablestreams

// ProducerStatus is the outcome of validating a producer's
// (epoch, seq) pair against its previously recorded state.
type ProducerStatus int

const (
	// Accepted means the append may proceed and the producer state should
	// be committed to (epoch, seq).
	Accepted ProducerStatus = iota
	// Duplicate means this exact (epoch, seq) or an older one was already
	// committed; the caller should treat the request as a no-op success.
	Duplicate
	// StaleEpoch means epoch is behind the producer's recorded epoch.
	StaleEpoch
	// InvalidEpochSeq means epoch advanced but seq did not reset to 0.
	InvalidEpochSeq
	// SequenceGap means seq skipped ahead of the next expected value.
	SequenceGap
	// StreamClosed means the stream was already closed by a different
	// producer (or the same producer with a different epoch/seq), so a
	// close-with-producer request cannot be honored. Only ever produced by
	// Store.CloseWithProducer, never by ValidateProducer itself.
	StreamClosed
)

// ProducerState is the per-(stream, producer) durable state: the producer's
// current epoch and the last sequence number accepted within it.
// A ProducerState only ever exists after at least one accepted append, so
// LastSeq is always meaningful once a *ProducerState is non-nil.
type ProducerState struct {
	Epoch   uint64
	LastSeq uint64
}

// ProducerResult is the outcome of ValidateProducer, carrying whichever
// extra fields the HTTP layer needs to echo for the given status.
type ProducerResult struct {
	Status ProducerStatus

	// Set on Duplicate.
	LastSeq uint64
	// Set on StaleEpoch.
	CurrentEpoch uint64
	// Set on SequenceGap.
	ExpectedSeq, ReceivedSeq uint64
}

// ValidateProducer implements the producer state machine from spec.md §4.1,
// authoritative and pure: it decides acceptance without mutating state.
// A nil prior means the producer has never been seen on this stream.
func ValidateProducer(prior *ProducerState, epoch, seq uint64) ProducerResult {
	if prior == nil {
		if seq != 0 {
			return ProducerResult{Status: SequenceGap, ExpectedSeq: 0, ReceivedSeq: seq}
		}
		return ProducerResult{Status: Accepted}
	}

	switch {
	case epoch < prior.Epoch:
		return ProducerResult{Status: StaleEpoch, CurrentEpoch: prior.Epoch}

	case epoch > prior.Epoch:
		if seq != 0 {
			return ProducerResult{Status: InvalidEpochSeq}
		}
		return ProducerResult{Status: Accepted}

	case seq <= prior.LastSeq:
		return ProducerResult{Status: Duplicate, LastSeq: prior.LastSeq}

	case seq == prior.LastSeq+1:
		return ProducerResult{Status: Accepted}

	default:
		return ProducerResult{Status: SequenceGap, ExpectedSeq: prior.LastSeq + 1, ReceivedSeq: seq}
	}
}

// Commit returns the producer state that should be recorded after an
// Accepted result. Callers must only call this after ValidateProducer
// returned Accepted for (epoch, seq).
func Commit(epoch, seq uint64) ProducerState {
	return ProducerState{Epoch: epoch, LastSeq: seq}
}
