package durablestreams

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateStreamNewAndIdempotent(t *testing.T) {
	st := NewStore()

	s, existed, err := st.CreateStream("/a", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, zeroOffset, s.currentOffsetLockedForTest())

	_, existed, err = st.CreateStream("/a", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)
	require.True(t, existed, "matching re-create must be idempotent")

	_, _, err = st.CreateStream("/a", CreateOptions{ContentType: "application/json", TTLSeconds: -1})
	require.Error(t, err, "mismatched re-create must conflict")
	require.Equal(t, CodeConflict, err.(*Error).Code)
}

func TestCreateStreamWithInitialJSONData(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/j", CreateOptions{ContentType: "application/json", TTLSeconds: -1, InitialData: []byte(`[1,2]`)})
	require.NoError(t, err)

	result, err := st.Read("/j", "")
	require.NoError(t, err)
	require.Equal(t, "[1,2]", string(result.Data))
}

func TestAppendBinary(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/a", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	res, err := st.Append("/a", []byte("hello"), AppendOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	require.Equal(t, FormatOffset(0, 5), res.Offset)

	read, err := st.Read("/a", "")
	require.NoError(t, err)
	require.Equal(t, "hello", string(read.Data))
	require.True(t, read.UpToDate)
}

func TestAppendContentTypeMismatch(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/a", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	_, err = st.Append("/a", []byte("x"), AppendOptions{ContentType: "application/json"})
	require.Error(t, err)
	require.Equal(t, CodeConflict, err.(*Error).Code)
}

func TestAppendJSONFlatten(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/j", CreateOptions{ContentType: "application/json", TTLSeconds: -1})
	require.NoError(t, err)

	_, err = st.Append("/j", []byte("[1,2]"), AppendOptions{ContentType: "application/json"})
	require.NoError(t, err)
	_, err = st.Append("/j", []byte("3"), AppendOptions{ContentType: "application/json"})
	require.NoError(t, err)

	read, err := st.Read("/j", "")
	require.NoError(t, err)
	require.Equal(t, "[1,2,3]", string(read.Data))
}

func TestAppendStreamSeqOrdering(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/a", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	_, err = st.Append("/a", []byte("x"), AppendOptions{ContentType: "application/octet-stream", StreamSeq: "0002"})
	require.NoError(t, err)

	_, err = st.Append("/a", []byte("y"), AppendOptions{ContentType: "application/octet-stream", StreamSeq: "0001"})
	require.Error(t, err, "non-increasing Stream-Seq must be rejected")
	require.Equal(t, CodeConflict, err.(*Error).Code)

	_, err = st.Append("/a", []byte("z"), AppendOptions{ContentType: "application/octet-stream", StreamSeq: "0003"})
	require.NoError(t, err)
}

func TestAppendProducerStateMachine(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/p", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	res, err := st.Append("/p", []byte("a"), AppendOptions{
		ContentType: "application/octet-stream", HasProducer: true, ProducerID: "p1", Epoch: 0, Seq: 0,
	})
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Producer.Status)

	// Replay: duplicate, no mutation.
	res, err = st.Append("/p", []byte("a"), AppendOptions{
		ContentType: "application/octet-stream", HasProducer: true, ProducerID: "p1", Epoch: 0, Seq: 0,
	})
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Producer.Status)

	read, err := st.Read("/p", "")
	require.NoError(t, err)
	require.Equal(t, "a", string(read.Data), "duplicate replay must not append again")

	// Sequence gap.
	res, err = st.Append("/p", []byte("b"), AppendOptions{
		ContentType: "application/octet-stream", HasProducer: true, ProducerID: "p1", Epoch: 0, Seq: 5,
	})
	require.NoError(t, err)
	require.Equal(t, SequenceGap, res.Producer.Status)
	require.EqualValues(t, 1, res.Producer.ExpectedSeq)

	// Next sequence number in the same epoch.
	res, err = st.Append("/p", []byte("c"), AppendOptions{
		ContentType: "application/octet-stream", HasProducer: true, ProducerID: "p1", Epoch: 0, Seq: 1,
	})
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Producer.Status)

	_, err = st.Append("/p", []byte("d"), AppendOptions{
		ContentType: "application/octet-stream", HasProducer: true, ProducerID: "p1", Epoch: 2, Seq: 1,
	})
	require.NoError(t, err)
}

func TestAppendToClosedStream(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/c", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)
	_, _, err = st.Close("/c")
	require.NoError(t, err)

	_, err = st.Append("/c", []byte("x"), AppendOptions{ContentType: "application/octet-stream"})
	require.Error(t, err)
	require.Equal(t, CodeConflict, err.(*Error).Code, "write to closed stream must be Conflict, not Gone")
}

func TestCloseWithProducerDuplicateReplay(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/c", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	offset, closed, pr, err := st.CloseWithProducer("/c", "p1", 0, 0)
	require.NoError(t, err)
	require.False(t, closed, "stream was not already closed before the first close")
	require.Equal(t, Accepted, pr.Status)

	offset2, closed2, pr2, err := st.CloseWithProducer("/c", "p1", 0, 0)
	require.NoError(t, err)
	require.True(t, closed2)
	require.Equal(t, offset, offset2)
	require.Equal(t, Duplicate, pr2.Status)
}

func TestCloseWithProducerByOtherFails(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/c", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	_, _, _, err = st.CloseWithProducer("/c", "p1", 0, 0)
	require.NoError(t, err)

	_, _, pr, err := st.CloseWithProducer("/c", "p2", 0, 0)
	require.NoError(t, err)
	require.Equal(t, StreamClosed, pr.Status)
}

func TestDeleteWakesWaiters(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/d", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = st.WaitForMessages("/d", string(zeroOffset), 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, st.Delete("/d"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by delete")
	}
}

func TestWaitForMessagesWakesOnAppend(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/w", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	type outcome struct {
		result  ReadResult
		gotData bool
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		r, gotData, err := st.WaitForMessages("/w", string(zeroOffset), 2*time.Second)
		resultCh <- outcome{r, gotData, err}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = st.Append("/w", []byte("hi"), AppendOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err)

	select {
	case o := <-resultCh:
		require.NoError(t, o.err)
		require.True(t, o.gotData)
		require.Equal(t, "hi", string(o.result.Data))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by append")
	}
}

func TestWaitForMessagesTimesOut(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/w", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: -1})
	require.NoError(t, err)

	start := time.Now()
	result, gotData, err := st.WaitForMessages("/w", string(zeroOffset), 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, gotData)
	require.True(t, result.UpToDate)
	require.WithinDuration(t, start.Add(100*time.Millisecond), time.Now(), 150*time.Millisecond)
}

func TestGetEvictsExpiredStream(t *testing.T) {
	st := NewStore()
	_, _, err := st.CreateStream("/e", CreateOptions{ContentType: "application/octet-stream", TTLSeconds: 1})
	require.NoError(t, err)

	// A 1-second TTL combined with a backdated CreatedAt simulates elapsed
	// time without a real sleep.
	s := st.Get("/e")
	require.NotNil(t, s)
	s.CreatedAt = time.Now().Add(-time.Hour)

	require.False(t, st.Has("/e"))
	require.Nil(t, st.Get("/e"))
}

// currentOffsetLockedForTest is a test-only accessor around the stream's
// unexported locked offset computation.
func (s *Stream) currentOffsetLockedForTest() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentOffsetLocked()
}
