package sink

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/streamsink/pkg/retryutils"
	"github.com/G-Research/streamsink/pkg/sinkerrors"
)

const waitTimeout = 5 * time.Second

type fakeSubmitter struct {
	mutex        sync.Mutex
	calls        [][]Record
	destinations []string
	respond      func(call int, records []Record) (*BatchResult, error)
	submitted    chan []Record
}

func newFakeSubmitter(respond func(call int, records []Record) (*BatchResult, error)) *fakeSubmitter {
	return &fakeSubmitter{
		respond:   respond,
		submitted: make(chan []Record, 100),
	}
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, destination string, records []Record) (*BatchResult, error) {
	f.mutex.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, records)
	f.destinations = append(f.destinations, destination)
	f.mutex.Unlock()
	result, err := f.respond(call, records)
	f.submitted <- records
	return result, err
}

func (f *fakeSubmitter) numCalls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) call(i int) []Record {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[i]
}

func (f *fakeSubmitter) destination(i int) string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.destinations[i]
}

func (f *fakeSubmitter) waitForCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.submitted:
		case <-time.After(waitTimeout):
			require.FailNowf(t, "timed out", "waiting for call %d of %d", i+1, n)
		}
	}
}

func alwaysOk(_ int, records []Record) (*BatchResult, error) {
	return okResult(records), nil
}

func okResult(records []Record) *BatchResult {
	results := make([]RecordResult, len(records))
	for i := range results {
		results[i] = RecordResult{SequenceNumber: fmt.Sprintf("seq-%d", i)}
	}
	return &BatchResult{Results: results}
}

func rec(data string) Record {
	return Record{Data: []byte(data)}
}

func TestCountFlush(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", MaxBatchLength: 3, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer s.Stop()

	records := []Record{rec("a"), rec("b"), rec("c")}
	for _, r := range records {
		require.NoError(t, s.Write(r))
	}
	submitter.waitForCalls(t, 1)
	assert.Equal(t, records, submitter.call(0))
	assert.Equal(t, "events", submitter.destination(0))

	// The queue is empty again: two more writes stay below the threshold.
	require.NoError(t, s.Write(rec("d")))
	require.NoError(t, s.Write(rec("e")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, submitter.numCalls())
}

func TestByteSizeFlush(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", MaxBatchBytes: 10, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer s.Stop()

	// 6 bytes each: the second write would overflow, so the first batch is
	// flushed before the second record is queued.
	require.NoError(t, s.Write(rec("aaaaaa")))
	require.NoError(t, s.Write(rec("bbbbbb")))
	submitter.waitForCalls(t, 1)
	assert.Equal(t, []Record{rec("aaaaaa")}, submitter.call(0))

	// A record at or above the limit first displaces the queued batch, then
	// flushes on its own.
	require.NoError(t, s.Write(rec("cccccccccccc")))
	submitter.waitForCalls(t, 2)
	assert.Equal(t, []Record{rec("bbbbbb")}, submitter.call(1))
	assert.Equal(t, []Record{rec("cccccccccccc")}, submitter.call(2))
}

func TestPriorityFastPath(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{
		Destination:  "events",
		FlushTimeout: time.Hour,
		IsPriority:   func(r Record) bool { return bytes.HasPrefix(r.Data, []byte("!")) },
	})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	require.NoError(t, s.Write(rec("b")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, submitter.numCalls())

	require.NoError(t, s.Write(rec("!urgent")))
	submitter.waitForCalls(t, 1)
	assert.Equal(t, []Record{rec("!urgent"), rec("a"), rec("b")}, submitter.call(0))
}

func TestPriorityFlushRespectsByteBound(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{
		Destination:   "events",
		MaxBatchBytes: 10,
		FlushTimeout:  time.Hour,
		IsPriority:    func(r Record) bool { return bytes.HasPrefix(r.Data, []byte("!")) },
	})
	require.NoError(t, err)
	defer s.Stop()

	// 6 bytes queued plus a 6-byte priority record would overflow the limit:
	// the queued batch is displaced first, and the priority record leads its
	// own batch.
	require.NoError(t, s.Write(rec("aaaaaa")))
	require.NoError(t, s.Write(rec("!bbbbb")))
	submitter.waitForCalls(t, 2)
	assert.Equal(t, []Record{rec("aaaaaa")}, submitter.call(0))
	assert.Equal(t, []Record{rec("!bbbbb")}, submitter.call(1))
}

func TestTimeoutFlush(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", FlushTimeout: time.Second, Clock: fakeClock})
	require.NoError(t, err)
	defer s.Stop()

	// Expiry with an empty queue is a no-op that re-arms the timer.
	fakeClock.Step(time.Second)
	require.Eventually(t, fakeClock.HasWaiters, waitTimeout, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, submitter.numCalls())

	require.NoError(t, s.Write(rec("a")))
	fakeClock.Step(time.Second)
	submitter.waitForCalls(t, 1)
	assert.Equal(t, []Record{rec("a")}, submitter.call(0))
}

func TestTimeoutFlushRealClock(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", FlushTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	submitter.waitForCalls(t, 1)
	assert.Equal(t, []Record{rec("a")}, submitter.call(0))
}

func TestConcurrentBatchesInFlight(t *testing.T) {
	block := make(chan struct{})
	submitter := newFakeSubmitter(func(call int, records []Record) (*BatchResult, error) {
		if call == 0 {
			<-block
		}
		return okResult(records), nil
	})
	s, err := New(submitter, Config{Destination: "events", MaxBatchLength: 1, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	require.NoError(t, s.Write(rec("b")))
	// The second batch is dispatched while the first is still in flight.
	require.Eventually(t, func() bool { return submitter.numCalls() == 2 }, waitTimeout, time.Millisecond)
	close(block)
	submitter.waitForCalls(t, 2)
}

func TestRetryBound(t *testing.T) {
	submitter := newFakeSubmitter(func(int, []Record) (*BatchResult, error) {
		return nil, errors.New("endpoint down")
	})
	submissionFailures := make(chan uint, 10)
	recordFailures := make(chan Record, 10)
	s, err := New(submitter, Config{
		Destination:    "events",
		MaxBatchLength: 1,
		FlushTimeout:   time.Hour,
		RetryPolicy:    retryutils.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 2},
		OnSubmissionFailure: func(_ error, _ []Record, attempts uint) {
			submissionFailures <- attempts
		},
		OnRecordFailure: func(r Record, _ error) {
			recordFailures <- r
		},
	})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	submitter.waitForCalls(t, 3)

	select {
	case attempts := <-submissionFailures:
		assert.Equal(t, uint(3), attempts)
	case <-time.After(waitTimeout):
		require.FailNow(t, "no submission failure reported")
	}
	select {
	case r := <-recordFailures:
		assert.Equal(t, rec("a"), r)
	case <-time.After(waitTimeout):
		require.FailNow(t, "no record failure reported")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, submitter.numCalls())
}

func TestPartialFailureFailsOnlyRejectedRecords(t *testing.T) {
	submitter := newFakeSubmitter(func(_ int, records []Record) (*BatchResult, error) {
		results := make([]RecordResult, len(records))
		for i := range results {
			if i == 1 {
				results[i] = RecordResult{ErrorCode: "ThroughputExceeded", ErrorMessage: "slow down"}
			} else {
				results[i] = RecordResult{SequenceNumber: "seq"}
			}
		}
		return &BatchResult{FailedCount: 1, Results: results}, nil
	})
	recordFailures := make(chan FailedRecord, 10)
	s, err := New(submitter, Config{
		Destination:    "events",
		MaxBatchLength: 3,
		FlushTimeout:   time.Hour,
		OnRecordFailure: func(r Record, err error) {
			recordFailures <- FailedRecord{Record: r, Err: err}
		},
	})
	require.NoError(t, err)
	defer s.Stop()
	healthSignals := make(chan []Record, 10)
	s.RegisterHealthListener(func(failed []Record, _ error) {
		healthSignals <- failed
	})

	require.NoError(t, s.Write(rec("a")))
	require.NoError(t, s.Write(rec("b")))
	require.NoError(t, s.Write(rec("c")))
	submitter.waitForCalls(t, 1)

	select {
	case f := <-recordFailures:
		assert.Equal(t, rec("b"), f.Record)
		var recordErr *RecordError
		require.True(t, errors.As(f.Err, &recordErr))
		assert.Equal(t, "ThroughputExceeded", recordErr.Code)
	case <-time.After(waitTimeout):
		require.FailNow(t, "no record failure reported")
	}
	select {
	case failed := <-healthSignals:
		assert.Equal(t, []Record{rec("b")}, failed)
	case <-time.After(waitTimeout):
		require.FailNow(t, "no health signal")
	}
	assert.Empty(t, recordFailures)
}

func TestPartialFailureRetriesOnlyFailedRecords(t *testing.T) {
	submitter := newFakeSubmitter(func(call int, records []Record) (*BatchResult, error) {
		if call == 0 {
			results := make([]RecordResult, len(records))
			for i := range results {
				if i == 1 {
					results[i] = RecordResult{ErrorCode: "InternalFailure"}
				} else {
					results[i] = RecordResult{SequenceNumber: "seq"}
				}
			}
			return &BatchResult{FailedCount: 1, Results: results}, nil
		}
		return okResult(records), nil
	})
	recordFailures := make(chan Record, 10)
	s, err := New(submitter, Config{
		Destination:     "events",
		MaxBatchLength:  2,
		FlushTimeout:    time.Hour,
		RetryPolicy:     retryutils.Policy{MaxRetries: 1, InitialDelay: time.Millisecond},
		OnRecordFailure: func(r Record, _ error) { recordFailures <- r },
	})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	require.NoError(t, s.Write(rec("b")))
	submitter.waitForCalls(t, 2)

	// Only the rejected record is resubmitted, and it succeeds on retry.
	assert.Equal(t, []Record{rec("a"), rec("b")}, submitter.call(0))
	assert.Equal(t, []Record{rec("b")}, submitter.call(1))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recordFailures)
}

func TestClassifierBonusAttempt(t *testing.T) {
	submitter := newFakeSubmitter(func(call int, records []Record) (*BatchResult, error) {
		if call == 0 {
			return nil, errors.New("validation failed for record 1")
		}
		return okResult(records), nil
	})
	recordFailures := make(chan Record, 10)
	submissionFailures := make(chan error, 10)
	s, err := New(submitter, Config{
		Destination:    "events",
		MaxBatchLength: 3,
		FlushTimeout:   time.Hour,
		Classifier:     &RegexpClassifier{Pattern: regexp.MustCompile(`record (\d+)`)},
		OnRecordFailure: func(r Record, _ error) {
			recordFailures <- r
		},
		OnSubmissionFailure: func(err error, _ []Record, _ uint) {
			submissionFailures <- err
		},
	})
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Write(rec("a")))
	require.NoError(t, s.Write(rec("b")))
	require.NoError(t, s.Write(rec("c")))
	submitter.waitForCalls(t, 2)

	// The record named by the error is failed; the remainder got one bonus
	// attempt and was delivered.
	assert.Equal(t, []Record{rec("a"), rec("c")}, submitter.call(1))
	select {
	case r := <-recordFailures:
		assert.Equal(t, rec("b"), r)
	case <-time.After(waitTimeout):
		require.FailNow(t, "no record failure reported")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recordFailures)
	// Classified failures are per-record, not whole-batch.
	assert.Empty(t, submissionFailures)
}

func TestStopDiscardsQueuedRecords(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", FlushTimeout: time.Second, Clock: fakeClock})
	require.NoError(t, err)

	require.NoError(t, s.Write(rec("a")))
	s.Stop()
	fakeClock.Step(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, submitter.numCalls())

	err = s.Write(rec("b"))
	assert.ErrorIs(t, err, sinkerrors.ErrStopped)
}

func TestSetDestination(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	s, err := New(submitter, Config{Destination: "events", MaxBatchLength: 1, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, "events", s.Destination())
	var invalid *sinkerrors.ErrInvalidConfig
	require.ErrorAs(t, s.SetDestination(""), &invalid)

	require.NoError(t, s.SetDestination("audit"))
	require.NoError(t, s.Write(rec("a")))
	submitter.waitForCalls(t, 1)
	assert.Equal(t, "audit", submitter.destination(0))
}

func TestNewValidatesConfig(t *testing.T) {
	submitter := newFakeSubmitter(alwaysOk)
	_, err := New(submitter, Config{})
	var invalid *sinkerrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "destination", invalid.Field)

	_, err = New(nil, Config{Destination: "events"})
	require.ErrorAs(t, err, &invalid)
}
