// Package sink implements a batching sink: records written to it are buffered
// into bounded batches and submitted asynchronously to a remote ingestion
// endpoint, with bounded-backoff retries and per-record failure resolution.
package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/streamsink/pkg/retryutils"
	"github.com/G-Research/streamsink/pkg/sinkerrors"
)

// HealthListener receives the set of records that permanently failed on a
// sink together with the error they failed with. A failover pool registers
// one to observe sink health.
type HealthListener func(failed []Record, err error)

// BatchingSink owns one record queue and one destination. Writes never block
// on I/O: submission happens in per-batch goroutines, so multiple batches may
// be in flight concurrently for one sink and completions may arrive out of
// enqueue order.
type BatchingSink struct {
	config    Config
	submitter Submitter
	clock     clock.Clock

	mutex       sync.Mutex
	queue       recordQueue
	destination string
	// Incremented to invalidate the pending flush timer; at most one timer is
	// live at a time.
	timerGen       uint64
	timer          clock.Timer
	timerCancel    chan struct{}
	stopped        bool
	healthListener HealthListener
}

// New returns a started sink. Configuration errors are returned synchronously
// and are never retried.
func New(submitter Submitter, config Config) (*BatchingSink, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, &sinkerrors.ErrInvalidConfig{Field: "submitter", Message: "must be non-nil"}
	}
	s := &BatchingSink{
		config:      config,
		submitter:   submitter,
		clock:       config.Clock,
		destination: config.Destination,
	}
	s.mutex.Lock()
	s.armTimerLocked()
	s.mutex.Unlock()
	return s, nil
}

// RegisterHealthListener registers the listener notified of permanently
// failed records. Call once, before the first write; later registrations
// replace the listener.
func (s *BatchingSink) RegisterHealthListener(listener HealthListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.healthListener = listener
}

// Write enqueues one record and returns without waiting for submission.
// Flush triggers are evaluated on every write: queue length, cumulative byte
// size and record priority can all force an immediate flush.
func (s *BatchingSink) Write(record Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return sinkerrors.ErrStopped
	}
	s.config.Metrics.RecordWritten()

	if s.config.IsPriority != nil && s.config.IsPriority(record) {
		// The byte bound holds on the fast path too: displace the queued batch
		// first if adding the priority record would overflow it.
		if s.queue.len() > 0 && s.queue.bytes+record.Size() > s.config.MaxBatchBytes {
			s.flushLocked()
		}
		s.queue.pushFront(record)
		s.flushLocked()
		return nil
	}

	// If this record alone would overflow the batch, flush first so it
	// starts the next batch.
	if s.queue.len() > 0 && s.queue.bytes+record.Size() > s.config.MaxBatchBytes {
		s.flushLocked()
	}
	s.queue.pushBack(record)
	if s.queue.len() >= s.config.MaxBatchLength || s.queue.bytes >= s.config.MaxBatchBytes {
		s.flushLocked()
	}
	return nil
}

// Flush drains the queue into one batch and dispatches its submission,
// returning without waiting for the outcome. Flushing an empty queue is a
// no-op that re-arms the flush timer.
func (s *BatchingSink) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return
	}
	s.flushLocked()
}

// Stop discards queued records and cancels the pending flush timer.
// Already-dispatched submissions complete independently and still report
// their outcome.
func (s *BatchingSink) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopped = true
	s.timerGen++
	s.cancelTimerLocked()
	s.queue.drain()
}

func (s *BatchingSink) SetDestination(name string) error {
	if name == "" {
		return &sinkerrors.ErrInvalidConfig{Field: "destination", Message: "must be non-empty"}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.destination = name
	return nil
}

func (s *BatchingSink) Destination() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.destination
}

func (s *BatchingSink) flushLocked() {
	batch := s.queue.drain()
	if len(batch) > 0 {
		s.config.Metrics.BatchFlushed(len(batch))
		go s.submit(batch, s.destination)
	}
	// Cancel-then-rearm: bumping the generation in armTimerLocked invalidates
	// any pending timer.
	s.armTimerLocked()
}

func (s *BatchingSink) armTimerLocked() {
	s.cancelTimerLocked()
	s.timerGen++
	gen := s.timerGen
	timer := s.clock.NewTimer(s.config.FlushTimeout)
	cancel := make(chan struct{})
	s.timer = timer
	s.timerCancel = cancel
	go func() {
		select {
		case <-timer.C():
			s.timerFired(gen)
		case <-cancel:
		}
	}()
}

// cancelTimerLocked stops the pending timer and releases its goroutine. The
// generation counter still guards against a timer that fired concurrently.
func (s *BatchingSink) cancelTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	close(s.timerCancel)
	s.timer = nil
}

func (s *BatchingSink) timerFired(gen uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped || gen != s.timerGen {
		return
	}
	s.flushLocked()
}

// submit drives one batch through the retry controller and resolves its
// outcome. Runs in its own goroutine; the sink mutex is not held.
func (s *BatchingSink) submit(batch []Record, destination string) {
	logger := log.WithFields(log.Fields{
		"batchId":     uuid.New().String(),
		"destination": destination,
		"numRecords":  len(batch),
	})
	s.config.Metrics.SubmissionStarted()
	defer s.config.Metrics.SubmissionFinished()

	// pending is the subset of the batch still awaiting delivery; it shrinks
	// as partial failures are retried.
	pending := batch
	var failed []FailedRecord
	var callErr error

	op := func() error {
		result, err := s.submitter.SubmitBatch(context.Background(), destination, pending)
		if err != nil {
			callErr, failed = err, nil
			return errors.WithStack(err)
		}
		resolution, err := ResolveResult(pending, result)
		if err != nil {
			callErr, failed = err, nil
			return err
		}
		callErr = nil
		if len(resolution.Failed) == 0 {
			failed = nil
			return nil
		}
		failed = resolution.Failed
		pending = failedRecords(resolution.Failed)
		return batchError(resolution.Failed)
	}

	err := retryutils.Do(context.Background(), s.config.RetryPolicy, op)
	if err == nil {
		return
	}
	var exhausted *retryutils.ExhaustedError
	var attempts uint
	if errors.As(err, &exhausted) {
		attempts = exhausted.Attempts
	}

	if callErr != nil {
		if failed = s.classify(logger, destination, pending, callErr); failed != nil {
			// The batch-level error named the failed records; report only
			// those as failed.
			s.reportRecordFailures(logger, failed, err)
			return
		}
		s.config.Metrics.BatchFailed()
		logger.WithError(callErr).WithField("attempts", attempts).Error("batch submission failed")
		if s.config.OnSubmissionFailure != nil {
			s.config.OnSubmissionFailure(err, pending, attempts)
		}
		s.reportRecordFailures(logger, ResolveError(pending, err).Failed, err)
		return
	}
	logger.WithError(err).WithField("attempts", attempts).Error("some records permanently failed")
	s.reportRecordFailures(logger, failed, err)
}

// classify salvages per-record outcomes from a batch-level error using the
// configured classifier. Records named by the error are failed; the remainder
// is resubmitted once as a single bonus attempt, since a batch-level error
// leaves their delivery uncertain. Returns nil if classification does not
// apply.
func (s *BatchingSink) classify(logger *log.Entry, destination string, pending []Record, callErr error) []FailedRecord {
	if s.config.Classifier == nil {
		return nil
	}
	indices, ok := s.config.Classifier.FailedIndices(callErr)
	if !ok {
		return nil
	}
	named := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(pending) {
			named[i] = true
		}
	}
	if len(named) == 0 {
		return nil
	}
	var remainder []Record
	for i, r := range pending {
		if !named[i] {
			remainder = append(remainder, r)
		}
	}
	var remainderErrs []error
	if len(remainder) > 0 {
		logger.WithField("numFailedIndices", len(named)).
			Info("batch error named failed records; resubmitting the remainder once")
		remainderErrs = s.submitOnce(destination, remainder)
	}
	var failed []FailedRecord
	j := 0
	for i, r := range pending {
		if named[i] {
			failed = append(failed, FailedRecord{Record: r, Err: callErr})
		} else {
			if remainderErrs[j] != nil {
				failed = append(failed, FailedRecord{Record: r, Err: remainderErrs[j]})
			}
			j++
		}
	}
	return failed
}

// submitOnce performs a single submission attempt with no retry, returning
// one error per record (nil for delivered records).
func (s *BatchingSink) submitOnce(destination string, records []Record) []error {
	errs := make([]error, len(records))
	result, err := s.submitter.SubmitBatch(context.Background(), destination, records)
	if err == nil {
		var resolution Resolution
		resolution, err = ResolveResult(records, result)
		if err == nil {
			j := 0
			for i := range records {
				if result.Results[i].Failed() {
					errs[i] = resolution.Failed[j].Err
					j++
				}
			}
			return errs
		}
	}
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func (s *BatchingSink) reportRecordFailures(logger *log.Entry, failed []FailedRecord, cause error) {
	if len(failed) == 0 {
		return
	}
	s.config.Metrics.RecordsFailed(len(failed))
	logger.WithField("numFailed", len(failed)).Warn("reporting permanently failed records")
	for _, f := range failed {
		if s.config.OnRecordFailure != nil {
			s.config.OnRecordFailure(f.Record, f.Err)
		}
	}
	s.mutex.Lock()
	listener := s.healthListener
	s.mutex.Unlock()
	if listener != nil {
		listener(failedRecords(failed), cause)
	}
}
