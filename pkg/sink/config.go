package sink

import (
	"time"

	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/streamsink/pkg/retryutils"
	"github.com/G-Research/streamsink/pkg/sinkerrors"
)

const (
	DefaultMaxBatchLength = 10
	DefaultMaxBatchBytes  = 5 * 1024 * 1024
	DefaultFlushTimeout   = 5 * time.Second
)

// Config configures a BatchingSink. Callbacks are registered once at
// construction and must not be changed afterwards.
type Config struct {
	// Name of the destination stream at the remote endpoint. Required.
	Destination string
	// Flush when this many records are queued. Defaults to 10.
	MaxBatchLength int
	// Flush when the cumulative byte size of queued records reaches this.
	// Defaults to 5 MiB.
	MaxBatchBytes int
	// Flush when this much time has passed since the oldest queued record.
	// Defaults to 5s.
	FlushTimeout time.Duration
	// Records for which this returns true are flushed immediately, placed at
	// the front of the batch. Nil means no record is priority.
	IsPriority func(Record) bool
	// Retry policy for failed submissions. The zero value fails fast.
	RetryPolicy retryutils.Policy
	// Optional strategy for extracting failed record indices from a
	// batch-level error. Nil disables index extraction.
	Classifier ErrorClassifier
	// Called once per permanently failed record, after retries are exhausted.
	OnRecordFailure func(Record, error)
	// Called once per batch whose submission call failed terminally, with the
	// records of the batch and the number of attempts made.
	OnSubmissionFailure func(error, []Record, uint)
	// Optional metrics; nil disables instrumentation.
	Metrics *Metrics
	// Clock used for flush timers. Defaults to the real clock; tests inject
	// a fake.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.MaxBatchLength == 0 {
		c.MaxBatchLength = DefaultMaxBatchLength
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

func (c *Config) validate() error {
	if c.Destination == "" {
		return &sinkerrors.ErrInvalidConfig{Field: "destination", Message: "must be non-empty"}
	}
	if c.MaxBatchLength < 0 {
		return &sinkerrors.ErrInvalidConfig{Field: "maxBatchLength", Message: "must not be negative"}
	}
	if c.MaxBatchBytes < 0 {
		return &sinkerrors.ErrInvalidConfig{Field: "maxBatchBytes", Message: "must not be negative"}
	}
	if c.FlushTimeout < 0 {
		return &sinkerrors.ErrInvalidConfig{Field: "flushTimeout", Message: "must not be negative"}
	}
	return nil
}
