package configuration

import "time"

type RelayConfiguration struct {
	// Destination stream name at the ingestion endpoints.
	Destination string
	// One ingestion endpoint URL per sink, in failover order; the first is
	// the preferred sink.
	Endpoints []string
	// Timeout for a single HTTP submission.
	RequestTimeout time.Duration
	// Lines starting with this prefix bypass batching and flush immediately.
	// Empty disables the priority fast path.
	PriorityPrefix string
	// How often the pool attempts to fail back to the preferred endpoint.
	RecoveryInterval time.Duration
	// Port prometheus metrics are served on. Zero disables the listener.
	MetricsPort uint16

	Batch BatchConfiguration
	Retry RetryConfiguration
}

type BatchConfiguration struct {
	MaxLength    int
	MaxBytes     int
	FlushTimeout time.Duration
}

type RetryConfiguration struct {
	MaxRetries      uint
	InitialDelay    time.Duration
	BackoffFactor   float64
	MaxDelay        time.Duration
	RandomizeJitter bool
}
