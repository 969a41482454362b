package sink

import "context"

// Submitter is the consumed interface of the remote ingestion endpoint.
// SubmitBatch submits the given records in order and returns a per-record
// outcome, or an error if the call itself failed. Implementations own
// credential acquisition and transport setup.
type Submitter interface {
	SubmitBatch(ctx context.Context, destination string, records []Record) (*BatchResult, error)
}

// BatchResult is the outcome of a successful SubmitBatch call.
// len(Results) always equals the number of records submitted,
// in submission order.
type BatchResult struct {
	FailedCount int
	Results     []RecordResult
}

// RecordResult is the outcome for a single record: either an acknowledgment
// token or an error code with an optional message.
type RecordResult struct {
	SequenceNumber string
	ErrorCode      string
	ErrorMessage   string
}

// Failed reports whether the endpoint rejected this record.
func (r RecordResult) Failed() bool {
	return r.ErrorCode != ""
}
