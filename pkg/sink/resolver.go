package sink

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// RecordError is the failure descriptor the endpoint reported for one record.
type RecordError struct {
	Code    string
	Message string
}

func (err *RecordError) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("%s: %s", err.Code, err.Message)
	}
	return err.Code
}

// FailedRecord pairs a record with the error it failed with.
type FailedRecord struct {
	Record Record
	Err    error
}

// Resolution partitions a submitted batch into delivered and failed records.
// Failed entries preserve original batch order.
// len(Delivered) + len(Failed) always equals the batch length.
type Resolution struct {
	Delivered []Record
	Failed    []FailedRecord
}

// failedRecords returns the records of the failed entries, in order.
func failedRecords(failed []FailedRecord) []Record {
	records := make([]Record, len(failed))
	for i, f := range failed {
		records[i] = f.Record
	}
	return records
}

// batchError aggregates per-record failures into a single error, used as the
// retryable error for a partially failed submission.
func batchError(failed []FailedRecord) error {
	var result *multierror.Error
	result = multierror.Append(result, errors.Errorf("%d records failed", len(failed)))
	for _, f := range failed {
		result = multierror.Append(result, f.Err)
	}
	return result.ErrorOrNil()
}

// ResolveResult classifies the per-record outcomes of a submission call that
// succeeded at the transport level. It returns an error if the outcome length
// does not match the batch length, which indicates a broken endpoint.
func ResolveResult(batch []Record, result *BatchResult) (Resolution, error) {
	if len(result.Results) != len(batch) {
		return Resolution{}, errors.Errorf(
			"endpoint returned %d outcomes for a batch of %d records", len(result.Results), len(batch))
	}
	var resolution Resolution
	for i, r := range result.Results {
		if r.Failed() {
			resolution.Failed = append(resolution.Failed, FailedRecord{
				Record: batch[i],
				Err:    &RecordError{Code: r.ErrorCode, Message: r.ErrorMessage},
			})
		} else {
			resolution.Delivered = append(resolution.Delivered, batch[i])
		}
	}
	return resolution, nil
}

// ResolveError classifies a submission call that failed at the transport
// level: every record in the batch is failed with that one error.
func ResolveError(batch []Record, err error) Resolution {
	var resolution Resolution
	for _, r := range batch {
		resolution.Failed = append(resolution.Failed, FailedRecord{Record: r, Err: err})
	}
	return resolution
}

// ErrorClassifier extracts the indices of failed records from a batch-level
// error. This exists for endpoints that reject a whole batch with an error
// message naming the offending records; extracting the indices avoids
// re-submitting records the endpoint already accepted. Classification is a
// heuristic tied to one endpoint's error format, so it is pluggable and
// disabled by default.
type ErrorClassifier interface {
	// FailedIndices returns the record indices encoded in err and true,
	// or false if err does not match the expected format.
	FailedIndices(err error) ([]int, bool)
}

// RegexpClassifier extracts record indices using a regular expression with a
// single capture group that matches a decimal index, applied repeatedly to
// the error message.
type RegexpClassifier struct {
	Pattern *regexp.Regexp
}

func (c *RegexpClassifier) FailedIndices(err error) ([]int, bool) {
	matches := c.Pattern.FindAllStringSubmatch(err.Error(), -1)
	if len(matches) == 0 {
		return nil, false
	}
	var indices []int
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		i, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return nil, false
	}
	return indices, true
}
