// Package httpsubmit implements sink.Submitter over HTTP: batches are posted
// as JSON and the response mirrors the per-record outcome contract.
package httpsubmit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/streamsink/pkg/sink"
)

type Submitter struct {
	url    string
	client *http.Client
}

func New(url string, timeout time.Duration) *Submitter {
	return &Submitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Destination string       `json:"destination"`
	Records     []recordBody `json:"records"`
}

type recordBody struct {
	Data         []byte `json:"data"`
	PartitionKey string `json:"partitionKey,omitempty"`
}

type submitResponse struct {
	FailedCount int          `json:"failedCount"`
	Results     []resultBody `json:"results"`
}

type resultBody struct {
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

func (s *Submitter) SubmitBatch(ctx context.Context, destination string, records []sink.Record) (*sink.BatchResult, error) {
	request := submitRequest{Destination: destination}
	for _, r := range records {
		request.Records = append(request.Records, recordBody{Data: r.Data, PartitionKey: r.PartitionKey})
	}
	payload, err := json.Marshal(&request)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := s.client.Do(httpRequest)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 1024))
		return nil, errors.Errorf("ingestion endpoint returned status %d: %s", httpResponse.StatusCode, body)
	}

	var response submitResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return nil, errors.WithStack(err)
	}
	result := &sink.BatchResult{FailedCount: response.FailedCount}
	for _, r := range response.Results {
		result.Results = append(result.Results, sink.RecordResult{
			SequenceNumber: r.SequenceNumber,
			ErrorCode:      r.ErrorCode,
			ErrorMessage:   r.ErrorMessage,
		})
	}
	return result, nil
}
