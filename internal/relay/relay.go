// Package relay implements the streamsink demo binary: it reads
// newline-delimited records from stdin and writes them through a failover
// pool of batching sinks backed by HTTP ingestion endpoints.
package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/streamsink/internal/relay/configuration"
	"github.com/G-Research/streamsink/pkg/httpsubmit"
	"github.com/G-Research/streamsink/pkg/pool"
	"github.com/G-Research/streamsink/pkg/retryutils"
	"github.com/G-Research/streamsink/pkg/sink"
	"github.com/G-Research/streamsink/pkg/sinkerrors"
)

func Run(config *configuration.RelayConfiguration) error {
	if len(config.Endpoints) == 0 {
		return &sinkerrors.ErrInvalidConfig{Field: "endpoints", Message: "at least one endpoint is required"}
	}

	if config.MetricsPort != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("Serving metrics on :%d/metrics", config.MetricsPort)
			err := http.ListenAndServe(fmt.Sprintf(":%d", config.MetricsPort), mux)
			log.WithError(err).Error("metrics listener stopped")
		}()
	}

	var isPriority func(sink.Record) bool
	if config.PriorityPrefix != "" {
		prefix := []byte(config.PriorityPrefix)
		isPriority = func(r sink.Record) bool { return bytes.HasPrefix(r.Data, prefix) }
	}
	retryPolicy := retryutils.Policy{
		MaxRetries:      config.Retry.MaxRetries,
		InitialDelay:    config.Retry.InitialDelay,
		BackoffFactor:   config.Retry.BackoffFactor,
		MaxDelay:        config.Retry.MaxDelay,
		RandomizeJitter: config.Retry.RandomizeJitter,
	}

	var sinks []*sink.BatchingSink
	for i, endpoint := range config.Endpoints {
		endpointLogger := log.WithField("endpoint", endpoint)
		s, err := sink.New(httpsubmit.New(endpoint, config.RequestTimeout), sink.Config{
			Destination:    config.Destination,
			MaxBatchLength: config.Batch.MaxLength,
			MaxBatchBytes:  config.Batch.MaxBytes,
			FlushTimeout:   config.Batch.FlushTimeout,
			IsPriority:     isPriority,
			RetryPolicy:    retryPolicy,
			Metrics:        sink.NewMetrics(fmt.Sprintf("streamsink_relay_sink%d_", i)),
			OnRecordFailure: func(r sink.Record, err error) {
				endpointLogger.WithError(err).Warnf("record permanently failed: %q", r.Data)
			},
			OnSubmissionFailure: func(err error, records []sink.Record, attempts uint) {
				endpointLogger.WithError(err).
					Warnf("batch of %d records failed after %d attempts", len(records), attempts)
			},
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}

	p, err := pool.New(sinks, pool.Config{
		RecoveryInterval: config.RecoveryInterval,
		Metrics:          pool.NewMetrics("streamsink_relay_pool_"),
		OnPoolFailure: func(err error) {
			log.WithError(err).Error("all ingestion endpoints are failing")
		},
	})
	if err != nil {
		return err
	}
	defer p.Stop()

	log.WithField("destination", config.Destination).
		Infof("Relaying stdin to %d endpoints", len(config.Endpoints))
	if err := relayLines(os.Stdin, p); err != nil {
		return err
	}
	p.Flush()
	return nil
}

func relayLines(r io.Reader, p *pool.Pool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		// The scanner reuses its buffer; records must own their data.
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		record := sink.Record{Data: data, PartitionKey: partitionKey(data)}
		if err := p.Write(record); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func partitionKey(data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}
