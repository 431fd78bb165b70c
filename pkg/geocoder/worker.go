package geocoder

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/pkg/errors"
	"github.com/wehubfusion/Atlas/pkg/smarty"
)

// worker geocodes one batch at a time. Many workers run concurrently, each
// owning its batch exclusively, so they share no mutable state; the client
// is shared but safe for concurrent use.
type worker struct {
	client Client
	match  smarty.MatchStrategy
	logger *zap.Logger
	tracer trace.Tracer

	// retry policy; zero values fall back to the package constants
	retryInterval time.Duration
	maxAttempts   uint
}

func (w *worker) retryPolicy() (time.Duration, uint) {
	interval, attempts := w.retryInterval, w.maxAttempts
	if interval <= 0 {
		interval = retryInterval
	}
	if attempts == 0 {
		attempts = maxGeocodeAttempts
	}
	return interval, attempts
}

// geocodeBatch builds the batch's address requests, calls the service with
// retries, and merges the results into the batch's rows in place. Row order
// is never changed; every row gains exactly the structure's column count
// per address group, matched or not.
func (w *worker) geocodeBatch(ctx context.Context, batch *Batch) error {
	ctx, span := w.tracer.Start(ctx, "geocoder.geocodeBatch",
		trace.WithAttributes(
			attribute.Int("batch.seq", batch.Seq),
			attribute.Int("batch.rows", len(batch.Rows)),
		))
	defer span.End()

	shared := batch.Shared
	prefixes := shared.Spec.Prefixes()
	rows := batch.Rows

	// Requests are laid out prefix-major: all rows for the first group,
	// then all rows for the second, and so on. The merge below relies on
	// this layout.
	requests := make([]smarty.AddressRequest, 0, len(rows)*len(prefixes))
	for _, prefix := range prefixes {
		for _, row := range rows {
			address, err := shared.Spec.ExtractAddress(prefix, row)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			requests = append(requests, smarty.AddressRequest{
				Address: address,
				Match:   w.match,
			})
		}
	}

	// The final batch of a header-only input carries no rows; there is
	// nothing to geocode but the batch still flows through for ordering.
	if len(requests) == 0 {
		span.SetStatus(codes.Ok, "empty batch")
		return nil
	}

	results, err := w.callWithRetry(ctx, batch.Seq, requests)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(results) != len(requests) {
		err := errors.Newf(errors.CodeMalformedResponse,
			"geocoding returned %d results for %d requests", len(results), len(requests))
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for g := range prefixes {
		chunk := results[g*len(rows) : (g+1)*len(rows)]
		for i, result := range chunk {
			if result != nil {
				rows[i], err = shared.Structure.AppendValueColumns(result.Fields, rows[i])
				if err != nil {
					span.SetStatus(codes.Error, err.Error())
					return err
				}
			} else {
				rows[i] = shared.Structure.AppendEmptyColumns(rows[i])
			}
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// callWithRetry calls the geocoding service, retrying transient failures at
// a fixed interval up to maxGeocodeAttempts total attempts. Permanent
// failures and retry exhaustion both fail the batch; rows are never
// silently dropped.
func (w *worker) callWithRetry(ctx context.Context, seq int, requests []smarty.AddressRequest) ([]*smarty.AddressResponse, error) {
	operation := func() ([]*smarty.AddressResponse, error) {
		results, err := w.client.StreetAddresses(ctx, requests)
		if err != nil && !errors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return results, err
	}

	interval, attempts := w.retryPolicy()
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("retrying geocoding batch",
				zap.Int("batch_seq", seq),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
}
