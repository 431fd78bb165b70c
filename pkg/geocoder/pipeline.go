package geocoder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/pkg/addresses"
	"github.com/wehubfusion/Atlas/pkg/concurrency"
	"github.com/wehubfusion/Atlas/pkg/csvio"
	"github.com/wehubfusion/Atlas/pkg/errors"
	"github.com/wehubfusion/Atlas/pkg/smarty"
	"github.com/wehubfusion/Atlas/pkg/structure"
)

// Options configures a pipeline run
type Options struct {
	// Match is the match strategy sent with every request.
	// Defaults to strict.
	Match smarty.MatchStrategy

	// DuplicateColumns decides how output-column collisions are handled.
	// Defaults to error.
	DuplicateColumns DuplicatePolicy

	// Concurrency is the number of batches geocoded at one time.
	// Defaults to 48.
	Concurrency int

	// BatchSize overrides the derived rows-per-batch target. Zero derives
	// it from the service's per-request limit. Intended for tests.
	BatchSize int

	// retryInterval overrides the fixed retry pause in tests
	retryInterval time.Duration
}

// Pipeline wires the reader, dispatcher and writer stages together and owns
// their lifetime, the ordering guarantee, and failure aggregation.
type Pipeline struct {
	spec      *addresses.ColumnSpec
	structure *structure.Structure
	client    Client
	options   Options
	logger    *zap.Logger
	limiter   *concurrency.Limiter
}

// New validates the collaborators and builds a pipeline
func New(spec *addresses.ColumnSpec, st *structure.Structure, client Client, options Options, logger *zap.Logger) (*Pipeline, error) {
	if spec == nil {
		return nil, errors.Newf(errors.CodeConfig, "column spec cannot be nil")
	}
	if st == nil {
		return nil, errors.Newf(errors.CodeConfig, "structure cannot be nil")
	}
	if client == nil {
		return nil, errors.Newf(errors.CodeConfig, "geocoding client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.Match == "" {
		options.Match = smarty.MatchStrict
	}
	if options.DuplicateColumns == "" {
		options.DuplicateColumns = DuplicateError
	}
	if options.Concurrency <= 0 {
		options.Concurrency = defaultConcurrency
	}

	return &Pipeline{
		spec:      spec,
		structure: st,
		client:    client,
		options:   options,
		logger:    logger,
		limiter:   concurrency.NewLimiter(options.Concurrency),
	}, nil
}

// Result is the terminal state of one run, one slot per stage. More than
// one stage commonly fails at once, because a failure downstream starves or
// blocks the stages upstream of it; no attempt is made to pick a root cause.
type Result struct {
	ReadErr    error
	GeocodeErr error
	WriteErr   error
}

// Failed reports whether any stage failed
func (r Result) Failed() bool {
	return r.ReadErr != nil || r.GeocodeErr != nil || r.WriteErr != nil
}

// Err combines every stage error, each with stage attribution, or nil
func (r Result) Err() error {
	var combined error
	if r.ReadErr != nil {
		combined = multierr.Append(combined, fmt.Errorf("error reading input: %w", r.ReadErr))
	}
	if r.GeocodeErr != nil {
		combined = multierr.Append(combined, fmt.Errorf("error geocoding: %w", r.GeocodeErr))
	}
	if r.WriteErr != nil {
		combined = multierr.Append(combined, fmt.Errorf("error writing output: %w", r.WriteErr))
	}
	return combined
}

// Run executes the pipeline until the input is exhausted or a stage fails.
// Rows stream from in to out augmented with geocoded columns, in the exact
// order they were read; no row is ever reordered, dropped or duplicated.
func (p *Pipeline) Run(ctx context.Context, in *csvio.Reader, out *csvio.Writer) Result {
	toGeocode := make(chan *message, channelBuffer)
	toWrite := make(chan *message, channelBuffer)

	// Closed when the owning stage exits, so that a stage blocked sending
	// to a dead neighbour fails instead of deadlocking.
	dispatcherDone := make(chan struct{})
	writerDone := make(chan struct{})

	var result Result
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		result.ReadErr = p.readStage(ctx, in, toGeocode, dispatcherDone)
	}()
	go func() {
		defer wg.Done()
		result.GeocodeErr = p.geocodeStage(ctx, toGeocode, toWrite, dispatcherDone, writerDone)
	}()
	go func() {
		defer wg.Done()
		result.WriteErr = p.writeStage(out, toWrite, writerDone)
	}()
	wg.Wait()

	for _, stage := range []struct {
		name string
		err  error
	}{
		{"read", result.ReadErr},
		{"geocode", result.GeocodeErr},
		{"write", result.WriteErr},
	} {
		if stage.err != nil {
			p.logger.Error("pipeline stage failed",
				zap.String("stage", stage.name),
				zap.Error(stage.err))
		}
	}

	metrics := p.limiter.GetMetrics()
	p.logger.Debug("pipeline finished",
		zap.Bool("failed", result.Failed()),
		zap.Int64("peak_concurrent_batches", metrics.PeakConcurrent),
		zap.Duration("avg_dispatch_wait", p.limiter.GetAverageWaitTime()))

	return result
}

// readStage turns the row source into a bounded sequence of batch messages
// terminated by one end marker. All once-per-run header work happens here,
// before the first data row: duplicate-column resolution, spec resolution,
// and construction of the shared batch metadata.
func (p *Pipeline) readStage(ctx context.Context, in *csvio.Reader, out chan<- *message, dispatcherDone <-chan struct{}) error {
	defer close(out)

	send := func(msg *message) error {
		select {
		case out <- msg:
			return nil
		case <-dispatcherDone:
			return errors.Newf(errors.CodeStage, "could not send rows to geocoder (perhaps it failed)")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	header := in.Header()
	p.logger.Debug("input header", zap.Strings("columns", header))

	plan, err := planHeader(header, p.spec.Prefixes(), p.structure, p.options.DuplicateColumns, p.logger)
	if err != nil {
		return err
	}

	// The spec resolves against the masked header, since that is the shape
	// every row has after the keep-mask is applied.
	resolved, err := p.spec.Resolve(plan.maskedHeader)
	if err != nil {
		return err
	}
	p.logger.Debug("output header", zap.Strings("columns", plan.outHeader))

	shared := &Shared{
		Spec:      resolved,
		Structure: p.structure,
		OutHeader: plan.outHeader,
	}

	size := p.options.BatchSize
	if size <= 0 {
		size = batchSizeFor(resolved.PrefixCount())
	}
	asm := newAssembler(shared, size)

	for {
		row, err := in.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if batch := asm.Add(plan.apply(row)); batch != nil {
			if err := send(&message{batch: batch}); err != nil {
				return err
			}
		}
	}

	if batch := asm.Finish(); batch != nil {
		if err := send(&message{batch: batch}); err != nil {
			return err
		}
	}

	return send(&message{end: true})
}

// geocodeResult is one worker's outcome, delivered through its slot
type geocodeResult struct {
	msg *message
	err error
}

// geocodeStage is the order-preserving concurrency-limited transform at the
// heart of the pipeline. Each incoming message gets a result slot; slots
// enter a FIFO queue at submission time, and the forwarding loop hands
// completed batches to the writer strictly in queue order. The queue's
// capacity, together with the limiter, bounds how many workers run at once.
func (p *Pipeline) geocodeStage(ctx context.Context, in <-chan *message, out chan<- *message, dispatcherDone, writerDone chan struct{}) error {
	defer close(dispatcherDone)
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &worker{
		client:        p.client,
		match:         p.options.Match,
		logger:        p.logger,
		tracer:        otel.Tracer("atlas/geocoder"),
		retryInterval: p.options.retryInterval,
	}

	pending := make(chan chan geocodeResult, p.options.Concurrency)

	go func() {
		defer close(pending)
		for {
			var msg *message
			select {
			case m, ok := <-in:
				if !ok {
					return
				}
				msg = m
			case <-ctx.Done():
				return
			}

			slot := make(chan geocodeResult, 1)
			select {
			case pending <- slot:
			case <-ctx.Done():
				return
			}

			if msg.end {
				slot <- geocodeResult{msg: msg}
				continue
			}

			if err := p.limiter.Acquire(ctx); err != nil {
				slot <- geocodeResult{err: err}
				continue
			}
			go func(msg *message, slot chan<- geocodeResult) {
				defer p.limiter.Release()
				err := w.geocodeBatch(ctx, msg.batch)
				p.limiter.RecordOutcome(err)
				slot <- geocodeResult{msg: msg, err: err}
			}(msg, slot)
		}
	}()

	var stageErr error
	for slot := range pending {
		res := <-slot
		if stageErr != nil {
			// A failure already happened; keep draining so in-flight
			// workers and the submission loop can exit.
			continue
		}
		if res.err != nil {
			stageErr = res.err
			cancel()
			continue
		}
		select {
		case out <- res.msg:
		case <-writerDone:
			stageErr = errors.Newf(errors.CodeStage, "could not send processed rows to writer (perhaps it failed)")
			cancel()
		}
	}
	return stageErr
}

// writeStage streams batches to the row sink. The header goes out exactly
// once, before the first batch's rows; the end marker is the only
// legitimate way for the stream to stop.
func (p *Pipeline) writeStage(out *csvio.Writer, in <-chan *message, writerDone chan struct{}) error {
	defer close(writerDone)

	headersWritten := false
	for msg := range in {
		if msg.end {
			return out.Flush()
		}

		if !headersWritten {
			if err := out.WriteHeader(msg.batch.Shared.OutHeader); err != nil {
				return err
			}
			headersWritten = true
		}
		for _, row := range msg.batch.Rows {
			if err := out.WriteRow(row); err != nil {
				return err
			}
		}
	}

	// The channel closed without an end marker: an upstream stage died.
	// Flush what was already written; partial output on a failed run is
	// expected, silence about the failure is not.
	if err := out.Flush(); err != nil {
		p.logger.Warn("flush after upstream failure", zap.Error(err))
	}
	return errors.Newf(errors.CodeStage, "did not receive end-of-stream from geocoder (perhaps it failed)")
}
