// Package pipeline drives the end-to-end message loop: it consumes Singer
// messages, routes records through transformation into per-stream buffers,
// dispatches drained batches to delivery workers, and emits state bookmarks
// once the deliveries they depend on have succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"targetoic/internal/buffer"
	"targetoic/internal/config"
	"targetoic/internal/deadletter"
	"targetoic/internal/delivery"
	"targetoic/internal/logger"
	"targetoic/internal/metrics"
	"targetoic/internal/singer"
	"targetoic/internal/state"
	"targetoic/internal/transform"
)

// StreamState is the lifecycle of one stream within a run.
type StreamState int

const (
	StreamUninitialized StreamState = iota
	StreamSchemaReceived
	StreamActive
	StreamDraining
	StreamClosed
)

// UnknownStreamError reports a record that arrived before its schema. This
// is a protocol violation and always fatal.
type UnknownStreamError struct {
	Stream string
}

func (e *UnknownStreamError) Error() string {
	return fmt.Sprintf("record for stream %q arrived before its SCHEMA message", e.Stream)
}

// ShutdownTimeoutError reports that the graceful drain exceeded its grace
// period. The fate of in-flight batches is unknown and logged for manual
// reconciliation.
type ShutdownTimeoutError struct {
	Grace time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("graceful drain exceeded %s grace period; in-flight batches abandoned", e.Grace)
}

// Deliverer submits one batch and reports the outcome. Satisfied by
// *delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, batch *buffer.BatchEnvelope) delivery.Outcome
}

// Per-stream queue depth between the message loop and the delivery worker.
// Bounds memory while keeping the loop (and the flush ticker) from stalling
// behind one slow stream.
const dispatchDepth = 8

// streamContext holds everything the orchestrator tracks per stream.
type streamContext struct {
	name        string
	state       StreamState
	transformer *transform.Transformer
	buf         *buffer.StreamBuffer

	// Cumulative record counters. enqueued is advanced by the message loop,
	// delivered by outcome handling; both only ever touched on the
	// orchestrator goroutine.
	enqueued  uint64
	delivered uint64

	dispatch chan *buffer.BatchEnvelope
}

// pendingState is a bookmark held back until every stream's delivered
// counter reaches the watermark captured at arrival.
type pendingState struct {
	value      map[string]interface{}
	watermarks map[string]uint64
}

// Pipeline is the orchestrator. Construct with New, then call Run once.
type Pipeline struct {
	cfg        *config.Settings
	deliverer  Deliverer
	deadLetter deadletter.Sink
	emitter    *state.Emitter
	audit      state.AuditStore

	streams map[string]*streamContext
	pending []pendingState

	results chan delivery.Outcome
	sem     chan struct{}
	wg      sync.WaitGroup

	deliveryCtx    context.Context
	cancelDelivery context.CancelFunc

	recordsSeen     uint64
	recordsRejected uint64
	fatalErr        error
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Deliverer  Deliverer
	DeadLetter deadletter.Sink
	Emitter    *state.Emitter
	Audit      state.AuditStore
}

// New constructs a pipeline. Non-positive loop tunables fall back to their
// defaults; the caller's settings are not mutated.
func New(settings *config.Settings, deps Deps) *Pipeline {
	cfg := *settings
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = config.DefaultMaxBatchAge
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultFlushInterval
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = config.DefaultMaxConcurrentBatches
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	deliveryCtx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:            &cfg,
		deliverer:      deps.Deliverer,
		deadLetter:     deps.DeadLetter,
		emitter:        deps.Emitter,
		audit:          deps.Audit,
		streams:        make(map[string]*streamContext),
		results:        make(chan delivery.Outcome, 16),
		sem:            make(chan struct{}, cfg.MaxConcurrentBatches),
		deliveryCtx:    deliveryCtx,
		cancelDelivery: cancel,
	}
}

// Run consumes messages until the input is exhausted or ctx is cancelled,
// then drains and delivers every remaining buffer. It returns nil only when
// every buffered record ended up in exactly one delivered batch and all
// eligible state was emitted.
func (p *Pipeline) Run(ctx context.Context, reader *singer.Reader) error {
	log := logger.WithComponent("pipeline")
	log.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("max_batch_age", p.cfg.MaxBatchAge).
		Int("max_concurrent_batches", p.cfg.MaxConcurrentBatches).
		Msg("pipeline starting")

	srv := p.startMetricsServer()

	// Single reader goroutine preserves message arrival order.
	msgs := make(chan *singer.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := reader.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	graceful := true

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			break loop

		case out := <-p.results:
			p.handleOutcome(out)

		case <-ticker.C:
			p.flushDue(ctx)

		case msg, ok := <-msgs:
			if !ok {
				select {
				case err := <-readErr:
					p.fatalErr = fmt.Errorf("read input: %w", err)
					graceful = false
				default:
					log.Info().Msg("input exhausted")
				}
				break loop
			}
			p.handleMessage(ctx, msg)
		}

		if p.fatalErr != nil {
			graceful = false
			break loop
		}
	}

	err := p.shutdown(ctx, graceful)
	if srv != nil {
		p.stopMetricsServer(srv)
	}
	return err
}

// handleMessage routes one Singer message.
func (p *Pipeline) handleMessage(ctx context.Context, msg *singer.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case singer.TypeSchema:
		p.handleSchema(ctx, msg)
	case singer.TypeRecord:
		p.handleRecord(ctx, msg)
	case singer.TypeState:
		p.handleState(msg)
	}
}

// handleSchema installs or replaces a stream's schema. A schema change for
// an active stream flushes records buffered under the old shape first, so a
// single batch never mixes shapes.
func (p *Pipeline) handleSchema(ctx context.Context, msg *singer.Message) {
	sctx, ok := p.streams[msg.Stream]
	if !ok {
		sctx = &streamContext{
			name:     msg.Stream,
			buf:      buffer.New(msg.Stream, p.cfg.BatchSize, p.cfg.MaxBatchAge),
			dispatch: make(chan *buffer.BatchEnvelope, dispatchDepth),
		}
		p.streams[msg.Stream] = sctx
		p.wg.Add(1)
		go p.deliveryWorker(sctx)
		log := logger.WithStream(msg.Stream)
		log.Info().Msg("stream registered")
	} else if sctx.state == StreamActive && sctx.buf.Len() > 0 {
		log := logger.WithStream(msg.Stream)
		log.Info().
			Int("buffered", sctx.buf.Len()).
			Msg("schema changed mid-stream, flushing buffered records")
		p.flushStream(ctx, sctx)
	}

	sctx.transformer = transform.Compile(msg.Schema)
	if sctx.state == StreamUninitialized {
		sctx.state = StreamSchemaReceived
	}
}

// handleRecord transforms and buffers one record, flushing if the size
// trigger fires. Validation failures are counted against the configured
// error threshold.
func (p *Pipeline) handleRecord(ctx context.Context, msg *singer.Message) {
	sctx, ok := p.streams[msg.Stream]
	if !ok || sctx.transformer == nil {
		p.fatalErr = &UnknownStreamError{Stream: msg.Stream}
		return
	}
	sctx.state = StreamActive
	p.recordsSeen++

	record, err := sctx.transformer.Transform(msg.Record)
	if err != nil {
		p.recordsRejected++
		metrics.RecordsTotal.WithLabelValues(msg.Stream, "rejected").Inc()
		metrics.ValidationErrors.WithLabelValues(msg.Stream).Inc()
		log := logger.WithStream(msg.Stream)
		log.Warn().Err(err).Msg("record rejected")

		if p.overErrorThreshold() {
			p.fatalErr = fmt.Errorf("validation error rate %.3f exceeded threshold %.3f: %w",
				p.rejectedFraction(), p.cfg.ErrorThreshold, err)
		}
		return
	}

	sctx.buf.Add(record)
	sctx.enqueued++
	metrics.RecordsTotal.WithLabelValues(msg.Stream, "buffered").Inc()
	metrics.BufferedRecords.WithLabelValues(msg.Stream).Set(float64(sctx.buf.Len()))

	if sctx.buf.ShouldFlush(time.Now()) {
		p.flushStream(ctx, sctx)
	}
}

// handleState holds the bookmark as pending unless every stream has already
// delivered all records enqueued so far.
func (p *Pipeline) handleState(msg *singer.Message) {
	watermarks := make(map[string]uint64)
	for name, sctx := range p.streams {
		if sctx.enqueued > sctx.delivered {
			watermarks[name] = sctx.enqueued
		}
	}

	if len(watermarks) == 0 {
		if err := p.emitter.Emit(msg.State); err != nil {
			p.fatalErr = err
		}
		return
	}

	p.pending = append(p.pending, pendingState{value: msg.State, watermarks: watermarks})
	metrics.StatesPending.Set(float64(len(p.pending)))
}

// flushDue drains every buffer whose size or age trigger has fired.
func (p *Pipeline) flushDue(ctx context.Context) {
	now := time.Now()
	for _, sctx := range p.streams {
		if sctx.buf.ShouldFlush(now) {
			p.flushStream(ctx, sctx)
		}
	}
}

// flushStream drains one buffer and hands the batch to the stream's
// delivery worker.
func (p *Pipeline) flushStream(ctx context.Context, sctx *streamContext) {
	batch := sctx.buf.Drain()
	if batch == nil {
		return
	}
	log := logger.WithBatch(sctx.name, batch.BatchID)
	log.Debug().
		Int("records", batch.Len()).
		Uint64("sequence", batch.Sequence).
		Msg("batch drained")

	// Keep consuming outcomes while the dispatch queue is full so delivery
	// workers can always make progress.
	for {
		select {
		case sctx.dispatch <- batch:
			metrics.BufferedRecords.WithLabelValues(sctx.name).Set(float64(sctx.buf.Len()))
			return
		case out := <-p.results:
			p.handleOutcome(out)
		case <-ctx.Done():
			// Shutdown will re-drain; requeue the records so none are lost.
			for _, r := range batch.Records {
				sctx.buf.Add(r)
			}
			metrics.BufferedRecords.WithLabelValues(sctx.name).Set(float64(sctx.buf.Len()))
			return
		}
	}
}

// deliveryWorker delivers batches for one stream in drain order. The shared
// semaphore bounds concurrent deliveries across streams.
func (p *Pipeline) deliveryWorker(sctx *streamContext) {
	defer p.wg.Done()
	for batch := range sctx.dispatch {
		p.sem <- struct{}{}
		out := p.deliverer.Deliver(p.deliveryCtx, batch)
		<-p.sem
		p.results <- out
	}
}

// handleOutcome advances delivery counters on success and dead-letters the
// batch on failure. A failed batch is fatal for the run: its records are
// reported, never requeued. Deliveries cancelled by the shutdown grace timer
// are only reported; their fate is unknown.
func (p *Pipeline) handleOutcome(out delivery.Outcome) {
	sctx := p.streams[out.Batch.Stream]

	log := logger.WithBatch(sctx.name, out.Batch.BatchID)

	if out.Success() {
		sctx.delivered += uint64(out.Batch.Len())
		if err := p.audit.RecordDelivery(p.deliveryCtx, sctx.name, out.Batch.BatchID, out.Batch.Sequence, out.Batch.Len()); err != nil {
			log.Warn().Err(err).Msg("delivery audit write failed")
		}
		p.emitEligibleStates()
		return
	}

	// A cancelled delivery was abandoned by the shutdown grace timer, not
	// refused by the endpoint: its fate is unknown, so it is reported in the
	// final accounting rather than dead-lettered.
	if errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded) {
		log.Warn().
			Int("records", out.Batch.Len()).
			Int("attempts", out.Attempts).
			Msg("delivery abandoned, batch fate unknown")
		return
	}

	log.Error().
		Err(out.Err).
		Int("records", out.Batch.Len()).
		Int("attempts", out.Attempts).
		Bool("retryable", out.Retryable).
		Msg("batch undeliverable, writing to dead letter sink")

	if err := p.deadLetter.Write(p.deliveryCtx, out.Batch); err != nil {
		log.Error().Err(err).Msg("dead letter write failed")
	}
	if p.fatalErr == nil {
		p.fatalErr = out.Err
	}
}

// emitEligibleStates emits pending bookmarks, oldest first, whose
// watermarks have all been reached. Emission stops at the first unsatisfied
// bookmark to preserve state ordering.
func (p *Pipeline) emitEligibleStates() {
	for len(p.pending) > 0 {
		head := p.pending[0]
		for name, mark := range head.watermarks {
			if p.streams[name].delivered < mark {
				return
			}
		}
		if err := p.emitter.Emit(head.value); err != nil {
			p.fatalErr = err
			return
		}
		p.pending = p.pending[1:]
		metrics.StatesPending.Set(float64(len(p.pending)))
	}
}

// shutdown drains every buffer, waits for in-flight deliveries up to the
// grace period, emits final state, and reports undelivered records.
func (p *Pipeline) shutdown(ctx context.Context, graceful bool) error {
	log := logger.WithComponent("pipeline")
	log.Info().Bool("graceful", graceful).Msg("draining pipeline")

	if graceful && p.fatalErr == nil {
		drainCtx := context.Background()
		for _, sctx := range p.streams {
			sctx.state = StreamDraining
			p.flushStream(drainCtx, sctx)
		}
	}

	for _, sctx := range p.streams {
		close(sctx.dispatch)
	}

	// Wait for workers, consuming outcomes as they arrive.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownTimeout)
	defer grace.Stop()

	var timeoutErr error
wait:
	for {
		select {
		case out := <-p.results:
			p.handleOutcome(out)
		case <-done:
			break wait
		case <-grace.C:
			timeoutErr = &ShutdownTimeoutError{Grace: p.cfg.ShutdownTimeout}
			log.Error().Err(timeoutErr).Msg("abandoning in-flight deliveries")
			p.cancelDelivery()
		}
	}

	// Workers send their outcome before exiting; collect any still queued.
	for {
		select {
		case out := <-p.results:
			p.handleOutcome(out)
		default:
			p.cancelDelivery()
			p.report(timeoutErr != nil)
			switch {
			case p.fatalErr != nil:
				return p.fatalErr
			case timeoutErr != nil:
				return timeoutErr
			default:
				return nil
			}
		}
	}
}

// report logs final per-stream delivery accounting. Streams still holding
// undelivered records are called out explicitly so operators know which
// batches were never confirmed.
func (p *Pipeline) report(timedOut bool) {
	log := logger.WithComponent("pipeline")
	for name, sctx := range p.streams {
		undelivered := sctx.enqueued - sctx.delivered + uint64(sctx.buf.Len())
		if undelivered > 0 {
			log.Error().
				Str("stream", name).
				Uint64("enqueued", sctx.enqueued).
				Uint64("delivered", sctx.delivered).
				Uint64("undelivered", undelivered).
				Bool("shutdown_timeout", timedOut).
				Msg("stream has records not confirmed delivered")
		} else {
			log.Info().
				Str("stream", name).
				Uint64("delivered", sctx.delivered).
				Msg("stream fully delivered")
		}
		sctx.state = StreamClosed
	}
	if n := len(p.pending); n > 0 {
		log.Warn().Int("pending_states", n).Msg("state bookmarks not emitted: dependent deliveries incomplete")
	}
	log.Info().
		Uint64("records_seen", p.recordsSeen).
		Uint64("records_rejected", p.recordsRejected).
		Msg("pipeline stopped")
}

func (p *Pipeline) rejectedFraction() float64 {
	if p.recordsSeen == 0 {
		return 0
	}
	return float64(p.recordsRejected) / float64(p.recordsSeen)
}

func (p *Pipeline) overErrorThreshold() bool {
	return p.rejectedFraction() > p.cfg.ErrorThreshold
}

// Stats is a snapshot of per-stream accounting, used by the final report
// and by tests.
type Stats struct {
	Enqueued  uint64
	Delivered uint64
	Buffered  int
	State     StreamState
}

// StreamStats returns accounting for one stream.
func (p *Pipeline) StreamStats(stream string) (Stats, bool) {
	sctx, ok := p.streams[stream]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Enqueued:  sctx.enqueued,
		Delivered: sctx.delivered,
		Buffered:  sctx.buf.Len(),
		State:     sctx.state,
	}, true
}

// PendingStates returns the number of bookmarks still held back.
func (p *Pipeline) PendingStates() int { return len(p.pending) }
