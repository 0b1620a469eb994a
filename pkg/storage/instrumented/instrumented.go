// Package instrumented decorates a storage.Engine with spans, metrics and
// failure logging.
package instrumented

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/observability/prometheus"
	"github.com/fluxorio/logpilot/pkg/storage"
)

// TracerName is the instrumentation scope of the spans Wrap emits.
const TracerName = "github.com/fluxorio/logpilot/pkg/storage"

// PoolStatser is implemented by engines backed by a connection pool.
type PoolStatser interface {
	PoolStats() sql.DBStats
}

// Option configures Wrap.
type Option func(*Engine)

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMetrics replaces the global metrics.
func WithMetrics(m *prometheus.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger failures are reported to.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// Engine forwards every call to the wrapped engine.
type Engine struct {
	next    storage.Engine
	tracer  trace.Tracer
	metrics *prometheus.Metrics
	log     core.Logger
}

var _ storage.Engine = (*Engine)(nil)

// Wrap instruments next.
func Wrap(next storage.Engine, opts ...Option) *Engine {
	if next == nil {
		panic("instrumented: engine cannot be nil")
	}
	e := &Engine{next: next}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	if e.metrics == nil {
		e.metrics = prometheus.GetMetrics()
	}
	if e.log == nil {
		e.log = core.NewDefaultLogger()
	}
	return e
}

// Unwrap returns the decorated engine.
func (e *Engine) Unwrap() storage.Engine {
	return e.next
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, "storage."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, span, time.Now()
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	defer span.End()

	status := "ok"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case storage.IsInvalidInput(err):
		status = "invalid"
		span.SetStatus(codes.Error, err.Error())
		e.log.Debugf("storage: %v", err)
	default:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Errorf("storage: %v", err)
	}
	e.metrics.RecordOperation(op, status, time.Since(start))

	if ps, ok := e.next.(PoolStatser); ok {
		st := ps.PoolStats()
		e.metrics.UpdateDatabasePool(st.OpenConnections, st.Idle, st.InUse, st.WaitCount)
	}
}

func cursorAttrs(channel, consumerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("logpilot.channel", channel),
		attribute.String("logpilot.consumer", consumerID),
	}
}

func (e *Engine) Open(ctx context.Context) (err error) {
	ctx, span, start := e.start(ctx, storage.OpOpen)
	defer func() { e.finish(span, storage.OpOpen, start, err) }()
	return e.next.Open(ctx)
}

func (e *Engine) Close() (err error) {
	_, span, start := e.start(context.Background(), storage.OpClose)
	defer func() { e.finish(span, storage.OpClose, start, err) }()
	return e.next.Close()
}

func (e *Engine) Append(ctx context.Context, rec storage.LogRecord) (id int64, err error) {
	ctx, span, start := e.start(ctx, storage.OpAppend,
		attribute.String("logpilot.channel", rec.Channel),
		attribute.String("logpilot.level", rec.Level.String()),
	)
	defer func() { e.finish(span, storage.OpAppend, start, err) }()

	id, err = e.next.Append(ctx, rec)
	if err == nil {
		span.SetAttributes(attribute.Int64("logpilot.id", id))
		e.metrics.RecordAppend(rec.Channel, rec.Level.String(), 1)
	}
	return id, err
}

func (e *Engine) AppendBatch(ctx context.Context, recs []storage.LogRecord) (ids []int64, err error) {
	batchID := uuid.NewString()
	ctx, span, start := e.start(ctx, storage.OpAppendBatch,
		attribute.String("logpilot.batch_id", batchID),
		attribute.Int("logpilot.count", len(recs)),
	)
	defer func() {
		if err != nil {
			e.log.Warnf("storage: batch %s of %d records rejected", batchID, len(recs))
		}
		e.finish(span, storage.OpAppendBatch, start, err)
	}()

	ids, err = e.next.AppendBatch(ctx, recs)
	if err != nil {
		return nil, err
	}

	type key struct{ channel, level string }
	counts := make(map[key]int)
	for _, rec := range recs {
		counts[key{rec.Channel, rec.Level.String()}]++
	}
	for k, n := range counts {
		e.metrics.RecordAppend(k.channel, k.level, n)
	}
	return ids, nil
}

func (e *Engine) Read(ctx context.Context, channel, consumerID string, limit int, autoCommit bool) (recs []storage.LogRecord, err error) {
	attrs := append(cursorAttrs(channel, consumerID),
		attribute.Int("logpilot.limit", limit),
		attribute.Bool("logpilot.auto_commit", autoCommit),
	)
	ctx, span, start := e.start(ctx, storage.OpRead, attrs...)
	defer func() { e.finish(span, storage.OpRead, start, err) }()

	recs, err = e.next.Read(ctx, channel, consumerID, limit, autoCommit)
	if err == nil {
		span.SetAttributes(attribute.Int("logpilot.count", len(recs)))
		e.metrics.RecordRead(channel, len(recs))
	}
	return recs, err
}

func (e *Engine) ReadChannel(ctx context.Context, channel string, limit int) (recs []storage.LogRecord, err error) {
	ctx, span, start := e.start(ctx, storage.OpReadChannel,
		attribute.String("logpilot.channel", channel),
		attribute.Int("logpilot.limit", limit),
	)
	defer func() { e.finish(span, storage.OpReadChannel, start, err) }()

	recs, err = e.next.ReadChannel(ctx, channel, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("logpilot.count", len(recs)))
	}
	return recs, err
}

func (e *Engine) ReadAll(ctx context.Context, limit int) (recs []storage.LogRecord, err error) {
	ctx, span, start := e.start(ctx, storage.OpReadAll, attribute.Int("logpilot.limit", limit))
	defer func() { e.finish(span, storage.OpReadAll, start, err) }()

	recs, err = e.next.ReadAll(ctx, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("logpilot.count", len(recs)))
	}
	return recs, err
}

func (e *Engine) Commit(ctx context.Context, channel, consumerID string, lastID int64) (err error) {
	attrs := append(cursorAttrs(channel, consumerID), attribute.Int64("logpilot.id", lastID))
	ctx, span, start := e.start(ctx, storage.OpCommit, attrs...)
	defer func() { e.finish(span, storage.OpCommit, start, err) }()
	return e.next.Commit(ctx, channel, consumerID, lastID)
}

func (e *Engine) SeekToBeginning(ctx context.Context, channel, consumerID string) (err error) {
	ctx, span, start := e.start(ctx, storage.OpSeekToBeginning, cursorAttrs(channel, consumerID)...)
	defer func() { e.finish(span, storage.OpSeekToBeginning, start, err) }()
	return e.next.SeekToBeginning(ctx, channel, consumerID)
}

func (e *Engine) SeekToEnd(ctx context.Context, channel, consumerID string) (err error) {
	ctx, span, start := e.start(ctx, storage.OpSeekToEnd, cursorAttrs(channel, consumerID)...)
	defer func() { e.finish(span, storage.OpSeekToEnd, start, err) }()
	return e.next.SeekToEnd(ctx, channel, consumerID)
}

func (e *Engine) SeekToID(ctx context.Context, channel, consumerID string, id int64) (err error) {
	attrs := append(cursorAttrs(channel, consumerID), attribute.Int64("logpilot.id", id))
	ctx, span, start := e.start(ctx, storage.OpSeekToID, attrs...)
	defer func() { e.finish(span, storage.OpSeekToID, start, err) }()
	return e.next.SeekToID(ctx, channel, consumerID, id)
}

func (e *Engine) Offset(ctx context.Context, channel, consumerID string) (off int64, err error) {
	ctx, span, start := e.start(ctx, storage.OpOffset, cursorAttrs(channel, consumerID)...)
	defer func() { e.finish(span, storage.OpOffset, start, err) }()
	return e.next.Offset(ctx, channel, consumerID)
}
