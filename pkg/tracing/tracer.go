package tracing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSpanTimeout bounds how long a span may stay open before the
// watchdog force-closes it.
const DefaultSpanTimeout = 30 * time.Second

// Tracer creates and finalizes spans for one service. Completed spans are
// handed to the exporter; the exporter is best-effort and must never block
// the request path.
type Tracer struct {
	service  string
	exporter Exporter
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates a tracer. A zero timeout falls back to DefaultSpanTimeout.
func New(service string, exporter Exporter, timeout time.Duration, logger zerolog.Logger) *Tracer {
	if timeout <= 0 {
		timeout = DefaultSpanTimeout
	}
	if exporter == nil {
		exporter = NopExporter{}
	}
	return &Tracer{
		service:  service,
		exporter: exporter,
		timeout:  timeout,
		logger:   logger,
	}
}

// StartSpan starts a span named name. If ctx carries a trace context (an
// inbound traceparent already joined, or an enclosing span), the span joins
// that trace as a child; otherwise it starts a new trace. The returned
// context carries the new span's identity for downstream use.
//
// Every started span is eventually ended exactly once: by End/EndError, or
// failing that by the watchdog after the configured timeout.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	var traceID TraceID
	var parentID SpanID

	if parent, ok := FromContext(ctx); ok {
		traceID = parent.TraceID
		parentID = parent.SpanID
	} else {
		id, err := NewTraceID()
		if err != nil {
			t.logger.Error().Err(err).Msg("trace id generation failed")
		}
		traceID = id
	}

	spanID, err := NewSpanID()
	if err != nil {
		t.logger.Error().Err(err).Msg("span id generation failed")
	}

	span := &Span{
		TraceID:    traceID,
		SpanID:     spanID,
		ParentID:   parentID,
		Name:       name,
		Service:    t.service,
		StartTime:  time.Now(),
		Status:     StatusOK,
		Attributes: make(map[string]string),
	}
	span.watchdog = time.AfterFunc(t.timeout, func() { t.forceClose(span) })

	ctx = context.WithValue(ctx, traceContextKey, TraceContext{
		TraceID: traceID,
		SpanID:  spanID,
		Sampled: true,
	})
	return ctx, span
}

// SetAttribute records a key/value attribute on the span. Setting the same
// key again overwrites the previous value.
func (t *Tracer) SetAttribute(span *Span, key, value string) {
	span.mu.Lock()
	defer span.mu.Unlock()
	span.Attributes[key] = value
}

// End finalizes the span and forwards it to the exporter. Ending a span
// twice is a no-op with a logged warning.
func (t *Tracer) End(span *Span) {
	t.end(span, nil)
}

// EndError finalizes the span with error status.
func (t *Tracer) EndError(span *Span, err error) {
	t.end(span, err)
}

func (t *Tracer) end(span *Span, cause error) {
	if !span.ended.CompareAndSwap(false, true) {
		t.logger.Warn().
			Str("span_id", string(span.SpanID)).
			Str("name", span.Name).
			Msg("span already ended, ignoring duplicate end")
		return
	}
	span.watchdog.Stop()

	span.mu.Lock()
	span.EndTime = time.Now()
	if cause != nil {
		span.Status = StatusError
		span.Error = cause.Error()
	}
	span.mu.Unlock()

	t.exporter.Export(span)
}

// forceClose is the watchdog path: the completion event never fired, which
// signals a wiring bug upstream, so the span is closed as incomplete rather
// than leaked.
func (t *Tracer) forceClose(span *Span) {
	if !span.ended.CompareAndSwap(false, true) {
		return
	}
	span.mu.Lock()
	span.EndTime = time.Now()
	span.Status = StatusIncomplete
	span.mu.Unlock()

	t.logger.Warn().
		Str("trace_id", string(span.TraceID)).
		Str("span_id", string(span.SpanID)).
		Str("name", span.Name).
		Dur("timeout", t.timeout).
		Msg("span never completed, force-closing")

	t.exporter.Export(span)
}

// FromContext extracts the current trace context, if any.
func FromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceContextKey).(TraceContext)
	return tc, ok
}

// WithContext stores a trace context, e.g. one parsed from an inbound
// traceparent header, so the next StartSpan joins that trace.
func WithContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey, tc)
}
