// Package tracing manages the lifecycle of trace spans: creation,
// attribute recording, exactly-once finalization, and best-effort delivery
// of completed spans to an external collector.
package tracing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID identifies one request flow end to end.
// 128-bit random ID, compatible with the W3C Trace Context format.
type TraceID string

// SpanID identifies a single span within a trace. 64-bit random ID.
type SpanID string

// Status indicates how a span ended.
type Status string

const (
	// StatusOK indicates successful completion.
	StatusOK Status = "ok"
	// StatusError indicates the operation failed.
	StatusError Status = "error"
	// StatusIncomplete marks a span force-closed by the watchdog because
	// its completion event never fired.
	StatusIncomplete Status = "incomplete"
)

// Span is a timed record of one logical operation. A span is started at
// most once and ended exactly once; the end transition is guarded by an
// atomic flag so the normal path, the error path and the watchdog cannot
// all finalize it.
type Span struct {
	TraceID  TraceID `json:"traceId"`
	SpanID   SpanID  `json:"spanId"`
	ParentID SpanID  `json:"parentId,omitempty"`

	Name      string    `json:"name"`
	Service   string    `json:"service"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Attributes map[string]string `json:"attributes,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`

	// mu guards Attributes, Status, Error and EndTime between the request
	// goroutine and the watchdog.
	mu    sync.Mutex
	ended atomic.Bool
	// watchdog force-closes the span if End is never called.
	watchdog *time.Timer
}

// Duration returns the span's elapsed time, or 0 if it has not ended.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Ended reports whether the span has been finalized.
func (s *Span) Ended() bool {
	return s.ended.Load()
}

// TraceContext carries trace identity across process boundaries and down
// the handler chain.
type TraceContext struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled bool
}

type contextKey int

const traceContextKey contextKey = iota

// NewTraceID generates a random 128-bit trace ID.
func NewTraceID() (TraceID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate trace ID: %w", err)
	}
	return TraceID(hex.EncodeToString(b[:])), nil
}

// NewSpanID generates a random 64-bit span ID.
func NewSpanID() (SpanID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate span ID: %w", err)
	}
	return SpanID(hex.EncodeToString(b[:])), nil
}

// ParseTraceParent extracts a trace context from the W3C traceparent
// header: 00-{trace-id}-{span-id}-{flags}.
func ParseTraceParent(h http.Header) (TraceContext, bool) {
	traceparent := h.Get("traceparent")
	if traceparent == "" {
		return TraceContext{}, false
	}

	var version, traceID, spanID, flags string
	if n, _ := fmt.Sscanf(traceparent, "%2s-%32s-%16s-%2s", &version, &traceID, &spanID, &flags); n != 4 {
		return TraceContext{}, false
	}
	return TraceContext{
		TraceID: TraceID(traceID),
		SpanID:  SpanID(spanID),
		Sampled: flags == "01",
	}, true
}

// TraceParent renders the context as a W3C traceparent header value, for
// propagating the trace to outbound calls.
func (tc TraceContext) TraceParent() string {
	flags := "00"
	if tc.Sampled {
		flags = "01"
	}
	return "00-" + string(tc.TraceID) + "-" + string(tc.SpanID) + "-" + flags
}
