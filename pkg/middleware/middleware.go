// Package middleware composes the request instrumentation chain: a
// correlating request context, a "request received" log record, a trace
// span around the whole downstream handler, and a latency timer plus
// request counter recorded at the completion event.
//
// The chain guarantees the completion event fires exactly once per request,
// whether the handler returns normally, panics, or the client goes away,
// and the error path reuses the same finalization code as the success path.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calvora/tripscope/pkg/metrics"
	"github.com/calvora/tripscope/pkg/tracing"
)

// StatusClientClosed is recorded when the client disconnected before the
// handler produced a response (nginx's 499 convention).
const StatusClientClosed = 499

// Chain wraps handlers with logging, tracing and metrics in a fixed order.
type Chain struct {
	logger   zerolog.Logger
	tracer   *tracing.Tracer
	requests *metrics.CounterVec
	latency  *metrics.HistogramVec
	resolve  RouteResolver
}

// NewChain registers the chain's request counter and latency histogram on
// reg and returns the chain. A name collision in the registry is a
// configuration error the caller should treat as fatal.
func NewChain(reg *metrics.Registry, tracer *tracing.Tracer, logger zerolog.Logger) (*Chain, error) {
	requests, err := reg.RegisterCounter(
		"http_request_count",
		"Total number of HTTP requests handled.",
		[]string{"method", "route", "status"},
	)
	if err != nil {
		return nil, err
	}
	latency, err := reg.RegisterHistogram(
		"http_request_duration_seconds",
		"HTTP request latency in seconds.",
		[]string{"method", "route", "status"},
		metrics.DefaultBuckets,
	)
	if err != nil {
		return nil, err
	}
	return &Chain{
		logger:   logger,
		tracer:   tracer,
		requests: requests,
		latency:  latency,
		resolve:  MuxRouteResolver,
	}, nil
}

// WithRouteResolver overrides how the bounded route label is derived.
func (c *Chain) WithRouteResolver(resolve RouteResolver) *Chain {
	c.resolve = resolve
	return c
}

// Wrap instruments next. The stages run in a fixed order because order
// determines correctness:
//
//  1. logging captures the earliest timestamp and emits "request received"
//  2. the span wraps the entire remainder, handler included
//  3. the latency timer starts after the span, so the histogram observation
//     is always a subset of the span duration
//  4. the downstream handler runs
//
// Finalization happens in reverse on the completion event: observe the
// histogram, increment the counter with the final status, end the span,
// log completion.
func (c *Chain) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{
			ID:     uuid.NewString(),
			Method: r.Method,
			Route:  c.resolve(r),
			Start:  time.Now(),
		}
		logger := c.logger.With().
			Str("request_id", rc.ID).
			Str("method", rc.Method).
			Str("route", rc.Route).
			Str("url", r.URL.Path).
			Logger()
		logger.Info().Msg("request received")

		ctx := r.Context()
		if tc, ok := tracing.ParseTraceParent(r.Header); ok {
			ctx = tracing.WithContext(ctx, tc)
		}
		ctx, span := c.tracer.StartSpan(ctx, rc.Method+" "+rc.Route)
		c.tracer.SetAttribute(span, "http.method", rc.Method)
		c.tracer.SetAttribute(span, "http.route", rc.Route)
		c.tracer.SetAttribute(span, "request.id", rc.ID)

		timer := c.latency.StartTimer(rc.Method, rc.Route)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		ctx = withRequestContext(ctx, rc)

		// finalize is invoked by exactly one of: normal return, recovered
		// panic, or client abort. The sync.Once makes later invocations
		// no-ops, which is what keeps span end and metric recording
		// single-shot even when those paths race.
		var once sync.Once
		finalize := func(status int, handlerErr error) {
			once.Do(func() {
				statusStr := strconv.Itoa(status)

				elapsed, err := timer.ObserveDuration(statusStr)
				if err != nil {
					logger.Warn().Err(err).Msg("latency observation rejected")
				}
				if err := c.requests.Inc(rc.Method, rc.Route, statusStr); err != nil {
					logger.Warn().Err(err).Msg("request counter rejected")
				}

				c.tracer.SetAttribute(span, "http.status_code", statusStr)
				switch {
				case handlerErr != nil:
					c.tracer.EndError(span, handlerErr)
				case status >= http.StatusInternalServerError:
					c.tracer.EndError(span, fmt.Errorf("HTTP %d", status))
				default:
					c.tracer.End(span)
				}

				var evt *zerolog.Event
				if handlerErr != nil {
					evt = logger.Error().Err(handlerErr)
				} else {
					evt = logger.Info()
				}
				evt.Int("status", status).
					Float64("duration_seconds", elapsed).
					Msg("request completed")
			})
		}

		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("handler panic: %v", rec)
				if !rw.wroteHeader {
					http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
				finalize(http.StatusInternalServerError, err)
				return
			}

			status := rw.status
			if r.Context().Err() != nil && !rw.wroteHeader {
				status = StatusClientClosed
			}
			finalize(status, nil)
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// responseWriter captures the status code the downstream handler produced.
// Only the first WriteHeader counts; an implicit 200 is assumed when the
// handler writes a body without setting a status.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.status = http.StatusOK
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack hands the connection to the handler, which websocket upgrades
// require. The status is recorded as 101 and the writer is marked written
// so finalization never touches the hijacked connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil && !rw.wroteHeader {
		rw.status = http.StatusSwitchingProtocols
		rw.wroteHeader = true
	}
	return conn, buf, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
