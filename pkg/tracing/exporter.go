package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Exporter receives completed spans. Delivery is fire-and-forget: an
// implementation must never block the caller and never surface failures to
// the request path.
type Exporter interface {
	Export(span *Span)
}

// NopExporter discards spans.
type NopExporter struct{}

func (NopExporter) Export(*Span) {}

const (
	exporterQueueSize = 256
	exporterTimeout   = 5 * time.Second
)

// HTTPExporter pushes completed spans as JSON to a collector endpoint.
// Spans are queued and delivered by a background goroutine; when the queue
// is full or the collector is unreachable, spans are dropped with a debug
// log and never retried.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	queue    chan *Span
	logger   zerolog.Logger
}

// NewHTTPExporter creates an exporter targeting endpoint.
func NewHTTPExporter(endpoint string, logger zerolog.Logger) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: exporterTimeout},
		queue:    make(chan *Span, exporterQueueSize),
		logger:   logger,
	}
}

// Export enqueues a span without blocking.
func (e *HTTPExporter) Export(span *Span) {
	select {
	case e.queue <- span:
	default:
		e.logger.Debug().
			Str("span_id", string(span.SpanID)).
			Msg("exporter queue full, dropping span")
	}
}

// Run delivers queued spans until ctx is cancelled.
func (e *HTTPExporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case span := <-e.queue:
			if err := e.send(ctx, span); err != nil {
				e.logger.Debug().
					Err(err).
					Str("span_id", string(span.SpanID)).
					Msg("span export failed, dropping")
			}
		}
	}
}

func (e *HTTPExporter) send(ctx context.Context, span *Span) error {
	span.mu.Lock()
	body, err := json.Marshal(span)
	span.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal span: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post span: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector responded %d", resp.StatusCode)
	}
	return nil
}
