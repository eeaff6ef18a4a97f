package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvora/tripscope/pkg/config"
	"github.com/calvora/tripscope/pkg/livetail"
	"github.com/calvora/tripscope/pkg/metrics"
	"github.com/calvora/tripscope/pkg/middleware"
	"github.com/calvora/tripscope/pkg/tracing"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	registry := metrics.NewRegistry()
	tracer := tracing.New("test-service", nil, 0, zerolog.Nop())
	chain, err := middleware.NewChain(registry, tracer, zerolog.Nop())
	require.NoError(t, err)
	return Deps{
		Logger:   zerolog.Nop(),
		Registry: registry,
		Chain:    chain,
	}
}

func newTestRouter(t *testing.T, services ...Mountable) http.Handler {
	t.Helper()
	cfg := config.Config{TripPrefix: "/trips"}
	return NewRouter(cfg, newTestDeps(t), services...)
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestHelloThenScrape(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	defer ts.Close()

	resp, body := get(t, ts, "/hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello World!", body)

	resp, body = get(t, ts, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, metrics.ContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `http_request_count{method="GET",route="/hello",status="200"} 1`+"\n")
	assert.Contains(t, body, `http_request_duration_seconds_count{method="GET",route="/hello",status="200"} 1`+"\n")
}

func TestHealthz(t *testing.T) {
	deps := newTestDeps(t)
	deps.Start = time.Now().Add(-time.Hour)
	ts := httptest.NewServer(NewRouter(config.Config{TripPrefix: "/trips"}, deps))
	defer ts.Close()

	resp, body := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"healthy"`)
	// Uptime is measured from the supplied start time, not package init.
	assert.Contains(t, body, `"uptime":"1h`)
}

// The live tail must upgrade through the instrumented router: the chain's
// response writer has to pass hijacking through to the underlying
// connection or every websocket handshake dies with a 500.
func TestLiveTailUpgradesThroughRouter(t *testing.T) {
	hub := livetail.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	deps := newTestDeps(t)
	deps.Hub = hub
	ts := httptest.NewServer(NewRouter(config.Config{TripPrefix: "/trips"}, deps))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/debug/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, hub.HasClients, time.Second, 5*time.Millisecond)

	record := `{"level":"info","message":"request completed"}`
	_, err = hub.Write([]byte(record))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, record, string(message))
}

// Unmatched paths still reach a completion event, collapsed under one
// route label so probing random URLs cannot grow the label space.
func TestUnmatchedRouteIsBounded(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	defer ts.Close()

	for _, path := range []string{"/nope", "/nope/123", "/deeper/still"} {
		resp, _ := get(t, ts, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	_, body := get(t, ts, "/metrics")
	assert.Contains(t, body, fmt.Sprintf(`http_request_count{method="GET",route="%s",status="404"} 3`, middleware.RouteUnmatched))
}

func TestConcurrentBurstThroughServer(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	defer ts.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/hello")
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	_, body := get(t, ts, "/metrics")
	assert.Contains(t, body, fmt.Sprintf(`http_request_count{method="GET",route="/hello",status="200"} %d`, n))
}

type tripStub struct{}

func (tripStub) Mount(r *mux.Router) {
	r.HandleFunc("/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("trip " + mux.Vars(req)["id"]))
	}).Methods(http.MethodGet)
}

// Domain collaborators are wrapped generically and their path templates,
// not raw paths, become the route label.
func TestMountedCollaboratorUsesRouteTemplate(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t, tripStub{}))
	defer ts.Close()

	resp, body := get(t, ts, "/trips/42")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trip 42", body)

	_, body = get(t, ts, "/metrics")
	assert.Contains(t, body, `http_request_count{method="GET",route="/trips/{id}",status="200"} 1`)
	assert.NotContains(t, body, `route="/trips/42"`)
}
