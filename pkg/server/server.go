// Package server wires the HTTP surface: the instrumented router, the
// metrics scrape endpoint, the smoke-test and health routes, the debug
// telemetry endpoints, and mount points for domain route collaborators.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/calvora/tripscope/pkg/config"
	"github.com/calvora/tripscope/pkg/livetail"
	"github.com/calvora/tripscope/pkg/logstore"
	"github.com/calvora/tripscope/pkg/metrics"
	"github.com/calvora/tripscope/pkg/middleware"
)

// Mountable is a domain route collaborator. Collaborators register their
// own routes on the subrouter they are given; the instrumentation chain
// wraps them generically, and their path templates become the bounded
// route labels.
type Mountable interface {
	Mount(r *mux.Router)
}

// Deps are the collaborators the router is built from. LogStore and Hub
// are optional; their debug endpoints are only registered when present.
type Deps struct {
	Logger   zerolog.Logger
	Registry *metrics.Registry
	Chain    *middleware.Chain
	LogStore *logstore.Store
	Hub      *livetail.Hub
	// Start is the process start time reported as /healthz uptime.
	// Zero means "now".
	Start time.Time
}

// NewRouter builds the router. Every matched route runs through the
// instrumentation chain; unmatched requests are funneled through a wrapped
// not-found handler so they reach a completion event too, under a single
// collapsed route label.
func NewRouter(cfg config.Config, d Deps, services ...Mountable) *mux.Router {
	router := mux.NewRouter()
	router.Use(d.Chain.Wrap)
	router.NotFoundHandler = d.Chain.Wrap(http.HandlerFunc(handleNotFound))
	router.MethodNotAllowedHandler = d.Chain.Wrap(http.HandlerFunc(handleMethodNotAllowed))

	start := d.Start
	if start.IsZero() {
		start = time.Now()
	}

	router.HandleFunc("/hello", handleHello).Methods(http.MethodGet)
	router.Handle("/metrics", d.Registry.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealth(start)).Methods(http.MethodGet)

	if d.LogStore != nil {
		router.HandleFunc("/debug/logs", d.LogStore.Handler()).Methods(http.MethodGet)
	}
	if d.Hub != nil {
		router.HandleFunc("/debug/live", d.Hub.ServeHTTP).Methods(http.MethodGet)
	}

	if len(services) > 0 {
		d.Logger.Debug().
			Str("prefix", cfg.TripPrefix).
			Int("collaborators", len(services)).
			Msg("mounting domain routes")
		sub := router.PathPrefix(cfg.TripPrefix).Subrouter()
		for _, svc := range services {
			svc.Mount(sub)
		}
	}

	return router
}
