package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// RouteUnmatched is the label recorded for requests that match no
// registered route. Collapsing them into one value keeps the label space
// bounded no matter what paths clients probe.
const RouteUnmatched = "unmatched"

// RequestContext correlates one request's log records, span and metric
// observation. It is created at request entry and owned by that request
// alone; nothing retains it past the completion event.
type RequestContext struct {
	// ID is the correlation id binding log records, span and metrics.
	ID     string
	Method string
	// Route is the matched route template, never the raw URL path.
	Route string
	Start time.Time
}

type contextKey int

const requestContextKey contextKey = iota

// FromContext returns the request context installed by the chain.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RouteResolver maps a request to a route label drawn from a bounded,
// enumerated route table.
type RouteResolver func(*http.Request) string

// MuxRouteResolver resolves the gorilla/mux path template of the matched
// route. Requests outside the route table resolve to RouteUnmatched.
func MuxRouteResolver(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return RouteUnmatched
	}
	tpl, err := route.GetPathTemplate()
	if err != nil || tpl == "" {
		return RouteUnmatched
	}
	return tpl
}
