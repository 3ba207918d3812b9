// Package routing maps requests to the downstream service routes the gateway
// protects.
package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Route forwards requests under Prefix to Upstream.
type Route struct {
	ID       string
	Methods  map[string]struct{} // empty means any method
	Prefix   string
	Upstream *url.URL
	Timeout  time.Duration
	// Public routes skip quota enforcement.
	Public bool
}

// Router matches routes in insertion order.
type Router struct {
	routes []*Route
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Add appends rt. Its prefix is normalized without a trailing slash.
func (r *Router) Add(rt *Route) {
	p := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
	if p == "" {
		p = "/"
	}
	rt.Prefix = p
	r.routes = append(r.routes, rt)
}

// Routes returns the routes in match order.
func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route accepting method whose prefix covers path.
func (r *Router) Match(method, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if rt.Prefix == "/" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

type ctxKey int

const keyRoute ctxKey = 0

// WithRoute attaches rt to the request context.
func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

// RouteFrom returns the route attached by WithRoute.
func RouteFrom(r *http.Request) (*Route, bool) {
	rt, ok := r.Context().Value(keyRoute).(*Route)
	return rt, ok && rt != nil
}
