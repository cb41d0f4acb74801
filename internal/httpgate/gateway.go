// Package httpgate wires the engine into a net/http middleware chain:
// route matching, rate limiting, and upstream proxying, grounded in the
// teacher's internal/gateway, internal/routing, and internal/proxy
// packages.
package httpgate

import "net/http"

// Middleware wraps a handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to base in the order given, so the first
// middleware listed is the outermost wrapper (the first to see a
// request and the last to see its response).
func Chain(base http.Handler, mw ...Middleware) http.Handler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
