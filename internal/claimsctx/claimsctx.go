// Package claimsctx carries the claims bag that request.Proxy.Claim
// reads from, built up incrementally as a request passes through the
// auth and routing middleware ahead of rate limiting. It exists as its
// own package so internal/auth and internal/httpgate can both populate
// it without importing one another.
package claimsctx

import (
	"context"
	"net/http"
)

type ctxKey int

const key ctxKey = 0

// Ensure installs an empty, mutable claims map on r's context if one is
// not already present. Middleware earlier in the chain than the first
// claim producer must call this so later Set calls share one map.
func Ensure(r *http.Request) *http.Request {
	if _, ok := r.Context().Value(key).(map[string]string); ok {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), key, map[string]string{}))
}

// Set records name=value in r's claims bag. r must already carry a map
// installed by Ensure; if not, Set is a silent no-op (the claim is
// simply unavailable downstream).
func Set(r *http.Request, name, value string) {
	if m, ok := r.Context().Value(key).(map[string]string); ok {
		m[name] = value
	}
}

// From returns the claims bag accumulated so far, or nil if Ensure was
// never called for this request.
func From(r *http.Request) map[string]string {
	m, _ := r.Context().Value(key).(map[string]string)
	return m
}
