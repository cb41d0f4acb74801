// Package request defines the read-only request view consumed by rule
// matching, cost/identity extraction, and counter-key construction. The
// core never mutates a Proxy nor reaches back into the concrete
// *http.Request behind it.
package request

import (
	"net/http"
	"net/url"
	"strings"
)

// Proxy is a read-only view over an inbound request.
type Proxy interface {
	Method() string
	URI() string      // path + query
	Path() string      // path without query
	Header(name string) (string, bool)
	Query(name string) (string, bool)
	Claim(name string) (string, bool)
}

// httpProxy adapts *http.Request plus a claims bag to Proxy.
type httpProxy struct {
	r      *http.Request
	claims map[string]string
}

// FromHTTP builds a Proxy over r. claims is typically populated by an
// upstream auth middleware and stashed in r's context before the engine
// runs; a nil map means no claims are available.
func FromHTTP(r *http.Request, claims map[string]string) Proxy {
	return &httpProxy{r: r, claims: claims}
}

func (p *httpProxy) Method() string { return p.r.Method }

func (p *httpProxy) URI() string {
	if p.r.URL.RawQuery == "" {
		return p.r.URL.Path
	}
	return p.r.URL.Path + "?" + p.r.URL.RawQuery
}

func (p *httpProxy) Path() string { return p.r.URL.Path }

func (p *httpProxy) Header(name string) (string, bool) {
	v := p.r.Header.Get(name) // Header.Get is already case-insensitive
	if v == "" {
		return "", false
	}
	return v, true
}

func (p *httpProxy) Query(name string) (string, bool) {
	vals, ok := p.r.URL.Query()[name]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func (p *httpProxy) Claim(name string) (string, bool) {
	if p.claims == nil {
		return "", false
	}
	v, ok := p.claims[name]
	return v, ok
}

// PathWithoutQuery strips a query string from a raw URI, used by test
// doubles that build a Proxy from a plain string rather than a full
// *http.Request.
func PathWithoutQuery(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// static is a minimal Proxy implementation for tests and non-HTTP hosts.
type static struct {
	method  string
	uri     string
	headers map[string]string
	query   url.Values
	claims  map[string]string
}

// NewStatic builds a Proxy from plain values, useful in tests and for
// hosts that do not front an *http.Request.
func NewStatic(method, uri string, headers map[string]string, claims map[string]string) Proxy {
	parsed, _ := url.Parse(uri)
	var q url.Values
	if parsed != nil {
		q = parsed.Query()
	}
	return &static{method: method, uri: uri, headers: headers, query: q, claims: claims}
}

func (s *static) Method() string { return s.method }
func (s *static) URI() string    { return s.uri }
func (s *static) Path() string   { return PathWithoutQuery(s.uri) }

func (s *static) Header(name string) (string, bool) {
	for k, v := range s.headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (s *static) Query(name string) (string, bool) {
	if s.query == nil {
		return "", false
	}
	vals, ok := s.query[name]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func (s *static) Claim(name string) (string, bool) {
	if s.claims == nil {
		return "", false
	}
	v, ok := s.claims[name]
	return v, ok
}
