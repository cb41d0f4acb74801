// Package rule implements the declarative request matcher plus the Rule
// type that pairs a matcher with a LimitMethod, a cost extractor, an
// identity extractor, and an admission-delay budget (spec.md §3, §4.3).
package rule

import (
	"regexp"
	"strings"

	"github.com/AlexKimmel/throttlecore/internal/request"
)

// Matcher tests a request against a URI pattern plus optional method,
// header, and claim predicates. Used both by Rule (paired with a
// LimitMethod) and bare in Config.Whitelist (spec.md §6).
type Matcher struct {
	UriPattern  *regexp.Regexp
	Method      string // empty matches any method
	HeaderName  string
	HeaderValue string
	ClaimName   string
	ClaimValues []string
}

// NewMatcher compiles uriPattern and builds a Matcher. An empty
// uriPattern matches every URI.
func NewMatcher(uriPattern, method, headerName, headerValue, claimName string, claimValues []string) (*Matcher, error) {
	var re *regexp.Regexp
	if uriPattern != "" {
		compiled, err := regexp.Compile(uriPattern)
		if err != nil {
			return nil, err
		}
		re = compiled
	}
	return &Matcher{
		UriPattern:  re,
		Method:      strings.ToUpper(method),
		HeaderName:  headerName,
		HeaderValue: headerValue,
		ClaimName:   claimName,
		ClaimValues: claimValues,
	}, nil
}

// Matches reports whether req satisfies every predicate the Matcher
// declares. Predicates left unset are vacuously true.
func (m *Matcher) Matches(req request.Proxy) bool {
	if m.UriPattern != nil && !m.UriPattern.MatchString(req.Path()) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, req.Method()) {
		return false
	}
	if m.HeaderName != "" {
		v, ok := req.Header(m.HeaderName)
		if !ok || (m.HeaderValue != "" && v != m.HeaderValue) {
			return false
		}
	}
	if m.ClaimName != "" {
		v, ok := req.Claim(m.ClaimName)
		if !ok {
			return false
		}
		if len(m.ClaimValues) > 0 && !contains(m.ClaimValues, v) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
