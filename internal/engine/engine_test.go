package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlecore/internal/config"
	"github.com/AlexKimmel/throttlecore/internal/configloader"
	"github.com/AlexKimmel/throttlecore/internal/counterstore/memstore"
	"github.com/AlexKimmel/throttlecore/internal/egress"
	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
	"github.com/AlexKimmel/throttlecore/internal/request"
	"github.com/AlexKimmel/throttlecore/internal/rule"
)

func mustMatcher(t *testing.T, uriPattern string) *rule.Matcher {
	t.Helper()
	m, err := rule.NewMatcher(uriPattern, "", "", "", "", nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func staticLoader(t *testing.T, cfg *config.RateLimit) *configloader.Loader {
	t.Helper()
	logger := zerolog.Nop()
	l := configloader.New(func(context.Context) (*config.RateLimit, error) {
		return cfg, nil
	}, &logger)
	if err := l.Run(context.Background(), 0); err != nil {
		t.Fatalf("loader.Run: %v", err)
	}
	return l
}

// S1: a request under every rule's limit is admitted and each admitted
// rule's cleanup is queued exactly once.
func TestEngineAdmitsWithinLimitsAndQueuesCleanup(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Rules: []*rule.Rule{
			{ID: "r1", Matcher: mustMatcher(t, ".*"), Limit: limitmethod.NewFixedWindow("r1", 2, time.Minute, false)},
		},
	}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/foo", nil, nil)

	var cleanup []Cleanup
	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if len(results) != 1 || results[0].IsExceeded {
		t.Fatalf("expected single non-exceeded result, got %+v", results)
	}
	if len(cleanup) != 1 {
		t.Fatalf("expected one queued cleanup, got %d", len(cleanup))
	}
}

// S2: a request over limit with MaxDelay == 0 is rejected immediately,
// with no admission-delay polling.
func TestEngineRejectsImmediatelyWithoutDelayBudget(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Rules: []*rule.Rule{
			{ID: "r1", Matcher: mustMatcher(t, ".*"), Limit: limitmethod.NewFixedWindow("r1", 0, time.Minute, false)},
		},
	}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/foo", nil, nil)

	var cleanup []Cleanup
	start := time.Now()
	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if len(results) != 1 || !results[0].IsExceeded {
		t.Fatalf("expected exceeded result, got %+v", results)
	}
	if len(cleanup) != 0 {
		t.Fatalf("expected no cleanup queued for a rejected request")
	}
	if elapsed > 20*time.Millisecond {
		t.Fatalf("expected no admission delay, took %v", elapsed)
	}
}

// S3: a rule whose Matcher does not match the request contributes no
// result and no cleanup.
func TestEngineSkipsNonMatchingRules(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Rules: []*rule.Rule{
			{ID: "r1", Matcher: mustMatcher(t, "^/admin"), Limit: limitmethod.NewFixedWindow("r1", 1, time.Minute, false)},
		},
	}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/public", nil, nil)

	var cleanup []Cleanup
	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for a non-matching rule, got %+v", results)
	}
}

// S4: a whitelisted request skips rule evaluation entirely.
func TestEngineSkipsWhitelistedRequests(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Whitelist:  []*rule.Matcher{mustMatcher(t, "^/health")},
		Rules: []*rule.Rule{
			{ID: "r1", Matcher: mustMatcher(t, ".*"), Limit: limitmethod.NewFixedWindow("r1", 0, time.Minute, false)},
		},
	}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/health", nil, nil)

	var cleanup []Cleanup
	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if results != nil {
		t.Fatalf("expected whitelisted request to produce no results, got %+v", results)
	}
}

// S5: awaitAdmission re-evaluates and admits once capacity frees up
// within MaxDelay.
func TestEngineAdmitsAfterWindowRollsOver(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Rules: []*rule.Rule{
			{
				ID:       "r1",
				Matcher:  mustMatcher(t, ".*"),
				Limit:    limitmethod.NewFixedWindow("r1", 1, 120*time.Millisecond, false),
				MaxDelay: 500 * time.Millisecond,
			},
		},
	}
	eng := New(staticLoader(t, cfg), store, WithPollInterval(20*time.Millisecond))
	req := request.NewStatic("GET", "/foo", nil, nil)

	var cleanup []Cleanup
	if _, err := eng.IsExceeded(context.Background(), req, &cleanup); err != nil {
		t.Fatalf("first IsExceeded: %v", err)
	}

	var delayNotified time.Duration
	eng.OnAdmissionDelay = func(d time.Duration) { delayNotified = d }

	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	if err != nil {
		t.Fatalf("second IsExceeded: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %+v", results)
	}
	if results[0].IsExceeded {
		t.Fatalf("expected the request to be admitted once the fixed window rolled over")
	}
	if delayNotified <= 0 {
		t.Fatalf("expected a positive admission delay to be reported")
	}
}

// S6: an egress *egress.ThrottledError, even nested inside a
// CompositeError, becomes a synthetic exceeded result rather than
// propagating as an error.
func TestEngineFusesEgressThrottledErrorIntoResult(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{UniqueName: "ns"}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/foo", nil, nil)

	var cleanup []Cleanup
	next := func(context.Context) error {
		return &egress.CompositeError{Errs: []error{
			errors.New("unrelated"),
			&egress.ThrottledError{RetryAfter: "3"},
		}}
	}

	results, err := eng.IsIngressOrEgressExceeded(context.Background(), req, &cleanup, next)
	if err != nil {
		t.Fatalf("IsIngressOrEgressExceeded: %v", err)
	}
	if len(results) != 1 || !results[0].IsExceeded {
		t.Fatalf("expected a synthetic exceeded result, got %+v", results)
	}
	if results[0].RetryAfter != 3*time.Second {
		t.Fatalf("expected RetryAfter parsed from egress signal, got %v", results[0].RetryAfter)
	}
}

// A CircuitBreaker rule admitting a request must observe next's actual
// outcome, so repeated downstream failures eventually trip it open.
func TestEngineObservesOutcomeForCircuitBreakerRules(t *testing.T) {
	store := memstore.New()
	cb := limitmethod.NewCircuitBreaker("r1", 1, time.Minute, time.Hour, false)
	cfg := &config.RateLimit{
		UniqueName: "ns",
		Rules:      []*rule.Rule{{ID: "r1", Matcher: mustMatcher(t, ".*"), Limit: cb}},
	}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/foo", nil, nil)
	failNext := func(context.Context) error { return errors.New("downstream failed") }

	var cleanup []Cleanup
	if _, err := eng.IsIngressOrEgressExceeded(context.Background(), req, &cleanup, failNext); err == nil {
		t.Fatalf("expected the downstream error to propagate")
	}
	cleanup = nil
	if _, err := eng.IsIngressOrEgressExceeded(context.Background(), req, &cleanup, failNext); err == nil {
		t.Fatalf("expected the downstream error to propagate")
	}

	results, err := eng.IsExceeded(context.Background(), req, &cleanup)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if len(results) != 1 || !results[0].IsExceeded {
		t.Fatalf("expected the breaker to be open after two observed failures, got %+v", results)
	}
}

// An unrelated egress failure propagates unchanged.
func TestEnginePropagatesUnrelatedEgressErrors(t *testing.T) {
	store := memstore.New()
	cfg := &config.RateLimit{UniqueName: "ns"}
	eng := New(staticLoader(t, cfg), store)
	req := request.NewStatic("GET", "/foo", nil, nil)

	wantErr := errors.New("upstream unreachable")
	var cleanup []Cleanup
	_, err := eng.IsIngressOrEgressExceeded(context.Background(), req, &cleanup, func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected unrelated error to propagate, got %v", err)
	}
}
