// Package engine implements the per-request evaluator: it walks the
// current Config, evaluates each rule against the counter store,
// performs delay-until-admission, collects cleanup callbacks, and fuses
// egress throttle signals back into the ingress decision (spec.md §4.5).
package engine

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlecore/internal/configloader"
	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/egress"
	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
	"github.com/AlexKimmel/throttlecore/internal/request"
	"github.com/AlexKimmel/throttlecore/internal/rule"
)

// defaultPollInterval is the admission-delay poll period (spec.md §9):
// a design constant, not a correctness property. Tests must not depend
// on its exact value.
const defaultPollInterval = 50 * time.Millisecond

// Cleanup is a nullary deferred action that decrements or releases one
// counter cell, owned by the request's scope and invoked exactly once
// at request completion (spec.md §3).
type Cleanup func()

// Engine is the per-request rule evaluator.
type Engine struct {
	Loader       *configloader.Loader
	Store        counterstore.Store
	Logger       *zerolog.Logger
	PollInterval time.Duration

	// GlobalIdentity/GlobalCost are the Config-wide extractor fallbacks
	// a Rule with no per-rule override delegates to (spec.md §4.3).
	GlobalIdentity rule.IdentityExtractor
	GlobalCost     rule.CostExtractor

	// OnRulesEvaluated and OnAdmissionDelay are optional observability
	// hooks, called after every non-whitelisted IsExceeded and every
	// awaitAdmission respectively
	// (teacher's onLimited/onError callback idiom from ratelimit_mw.go),
	// keeping this package free of any direct Prometheus dependency.
	OnRulesEvaluated func(n int)
	OnAdmissionDelay func(d time.Duration)

	disposed atomic.Bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(logger *zerolog.Logger) Option { return func(e *Engine) { e.Logger = logger } }
func WithPollInterval(d time.Duration) Option   { return func(e *Engine) { e.PollInterval = d } }
func WithGlobalIdentity(fn rule.IdentityExtractor) Option {
	return func(e *Engine) { e.GlobalIdentity = fn }
}
func WithGlobalCost(fn rule.CostExtractor) Option { return func(e *Engine) { e.GlobalCost = fn } }
func WithRulesEvaluatedHook(fn func(n int)) Option {
	return func(e *Engine) { e.OnRulesEvaluated = fn }
}
func WithAdmissionDelayHook(fn func(d time.Duration)) Option {
	return func(e *Engine) { e.OnAdmissionDelay = fn }
}

// New builds an Engine. loader has typically already had Run called on
// it by the caller (or will be; Engine only ever reads loader.Current()).
func New(loader *configloader.Loader, store counterstore.Store, opts ...Option) *Engine {
	e := &Engine{Loader: loader, Store: store, PollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispose suppresses further config reload scheduling. In-flight
// evaluations complete normally; nothing is forcibly cancelled.
func (e *Engine) Dispose() {
	if e.disposed.CompareAndSwap(false, true) {
		e.Loader.Close()
	}
}

// IsExceeded evaluates every rule in the current Config against req,
// appending a Cleanup to *cleanup for each rule that ultimately admits
// the request (spec.md §4.5).
func (e *Engine) IsExceeded(ctx context.Context, req request.Proxy, cleanup *[]Cleanup) ([]limitmethod.ExceededResult, error) {
	cfg := e.Loader.Current()

	if matchesAny(cfg.Whitelist, req) {
		if e.Logger != nil {
			e.Logger.Info().Str("uri", req.URI()).Msg("engine: whitelisted, skipping rate limiting")
		}
		return nil, nil
	}

	tStart := time.Now()
	var results []limitmethod.ExceededResult
	var firstErr error
	var evaluated int

	for _, r := range cfg.Rules {
		result, err := r.Evaluate(ctx, req, e.Store, cfg.UniqueName, e.GlobalIdentity, e.GlobalCost)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Error().Str("rule", r.ID).Err(err).Msg("engine: limit method failed")
			}
			// Every matching rule still runs (§7: a failed evaluation of
			// one rule never prevents evaluating the rest, so counters
			// stay accurate); whether to rethrow is resolved against the
			// rule whose method actually failed.
			if r.Limit.ShouldThrowOnFailures() && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if result == nil {
			continue // rule did not match this request
		}
		evaluated++

		if result.IsExceeded && r.MaxDelay > 0 {
			delayStart := time.Now()
			result = e.awaitAdmission(ctx, r, req, result, cfg.UniqueName, tStart)
			if e.OnAdmissionDelay != nil {
				e.OnAdmissionDelay(time.Since(delayStart))
			}
		}

		if !result.IsExceeded {
			limit, id, cost := r.Limit, result.CounterID, costOf(r, req, e.GlobalCost)
			*cleanup = append(*cleanup, func() {
				limit.OnRequestProcessingFinished(ctx, e.Store, id, cost)
			})
		}

		results = append(results, *result)
	}

	if e.OnRulesEvaluated != nil {
		e.OnRulesEvaluated(evaluated)
	}

	return results, firstErr
}

func costOf(r *rule.Rule, req request.Proxy, globalCost rule.CostExtractor) int64 {
	fn := r.Cost
	if fn == nil {
		fn = globalCost
	}
	if fn == nil {
		return 1
	}
	return fn(req)
}

// awaitAdmission implements spec.md §4.5 step 4c: while within
// MaxDelay, poll IsStillExceeded and, once capacity may have freed up,
// fully re-evaluate the rule (because other requests may have consumed
// it in the meantime).
func (e *Engine) awaitAdmission(ctx context.Context, r *rule.Rule, req request.Proxy, result *limitmethod.ExceededResult, namespace string, tStart time.Time) *limitmethod.ExceededResult {
	poll := e.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	for time.Since(tStart) <= r.MaxDelay {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		stillExceeded, err := r.Limit.IsStillExceeded(ctx, e.Store, result.CounterID)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Error().Str("rule", r.ID).Err(err).Msg("engine: is-still-exceeded check failed")
			}
			return result
		}
		if !stillExceeded {
			reEvaluated, err := r.Evaluate(ctx, req, e.Store, namespace, e.GlobalIdentity, e.GlobalCost)
			if err != nil || reEvaluated == nil {
				return result
			}
			if !reEvaluated.IsExceeded {
				return reEvaluated
			}
			result = reEvaluated
		}

		select {
		case <-ctx.Done():
			return result
		case <-time.After(poll):
		}
	}
	return result
}

// IsIngressOrEgressExceeded runs IsExceeded and, only if nothing is
// exceeded, invokes next. A TooManyRequests-shaped failure from next
// (direct or nested in a composite failure) becomes a synthetic
// exceeded result instead of propagating; any other failure propagates
// unchanged (spec.md §4.5, §7).
func (e *Engine) IsIngressOrEgressExceeded(ctx context.Context, req request.Proxy, cleanup *[]Cleanup, next func(context.Context) error) ([]limitmethod.ExceededResult, error) {
	results, err := e.IsExceeded(ctx, req, cleanup)
	if err != nil {
		return results, err
	}
	for _, r := range results {
		if r.IsExceeded {
			return results, nil
		}
	}

	err = next(ctx)
	e.observeOutcomes(ctx, results, err == nil)

	if err == nil {
		return results, nil
	}

	if te, ok := egress.AsThrottled(err); ok {
		results = append(results, limitmethod.ExceededResult{
			IsExceeded:    true,
			RetryAfter:    parseRetryAfter(te.RetryAfter),
			RetryAfterRaw: te.RetryAfter,
		})
		return results, nil
	}
	return results, err
}

// observeOutcomes reports next's outcome to every admitted rule whose
// LimitMethod tracks it (currently only CircuitBreaker), so a breaker
// can actually trip on downstream failures instead of only ever seeing
// admission checks (spec.md §4.2's onRequestProcessingFinished(ok)).
func (e *Engine) observeOutcomes(ctx context.Context, results []limitmethod.ExceededResult, ok bool) {
	if len(results) == 0 {
		return
	}
	cfg := e.Loader.Current()
	for _, res := range results {
		if res.RuleID == "" {
			continue
		}
		for _, r := range cfg.Rules {
			if r.ID != res.RuleID {
				continue
			}
			observer, isObserver := r.Limit.(limitmethod.OutcomeObserver)
			if !isObserver {
				break
			}
			if err := observer.Observe(ctx, e.Store, cfg.UniqueName, res.Identity, ok); err != nil && e.Logger != nil {
				e.Logger.Error().Str("rule", r.ID).Err(err).Msg("engine: outcome observe failed")
			}
			break
		}
	}
}

// parseRetryAfter interprets a Retry-After value the way net/http
// clients do: either an integer number of seconds or an HTTP-date.
func parseRetryAfter(raw string) time.Duration {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		return time.Until(t)
	}
	return 0
}

func matchesAny(matchers []*rule.Matcher, req request.Proxy) bool {
	for _, m := range matchers {
		if m.Matches(req) {
			return true
		}
	}
	return false
}
