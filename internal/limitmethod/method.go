// Package limitmethod implements the closed set of rate-limiting
// algorithms a Rule can delegate to: FixedWindow, SlidingWindow,
// Semaphore, and CircuitBreaker. Each is a tagged variant rather than an
// open interface hierarchy, so the engine can enumerate them for
// outcome-specific hooks (CircuitBreaker.Observe) without type
// switching on arbitrary implementations.
package limitmethod

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/request"
)

// ExceededResult reports the outcome of one LimitMethod evaluation, or a
// propagated egress throttle signal (spec.md §3). In the latter case
// RuleID is empty and RetryAfterRaw carries the value verbatim (numeric
// seconds or an HTTP-date string) alongside the best-effort parsed
// RetryAfter duration.
type ExceededResult struct {
	IsExceeded    bool
	CounterID     counterstore.ID
	RetryAfter    time.Duration
	RetryAfterRaw string
	RuleID        string // empty when built from a propagated egress signal
	Identity      string // the identity Rule.Evaluate resolved for this call
}

// Method is the contract every rate-limiting algorithm satisfies.
type Method interface {
	// IsExceeded evaluates cost against the current counter state for
	// identity (already resolved by the owning Rule) and returns the
	// outcome, or nil if this call represents "not exceeded" with no
	// further tracking needed (never returned by the variants below;
	// kept for interface symmetry with spec.md's literal signature).
	IsExceeded(ctx context.Context, req request.Proxy, identity string, cost int64, store counterstore.Store, namespace string) (*ExceededResult, error)

	// IsStillExceeded re-checks a previously exceeded counter without
	// incrementing it, used by the engine's admission-delay poll.
	IsStillExceeded(ctx context.Context, store counterstore.Store, id counterstore.ID) (bool, error)

	// OnRequestProcessingFinished runs as a cleanup callback for a
	// non-exceeded admission: Semaphore releases its permits; FixedWindow,
	// SlidingWindow and CircuitBreaker do nothing here.
	OnRequestProcessingFinished(ctx context.Context, store counterstore.Store, id counterstore.ID, cost int64)

	// ShouldThrowOnFailures reports whether a counterstore error while
	// evaluating this method should be rethrown by the engine.
	ShouldThrowOnFailures() bool
}

// OutcomeObserver is implemented by Method variants (currently only
// CircuitBreaker) that need to know how the request they admitted
// actually turned out, beyond the pass/fail-agnostic cleanup every
// Method gets via OnRequestProcessingFinished. The engine calls Observe
// once next has run, using the identity captured on the admitting
// ExceededResult.
type OutcomeObserver interface {
	Observe(ctx context.Context, store counterstore.Store, namespace, identity string, ok bool) error
}

// counterKey hashes the components spec.md §4.2 names for FixedWindow
// ("hash(rule-id | identity | namespace | floor(now/interval))") into an
// opaque string, reused by every variant below with a window-granularity
// argument appropriate to that variant.
func counterKey(ruleID, identity, namespace string, windowFloor int64) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", ruleID, identity, namespace, windowFloor)
	return fmt.Sprintf("%x", h.Sum64())
}
