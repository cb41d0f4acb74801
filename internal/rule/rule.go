package rule

import (
	"context"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
	"github.com/AlexKimmel/throttlecore/internal/request"
)

// IdentityExtractor resolves the per-request identity a counter is keyed
// on (e.g. an API key, a user id). ok is false when no identity applies,
// per spec.md §3's invariant that the counter key then omits identity.
type IdentityExtractor func(req request.Proxy) (id string, ok bool)

// CostExtractor resolves how much a request weighs against a limit.
type CostExtractor func(req request.Proxy) int64

// Rule pairs a Matcher with a LimitMethod, an optional identity/cost
// extractor override, and an admission-delay budget (spec.md §3, §4.3).
type Rule struct {
	ID       string
	Matcher  *Matcher
	Limit    limitmethod.Method
	MaxDelay time.Duration

	Identity IdentityExtractor // nil: fall back to the Config-wide extractor
	Cost     CostExtractor     // nil: fall back to the Config-wide extractor, then to 1
}

// Evaluate runs the Rule's matcher and, on a match, delegates to its
// LimitMethod (spec.md §4.3). It returns (nil, nil) when the matcher
// rejects req — the Engine reads that as "this rule did not apply".
//
// globalIdentity and globalCost are resolved here on every call rather
// than mutated into the Rule (there is no separate applyGlobals step),
// so repeated calls are naturally idempotent and never clobber a
// per-rule override.
func (r *Rule) Evaluate(ctx context.Context, req request.Proxy, store counterstore.Store, namespace string, globalIdentity IdentityExtractor, globalCost CostExtractor) (*limitmethod.ExceededResult, error) {
	if r.Matcher != nil && !r.Matcher.Matches(req) {
		return nil, nil
	}

	identityFn := r.Identity
	if identityFn == nil {
		identityFn = globalIdentity
	}
	var identity string
	if identityFn != nil {
		if id, ok := identityFn(req); ok {
			identity = id
		}
	}

	costFn := r.Cost
	if costFn == nil {
		costFn = globalCost
	}
	cost := int64(1)
	if costFn != nil {
		cost = costFn(req)
	}
	if cost < 0 {
		cost = 0
	}

	result, err := r.Limit.IsExceeded(ctx, req, identity, cost, store, namespace)
	if result != nil {
		result.Identity = identity
	}
	return result, err
}
