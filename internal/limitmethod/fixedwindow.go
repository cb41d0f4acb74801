package limitmethod

import (
	"context"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/request"
)

// gracePeriod is added to a fixed/sliding window's TTL so a cell
// survives slightly past its logical window, letting IsStillExceeded
// observe the tail end of a window instead of racing its own expiry.
const gracePeriod = 2 * time.Second

// FixedWindow admits at most PermitLimit cost-weighted requests per
// Interval, keyed by the floor of now/Interval (spec.md §4.2).
type FixedWindow struct {
	RuleID                string
	PermitLimit           int64
	Interval              time.Duration
	shouldThrowOnFailures bool
}

// NewFixedWindow builds a FixedWindow LimitMethod for ruleID.
func NewFixedWindow(ruleID string, permitLimit int64, interval time.Duration, shouldThrowOnFailures bool) *FixedWindow {
	return &FixedWindow{RuleID: ruleID, PermitLimit: permitLimit, Interval: interval, shouldThrowOnFailures: shouldThrowOnFailures}
}

func (m *FixedWindow) ShouldThrowOnFailures() bool { return m.shouldThrowOnFailures }

func (m *FixedWindow) IsExceeded(ctx context.Context, _ request.Proxy, identity string, cost int64, store counterstore.Store, namespace string) (*ExceededResult, error) {
	now := time.Now()
	windowFloor := now.UnixNano() / m.Interval.Nanoseconds()
	key := counterKey(m.RuleID, identity, namespace, windowFloor)

	value, windowStart, err := store.Increment(ctx, key, cost, m.Interval+gracePeriod, now)
	if err != nil {
		return nil, err
	}

	id := counterstore.ID{Key: key, Namespace: namespace, WindowStart: windowStart}
	if value <= m.PermitLimit {
		return &ExceededResult{IsExceeded: false, CounterID: id, RuleID: m.RuleID}, nil
	}

	retryAfter := windowStart.Add(m.Interval).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &ExceededResult{IsExceeded: true, CounterID: id, RetryAfter: retryAfter, RuleID: m.RuleID}, nil
}

func (m *FixedWindow) IsStillExceeded(ctx context.Context, store counterstore.Store, id counterstore.ID) (bool, error) {
	// Once the window the counter was stamped with has ended, a new
	// window (and a fresh counter key) is available to re-evaluation.
	if !id.WindowStart.IsZero() && !time.Now().Before(id.WindowStart.Add(m.Interval)) {
		return false, nil
	}
	snap, ok, err := store.Get(ctx, id.Key)
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}
	return snap.Value > m.PermitLimit, nil
}

func (m *FixedWindow) OnRequestProcessingFinished(_ context.Context, _ counterstore.Store, _ counterstore.ID, _ int64) {
	// Fixed window cells expire on their own TTL; nothing to release.
}
