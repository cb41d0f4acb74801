package limitmethod

import (
	"context"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/request"
)

// SlidingWindow approximates a true sliding window by decomposing
// Interval into NumberOfBuckets sub-buckets and weighting the oldest
// bucket by its fractional overlap with the current sliding view — the
// standard sliding-window-counter technique, generalized here from the
// usual two-window shape to N buckets (spec.md §4.2).
type SlidingWindow struct {
	RuleID                string
	PermitLimit           int64
	Interval              time.Duration
	NumberOfBuckets        int64
	shouldThrowOnFailures bool
}

// NewSlidingWindow builds a SlidingWindow LimitMethod for ruleID.
// numberOfBuckets must be >= 1.
func NewSlidingWindow(ruleID string, permitLimit int64, interval time.Duration, numberOfBuckets int64, shouldThrowOnFailures bool) *SlidingWindow {
	if numberOfBuckets < 1 {
		numberOfBuckets = 1
	}
	return &SlidingWindow{
		RuleID:                ruleID,
		PermitLimit:           permitLimit,
		Interval:              interval,
		NumberOfBuckets:       numberOfBuckets,
		shouldThrowOnFailures: shouldThrowOnFailures,
	}
}

func (m *SlidingWindow) ShouldThrowOnFailures() bool { return m.shouldThrowOnFailures }

func (m *SlidingWindow) bucketDuration() time.Duration {
	return m.Interval / time.Duration(m.NumberOfBuckets)
}

func (m *SlidingWindow) bucketIndex(t time.Time) int64 {
	return t.UnixNano() / m.bucketDuration().Nanoseconds()
}

func (m *SlidingWindow) bucketKey(identity, namespace string, idx int64) string {
	return counterKey(m.RuleID, identity, namespace, idx)
}

func (m *SlidingWindow) IsExceeded(ctx context.Context, _ request.Proxy, identity string, cost int64, store counterstore.Store, namespace string) (*ExceededResult, error) {
	now := time.Now()
	bucketDur := m.bucketDuration()
	curIdx := m.bucketIndex(now)
	curKey := m.bucketKey(identity, namespace, curIdx)

	value, windowStart, err := store.Increment(ctx, curKey, cost, m.Interval+gracePeriod, now)
	if err != nil {
		return nil, err
	}
	_ = value // current bucket's own count folds into the weighted sum below

	sum, err := m.weightedSum(ctx, store, identity, namespace, curIdx, now)
	if err != nil {
		return nil, err
	}

	id := counterstore.ID{
		Key:         curKey,
		Namespace:   namespace,
		WindowStart: windowStart,
		Meta:        map[string]string{"identity": identity},
	}
	if sum <= float64(m.PermitLimit) {
		return &ExceededResult{IsExceeded: false, CounterID: id, RuleID: m.RuleID}, nil
	}

	elapsedInCurrent := now.Sub(time.Unix(0, curIdx*bucketDur.Nanoseconds()))
	retryAfter := bucketDur - elapsedInCurrent
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &ExceededResult{IsExceeded: true, CounterID: id, RetryAfter: retryAfter, RuleID: m.RuleID}, nil
}

// weightedSum sums the current bucket and NumberOfBuckets older
// buckets, discounting the oldest by its fractional overlap with the
// sliding view (the part of it not yet covered by the elapsed share of
// the current bucket).
func (m *SlidingWindow) weightedSum(ctx context.Context, store counterstore.Store, identity, namespace string, curIdx int64, now time.Time) (float64, error) {
	bucketDur := m.bucketDuration()
	elapsedInCurrent := now.Sub(time.Unix(0, curIdx*bucketDur.Nanoseconds()))
	oldestWeight := 1 - float64(elapsedInCurrent)/float64(bucketDur)
	if oldestWeight < 0 {
		oldestWeight = 0
	}
	if oldestWeight > 1 {
		oldestWeight = 1
	}

	var sum float64
	for i := int64(0); i <= m.NumberOfBuckets; i++ {
		idx := curIdx - i
		snap, ok, err := store.Get(ctx, m.bucketKey(identity, namespace, idx))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		weight := 1.0
		if i == m.NumberOfBuckets {
			weight = oldestWeight
		}
		sum += float64(snap.Value) * weight
	}
	return sum, nil
}

func (m *SlidingWindow) IsStillExceeded(ctx context.Context, store counterstore.Store, id counterstore.ID) (bool, error) {
	now := time.Now()
	curIdx := m.bucketIndex(now)
	identity := id.Meta["identity"]
	sum, err := m.weightedSum(ctx, store, identity, id.Namespace, curIdx, now)
	if err != nil {
		return true, err
	}
	return sum > float64(m.PermitLimit), nil
}

func (m *SlidingWindow) OnRequestProcessingFinished(_ context.Context, _ counterstore.Store, _ counterstore.ID, _ int64) {
	// Buckets expire on their own TTL; nothing to release.
}
