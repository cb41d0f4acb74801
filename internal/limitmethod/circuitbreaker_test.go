package limitmethod

import (
	"context"
	"testing"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore/memstore"
)

func TestCircuitBreakerStaysClosedUnderFailureThreshold(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := NewCircuitBreaker("r1", 1, time.Minute, time.Second, false)

	res, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil || res.IsExceeded {
		t.Fatalf("closed breaker should admit: res=%v err=%v", res, err)
	}
	if err := m.Observe(ctx, store, "ns", "user-1", false); err != nil {
		t.Fatalf("observe: %v", err)
	}

	res, err = m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil || res.IsExceeded {
		t.Fatalf("single failure under threshold 1 should not open breaker: res=%v err=%v", res, err)
	}
}

func TestCircuitBreakerOpensAfterThresholdAndNotifies(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := NewCircuitBreaker("r1", 1, time.Minute, time.Hour, false)

	var notified []bool
	m.OnStateChange = func(open bool) { notified = append(notified, open) }

	if _, err := noopAdmit(ctx, m, store); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Observe(ctx, store, "ns", "user-1", false); err != nil {
		t.Fatalf("observe 1: %v", err)
	}
	if _, err := noopAdmit(ctx, m, store); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Observe(ctx, store, "ns", "user-1", false); err != nil {
		t.Fatalf("observe 2: %v", err)
	}

	res, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !res.IsExceeded {
		t.Fatalf("breaker should be open and reject non-trial requests")
	}
	if len(notified) == 0 || !notified[len(notified)-1] {
		t.Fatalf("expected OnStateChange(true) to fire when breaker opens, got %v", notified)
	}
}

func TestCircuitBreakerAdmitsSingleTrialAndCloses(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := NewCircuitBreaker("r1", 1, time.Minute, time.Nanosecond, false)

	if _, err := noopAdmit(ctx, m, store); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Observe(ctx, store, "ns", "user-1", false); err != nil {
		t.Fatalf("observe 1: %v", err)
	}
	if _, err := noopAdmit(ctx, m, store); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Observe(ctx, store, "ns", "user-1", false); err != nil {
		t.Fatalf("observe 2: %v", err)
	}

	time.Sleep(time.Millisecond)

	trial, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if trial.IsExceeded {
		t.Fatalf("expected a trial request to be admitted once TrialInterval has elapsed")
	}

	second, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !second.IsExceeded {
		t.Fatalf("a second request while a trial is already in flight must be rejected")
	}

	if err := m.Observe(ctx, store, "ns", "user-1", true); err != nil {
		t.Fatalf("observe trial success: %v", err)
	}

	closed, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil || closed.IsExceeded {
		t.Fatalf("breaker should be closed after a successful trial: res=%v err=%v", closed, err)
	}
}

func noopAdmit(ctx context.Context, m *CircuitBreaker, store *memstore.Store) (*ExceededResult, error) {
	return m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
}
