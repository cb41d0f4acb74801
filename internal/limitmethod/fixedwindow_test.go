package limitmethod

import (
	"context"
	"testing"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore/memstore"
)

func TestFixedWindowAdmitsUpToPermitLimit(t *testing.T) {
	store := memstore.New()
	m := NewFixedWindow("r1", 2, time.Minute, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
		if err != nil {
			t.Fatalf("IsExceeded: %v", err)
		}
		if res.IsExceeded {
			t.Fatalf("request %d: expected admission within permit limit", i)
		}
	}

	res, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !res.IsExceeded {
		t.Fatalf("expected third request over permit limit 2 to be exceeded")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter, got %v", res.RetryAfter)
	}
}

func TestFixedWindowIsolatesIdentities(t *testing.T) {
	store := memstore.New()
	m := NewFixedWindow("r1", 1, time.Minute, false)
	ctx := context.Background()

	res, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil || res.IsExceeded {
		t.Fatalf("user-1 first request should admit: res=%v err=%v", res, err)
	}
	res, err = m.IsExceeded(ctx, nil, "user-2", 1, store, "ns")
	if err != nil || res.IsExceeded {
		t.Fatalf("user-2 first request should admit independently: res=%v err=%v", res, err)
	}
}

func TestFixedWindowIsStillExceeded(t *testing.T) {
	store := memstore.New()
	m := NewFixedWindow("r1", 1, time.Minute, false)
	ctx := context.Background()

	res, _ := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")

	stillExceeded, err := m.IsStillExceeded(ctx, store, res.CounterID)
	if err != nil {
		t.Fatalf("IsStillExceeded: %v", err)
	}
	if stillExceeded {
		t.Fatalf("counter at 1 should not be still-exceeded against permit limit 1")
	}

	res2, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !res2.IsExceeded {
		t.Fatalf("expected second request to exceed permit limit 1")
	}

	stillExceeded, err = m.IsStillExceeded(ctx, store, res2.CounterID)
	if err != nil {
		t.Fatalf("IsStillExceeded: %v", err)
	}
	if !stillExceeded {
		t.Fatalf("counter at 2 should still be exceeded against permit limit 1")
	}
}
