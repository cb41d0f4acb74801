package limitmethod

import (
	"context"
	"testing"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore/memstore"
)

func TestSlidingWindowAdmitsUpToPermitLimit(t *testing.T) {
	store := memstore.New()
	m := NewSlidingWindow("r1", 2, time.Minute, 4, false)
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
	if res.RetryAfter < 0 {
		t.Fatalf("expected a non-negative RetryAfter, got %v", res.RetryAfter)
	}
}

func TestSlidingWindowIsolatesIdentities(t *testing.T) {
	store := memstore.New()
	m := NewSlidingWindow("r1", 1, time.Minute, 4, false)
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

func TestSlidingWindowIsStillExceededRecoversIdentityFromMeta(t *testing.T) {
	store := memstore.New()
	m := NewSlidingWindow("r1", 1, time.Minute, 4, false)
	ctx := context.Background()

	if _, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns"); err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	res2, err := m.IsExceeded(ctx, nil, "user-1", 1, store, "ns")
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !res2.IsExceeded {
		t.Fatalf("expected second request to exceed permit limit 1")
	}

	stillExceeded, err := m.IsStillExceeded(ctx, store, res2.CounterID)
	if err != nil {
		t.Fatalf("IsStillExceeded: %v", err)
	}
	if !stillExceeded {
		t.Fatalf("weighted sum of 2 over permit limit 1 must still be exceeded")
	}
	if res2.CounterID.Meta["identity"] != "user-1" {
		t.Fatalf("expected CounterID.Meta to carry the identity for later weighted-sum recovery, got %v", res2.CounterID.Meta)
	}
}
