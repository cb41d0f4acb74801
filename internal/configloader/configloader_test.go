package configloader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlecore/internal/config"
)

func TestNewStartsWithEmptySnapshot(t *testing.T) {
	logger := zerolog.Nop()
	l := New(func(context.Context) (*config.RateLimit, error) {
		return config.Empty(), nil
	}, &logger)

	cfg := l.Current()
	if cfg == nil {
		t.Fatalf("expected a non-nil empty snapshot before Run")
	}
	if len(cfg.Rules) != 0 {
		t.Fatalf("expected empty snapshot to have no rules")
	}
}

func TestRunPublishesInitialSnapshot(t *testing.T) {
	logger := zerolog.Nop()
	want := &config.RateLimit{UniqueName: "svc"}
	l := New(func(context.Context) (*config.RateLimit, error) {
		return want, nil
	}, &logger)

	if err := l.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.Current() != want {
		t.Fatalf("expected Current() to return the loaded snapshot")
	}
}

func TestRunReturnsErrorOnInitialLoadFailureAndKeepsEmpty(t *testing.T) {
	logger := zerolog.Nop()
	wantErr := errors.New("boom")
	l := New(func(context.Context) (*config.RateLimit, error) {
		return nil, wantErr
	}, &logger)

	err := l.Run(context.Background(), 0)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected Run to surface the initial load error, got %v", err)
	}
	if len(l.Current().Rules) != 0 {
		t.Fatalf("expected the empty snapshot to remain current after a failed initial load")
	}
}

func TestReloadLoopReplacesSnapshotOnEachTick(t *testing.T) {
	logger := zerolog.Nop()
	var n atomic.Int32
	l := New(func(context.Context) (*config.RateLimit, error) {
		i := n.Add(1)
		return &config.RateLimit{UniqueName: string(rune('a' + i))}, nil
	}, &logger)

	if err := l.Run(context.Background(), 15*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := l.Current()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if l.Current() != first {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the reload loop to publish a newer snapshot within the deadline")
}

func TestReloadLoopKeepsLastGoodConfigOnFailure(t *testing.T) {
	logger := zerolog.Nop()
	good := &config.RateLimit{UniqueName: "good"}
	var calls atomic.Int32
	l := New(func(context.Context) (*config.RateLimit, error) {
		if calls.Add(1) == 1 {
			return good, nil
		}
		return nil, errors.New("reload failed")
	}, &logger)

	if err := l.Run(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if l.Current() != good {
		t.Fatalf("expected a failed reload to leave the last good snapshot in place")
	}
}

func TestCloseStopsFurtherReloads(t *testing.T) {
	logger := zerolog.Nop()
	var calls atomic.Int32
	l := New(func(context.Context) (*config.RateLimit, error) {
		calls.Add(1)
		return &config.RateLimit{}, nil
	}, &logger)

	if err := l.Run(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	l.Close()
	seenAtClose := calls.Load()
	time.Sleep(50 * time.Millisecond)

	if calls.Load() > seenAtClose+1 {
		t.Fatalf("expected Close to stop the reload loop, calls kept growing: %d -> %d", seenAtClose, calls.Load())
	}

	// Close must be idempotent.
	l.Close()
}
