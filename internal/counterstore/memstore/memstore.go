// Package memstore is an in-process counterstore.Store backed by a
// sync.Map of per-key cells, grounded in the teacher's token-bucket map
// (internal/ratelimit/memory) and the idle-entry janitor pattern from
// the cyph3rk-go_fronteira reference repo's infra.Store.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
)

type cell struct {
	mu          sync.Mutex
	value       int64
	windowStart time.Time
	expiresAt   time.Time
}

type semaphore struct {
	mu       sync.Mutex
	inUse    int64
	permits  int64
	lastUsed time.Time
}

// Store is a single-process counterstore.Store. Safe for concurrent use.
type Store struct {
	cells      sync.Map // string -> *cell
	semaphores sync.Map // string -> *semaphore
	seq        uint64

	idleTTL      time.Duration
	cleanupEvery time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithIdleTTL sets how long past its expiry a cell (or past its last
// acquire a free semaphore) may sit before Cleanup removes it. Defaults
// to 15 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval for StartJanitor. Defaults
// to 2 minutes.
func WithCleanupEvery(d time.Duration) Option {
	return func(s *Store) { s.cleanupEvery = d }
}

// New builds a Store.
func New(opts ...Option) *Store {
	s := &Store{
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Increment(_ context.Context, key string, cost int64, ttl time.Duration, now time.Time) (int64, time.Time, error) {
	v, _ := s.cells.LoadOrStore(key, &cell{})
	c := v.(*cell)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.expiresAt.IsZero() || now.After(c.expiresAt) {
		c.value = 0
		c.windowStart = now
	}
	c.value += cost
	c.expiresAt = now.Add(ttl)

	return c.value, c.windowStart, nil
}

func (s *Store) Decrement(_ context.Context, key string, cost int64) error {
	v, ok := s.cells.Load(key)
	if !ok {
		return nil
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value -= cost
	if c.value < 0 {
		c.value = 0
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (counterstore.Snapshot, bool, error) {
	v, ok := s.cells.Load(key)
	if !ok {
		return counterstore.Snapshot{}, false, nil
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		return counterstore.Snapshot{}, false, nil
	}
	return counterstore.Snapshot{Value: c.value, WindowStart: c.windowStart}, true, nil
}

func (s *Store) AcquireSemaphore(ctx context.Context, key string, permitLimit int64, cost int64, timeout time.Duration) (counterstore.Token, bool, error) {
	v, _ := s.semaphores.LoadOrStore(key, &semaphore{permits: permitLimit})
	sem := v.(*semaphore)

	deadline := time.Now().Add(timeout)
	for {
		sem.mu.Lock()
		if sem.permits <= 0 {
			sem.permits = permitLimit
		}
		if sem.inUse+cost <= sem.permits {
			sem.inUse += cost
			sem.lastUsed = time.Now()
			sem.mu.Unlock()
			seq := atomic.AddUint64(&s.seq, 1)
			return counterstore.Token{Key: key, Slots: cost, Seq: seq}, true, nil
		}
		sem.mu.Unlock()

		if timeout <= 0 || time.Now().After(deadline) {
			return counterstore.Token{}, false, nil
		}
		select {
		case <-ctx.Done():
			return counterstore.Token{}, false, nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Store) ReleaseSemaphore(_ context.Context, tok counterstore.Token) error {
	v, ok := s.semaphores.Load(tok.Key)
	if !ok {
		return nil
	}
	sem := v.(*semaphore)
	sem.mu.Lock()
	defer sem.mu.Unlock()
	sem.inUse -= tok.Slots
	if sem.inUse < 0 {
		sem.inUse = 0
	}
	return nil
}

// Cleanup removes cells whose TTL ran out more than idleTTL ago, and
// semaphores with no permits held whose last acquire is older than
// idleTTL.
func (s *Store) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)
	s.cells.Range(func(k, v any) bool {
		c := v.(*cell)
		c.mu.Lock()
		expired := !c.expiresAt.IsZero() && c.expiresAt.Before(cutoff)
		c.mu.Unlock()
		if expired {
			s.cells.Delete(k)
		}
		return true
	})
	s.semaphores.Range(func(k, v any) bool {
		sem := v.(*semaphore)
		sem.mu.Lock()
		idle := sem.inUse == 0 && sem.lastUsed.Before(cutoff)
		sem.mu.Unlock()
		if idle {
			s.semaphores.Delete(k)
		}
		return true
	})
}

// StartJanitor runs Cleanup on a ticker until ctx is done.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
