// Package counterstore defines the abstract shared-counter contract the
// rate-limit engine evaluates rules against. Implementations live in
// memstore (single-process) and redisstore (shared/distributed); both
// satisfy the same linearizable-per-key increment contract.
package counterstore

import (
	"context"
	"time"
)

// ID uniquely identifies one counter cell. Meta carries LimitMethod-
// specific context (e.g. the resolved identity for a bucketed sliding
// window) needed to re-derive a still-exceeded check from just the ID;
// it is never interpreted by the store itself.
type ID struct {
	Key         string
	Namespace   string
	WindowStart time.Time
	Meta        map[string]string
}

// Snapshot is the result of a read without mutation.
type Snapshot struct {
	Value       int64
	WindowStart time.Time
}

// Token identifies an acquired semaphore permit so it can be released.
// Seq disambiguates successive acquisitions of the same key.
type Token struct {
	Key   string
	Slots int64
	Seq   uint64
}

// Store is the atomic counter backend the engine and LimitMethods share.
type Store interface {
	// Increment atomically adds cost to the counter named by key. If the
	// counter is absent or its window has expired (by ttl), it resets to
	// cost and stamps windowStart = now. Returns the post-increment value
	// and the active window start.
	Increment(ctx context.Context, key string, cost int64, ttl time.Duration, now time.Time) (value int64, windowStart time.Time, err error)

	// Decrement subtracts cost from key, never going below zero. Best
	// effort: errors are swallowed by callers that use it for cleanup.
	Decrement(ctx context.Context, key string, cost int64) error

	// Get reads key without mutating it. ok is false if the key is absent
	// or its window has already expired.
	Get(ctx context.Context, key string) (snap Snapshot, ok bool, err error)

	// AcquireSemaphore blocks until cost permits are available under
	// permitLimit, or timeout elapses. A timeout of zero attempts a
	// single non-blocking test-and-set.
	AcquireSemaphore(ctx context.Context, key string, permitLimit int64, cost int64, timeout time.Duration) (Token, bool, error)

	// ReleaseSemaphore returns the permits identified by tok.
	ReleaseSemaphore(ctx context.Context, tok Token) error
}
