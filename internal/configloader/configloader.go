// Package configloader produces config.RateLimit snapshots, optionally
// reloaded on a fixed interval (spec.md §4.4). The "current snapshot"
// pointer is read without locking; writers publish whole snapshots via
// atomic.Pointer, so a reader mid-evaluation never observes a
// half-written Config (spec.md §9's "live reconfiguration without
// locks").
package configloader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlecore/internal/config"
)

// LoadFunc produces one Config snapshot, e.g. by reading and parsing a
// file. It is the out-of-scope "configuration file parsing" collaborator
// named in spec.md §1 — the core only defines how its result is
// scheduled and swapped in.
type LoadFunc func(ctx context.Context) (*config.RateLimit, error)

// Loader owns the current snapshot and, in dynamic mode, the reload
// ticker goroutine.
type Loader struct {
	load   LoadFunc
	logger *zerolog.Logger

	current atomic.Pointer[config.RateLimit]
	closed  chan struct{}
}

// New builds a Loader around load. Call Run to obtain the first
// snapshot (and, if intervalToReload > 0, to start reloading on that
// interval).
func New(load LoadFunc, logger *zerolog.Logger) *Loader {
	l := &Loader{load: load, logger: logger, closed: make(chan struct{})}
	l.current.Store(config.Empty())
	return l
}

// Run performs the initial load synchronously. If intervalToReload > 0
// it then spawns a goroutine that reloads on every tick until ctx is
// done or Close is called, whichever happens first. A reload failure is
// logged and the previous snapshot is retained; Run itself only fails if
// the *initial* load fails, in which case the Loader keeps the empty
// snapshot (spec.md §7: "if no snapshot ever loaded, the engine behaves
// as if Rules were empty").
func (l *Loader) Run(ctx context.Context, intervalToReload time.Duration) error {
	cfg, err := l.load(ctx)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn().Err(err).Msg("configloader: initial load failed, starting with empty config")
		}
		return err
	}
	l.current.Store(cfg)

	if intervalToReload <= 0 {
		return nil
	}

	go l.reloadLoop(ctx, intervalToReload)
	return nil
}

func (l *Loader) reloadLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case <-t.C:
			cfg, err := l.load(ctx)
			select {
			case <-l.closed:
				// Disposed while this load was in flight: discard it
				// even if it succeeded (spec.md §4.4).
				return
			default:
			}
			if err != nil {
				if l.logger != nil {
					l.logger.Warn().Err(err).Msg("configloader: reload failed, keeping last good config")
				}
				continue
			}
			l.current.Store(cfg)
		}
	}
}

// Current returns the latest published snapshot without locking.
func (l *Loader) Current() *config.RateLimit {
	return l.current.Load()
}

// Close stops future reloads. A reload already in flight completes but
// its result is discarded.
func (l *Loader) Close() {
	select {
	case <-l.closed:
		return // already closed
	default:
		close(l.closed)
	}
}

// FileLoad builds a LoadFunc that re-reads and re-parses the YAML file
// at path on every call.
func FileLoad(path string) LoadFunc {
	return func(context.Context) (*config.RateLimit, error) {
		return config.LoadRateLimitFile(path)
	}
}
