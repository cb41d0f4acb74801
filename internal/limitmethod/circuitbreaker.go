package limitmethod

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/request"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

// CircuitBreaker behaves like FixedWindow counting failures while
// closed; once the failures inside Interval exceed PermitLimit it opens
// and admits exactly one trial request per TrialInterval until a trial
// succeeds (spec.md §4.2). State is process-local: the engine feeds
// Observe with the outcome of next (Engine.IsIngressOrEgressExceeded),
// so a breaker does not need store-backed state to do its job beyond
// the failure-counting window it shares with FixedWindow's key scheme.
type CircuitBreaker struct {
	RuleID                string
	PermitLimit           int64
	Interval              time.Duration
	TrialInterval         time.Duration
	shouldThrowOnFailures bool

	failures *FixedWindow

	// OnStateChange, if set, is called with true when the breaker opens
	// and false when it closes again, letting a host expose it as a
	// gauge without this package depending on Prometheus.
	OnStateChange func(open bool)

	mu            sync.Mutex
	state         breakerState
	openedAt      time.Time
	nextTrialAt   time.Time
	trialInFlight bool
}

// NewCircuitBreaker builds a CircuitBreaker LimitMethod for ruleID.
func NewCircuitBreaker(ruleID string, permitLimit int64, interval, trialInterval time.Duration, shouldThrowOnFailures bool) *CircuitBreaker {
	return &CircuitBreaker{
		RuleID:                ruleID,
		PermitLimit:           permitLimit,
		Interval:              interval,
		TrialInterval:         trialInterval,
		shouldThrowOnFailures: shouldThrowOnFailures,
		failures:              NewFixedWindow(ruleID+":failures", permitLimit, interval, shouldThrowOnFailures),
		state:                 breakerClosed,
	}
}

func (m *CircuitBreaker) ShouldThrowOnFailures() bool { return m.shouldThrowOnFailures }

func (m *CircuitBreaker) IsExceeded(ctx context.Context, req request.Proxy, identity string, cost int64, store counterstore.Store, namespace string) (*ExceededResult, error) {
	key := counterKey(m.RuleID, identity, namespace, 0)
	id := counterstore.ID{Key: key, Namespace: namespace}

	m.mu.Lock()
	state := m.state
	now := time.Now()
	if state == breakerOpen {
		if now.Before(m.nextTrialAt) || m.trialInFlight {
			m.mu.Unlock()
			return &ExceededResult{IsExceeded: true, CounterID: id, RetryAfter: m.nextTrialAt.Sub(now), RuleID: m.RuleID}, nil
		}
		// Admit exactly one trial and mark it in flight until Observe.
		m.trialInFlight = true
		m.mu.Unlock()
		return &ExceededResult{IsExceeded: false, CounterID: id, RuleID: m.RuleID}, nil
	}
	m.mu.Unlock()

	// Closed: behave like FixedWindow over failure counts. A request
	// itself never increments the failure counter — only Observe(false)
	// does, via the failures FixedWindow below — so closed-state admission is
	// unconditional until Observe trips it open.
	return &ExceededResult{IsExceeded: false, CounterID: id, RuleID: m.RuleID}, nil
}

func (m *CircuitBreaker) IsStillExceeded(ctx context.Context, store counterstore.Store, id counterstore.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != breakerOpen {
		return false, nil
	}
	return time.Now().Before(m.nextTrialAt) || m.trialInFlight, nil
}

func (m *CircuitBreaker) OnRequestProcessingFinished(_ context.Context, _ counterstore.Store, _ counterstore.ID, _ int64) {
	// Outcome-driven state transitions happen in Observe, not here: a
	// CircuitBreaker needs pass/fail, which a plain cleanup callback
	// (no result to inspect) cannot carry.
}

// Observe reports the outcome of a request this breaker admitted. ok
// identifies a successful response; !ok a failure. The engine calls it
// once next has returned (spec.md §4.2: "the
// method observes response outcomes via onRequestProcessingFinished(ok)";
// exposed here as a named method so the engine's cleanup callback, which
// carries no outcome, doesn't need to fake one).
func (m *CircuitBreaker) Observe(ctx context.Context, store counterstore.Store, namespace, identity string, ok bool) error {
	m.mu.Lock()
	state := m.state
	trial := m.trialInFlight
	m.mu.Unlock()

	if state == breakerOpen && trial {
		m.mu.Lock()
		m.trialInFlight = false
		if ok {
			m.state = breakerClosed
		} else {
			m.openedAt = time.Now()
			m.nextTrialAt = m.openedAt.Add(m.TrialInterval)
		}
		changed := m.OnStateChange
		nowOpen := m.state == breakerOpen
		m.mu.Unlock()
		if changed != nil {
			changed(nowOpen)
		}
		return nil
	}

	if ok {
		return nil
	}

	result, err := m.failures.IsExceeded(ctx, nil, identity, 1, store, namespace)
	if err != nil {
		return err
	}
	if result.IsExceeded {
		m.mu.Lock()
		opened := false
		if m.state == breakerClosed {
			m.state = breakerOpen
			m.openedAt = time.Now()
			m.nextTrialAt = m.openedAt.Add(m.TrialInterval)
			opened = true
		}
		changed := m.OnStateChange
		m.mu.Unlock()
		if opened && changed != nil {
			changed(true)
		}
	}
	return nil
}
