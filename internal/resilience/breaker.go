// Package resilience guards remote translation providers with circuit
// breakers and fails over between them.
//
// A [Breaker] trips after a run of consecutive failures and rejects calls
// until its reset timeout passes, then lets a few probes through. [Failover]
// pairs every configured provider with its own breaker and connects to the
// first healthy one.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log lines, usually the provider name.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker. Default: 1.
	Probes int

	// IsFailure decides which errors count against the breaker. Default: any
	// non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called on every transition with the breaker lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes started
	passed   int // half-open probes that succeeded
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker rejects the call, and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.inFlight, b.passed = 0, 0
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.cfg.IsFailure(err) {
		b.failures++
		if probe || b.failures >= b.cfg.MaxFailures {
			if b.state != StateOpen {
				slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures, "err", err)
			}
			b.setState(StateOpen)
			b.openedAt = b.cfg.Now()
		}
		return
	}

	if err != nil {
		// Ignored error: free the probe slot without a verdict.
		if probe {
			b.inFlight--
		}
		return
	}

	b.failures = 0
	if probe {
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.setState(StateClosed)
			slog.Info("circuit breaker closed", "name", b.cfg.Name)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures, b.inFlight, b.passed = 0, 0, 0
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
