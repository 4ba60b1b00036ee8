package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when no provider accepted
// the session.
var ErrAllFailed = errors.New("resilience: all remote providers failed")

// Member is one provider in a [Failover].
type Member struct {
	Name     string
	Provider s2s.Provider
}

type member struct {
	Member
	breaker *Breaker
}

// Failover implements [s2s.Provider] over an ordered list of providers. Each
// has its own [Breaker]; providers with an open breaker are skipped.
//
// Failover only affects new sessions. A live session whose remote connection
// drops is not moved to another provider.
type Failover struct {
	members []member
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover returns a Failover trying members in order. cfg is copied into
// every member's breaker with the member name set.
func NewFailover(cfg BreakerConfig, members ...Member) *Failover {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	f := &Failover{}
	for _, m := range members {
		bc := cfg
		bc.Name = m.Name
		f.members = append(f.members, member{Member: m, breaker: NewBreaker(bc)})
	}
	return f
}

// Connect opens a session on the first provider that accepts it.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var errs []error
	for i := range f.members {
		m := &f.members[i]
		var h s2s.SessionHandle
		err := m.breaker.Do(func() error {
			var err error
			h, err = m.Provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("remote session opened on fallback provider", "provider", m.Name)
			}
			return h, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping remote provider, circuit open", "provider", m.Name)
		} else {
			slog.Warn("remote provider failed, trying next", "provider", m.Name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Ping reports nil when at least one provider can take sessions: its breaker
// is not open and, if it supports pinging, its ping succeeds.
func (f *Failover) Ping(ctx context.Context) error {
	var errs []error
	for _, m := range f.members {
		if m.breaker.State() == StateOpen {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, ErrCircuitOpen))
			continue
		}
		p, ok := m.Provider.(interface{ Ping(context.Context) error })
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
	}
	return errors.Join(errs...)
}

// States returns the breaker state of every member, keyed by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.members))
	for _, m := range f.members {
		out[m.Name] = m.breaker.State()
	}
	return out
}
