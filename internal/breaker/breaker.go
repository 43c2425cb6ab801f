// Package breaker wraps sony/gobreaker with the loader's per-dependency
// settings: trip on failure rate over a sliding window of recent calls,
// cool down, then probe.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fundops/positionloader/internal/debug"
)

// Settings configures one breaker.
type Settings struct {
	// Name identifies the dependency (upstream, db).
	Name string
	// FailureRatePct trips the breaker when the failure ratio over the
	// window reaches this percentage.
	FailureRatePct float64
	// Window is the minimum number of calls before the rate is evaluated.
	Window int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// OnOpen is called on CLOSED->OPEN transitions (metrics hook).
	OnOpen func(name string)
}

// Breaker guards calls to one external dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker open")

// New builds a breaker from settings.
func New(s Settings) *Breaker {
	threshold := s.FailureRatePct / 100
	window := uint32(s.Window)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 3, // probes allowed in half-open
		Interval:    0, // counters reset only on state change
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < window {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			debug.Logf("breaker: %s %s -> %s\n", name, from, to)
			if to == gobreaker.StateOpen && s.OnOpen != nil {
				s.OnOpen(name)
			}
		},
	})
	return &Breaker{cb: cb}
}

// Do executes fn through the breaker. Returns ErrOpen (wrapped) when the
// breaker refuses the call.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns the current breaker state string (closed, half-open,
// open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}
