package peer

import (
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

func stateOf(s circuitbreaker.State) State {
	switch s {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureRate is the failure percentage at which the breaker opens.
	FailureRate uint
	// Window is the sliding period over which calls are counted.
	Window time.Duration
	// MinimumCalls must land in the window before the rate is evaluated.
	MinimumCalls uint
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenCalls is the number of trial calls permitted while half-open.
	HalfOpenCalls uint
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRate:   50,
		Window:        time.Minute,
		MinimumCalls:  5,
		OpenDuration:  10 * time.Second,
		HalfOpenCalls: 3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureRate == 0 || c.FailureRate > 100 {
		c.FailureRate = def.FailureRate
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinimumCalls == 0 {
		c.MinimumCalls = def.MinimumCalls
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.HalfOpenCalls == 0 {
		c.HalfOpenCalls = def.HalfOpenCalls
	}
	return c
}

// ErrOpen is returned by Allow while the breaker rejects calls.
type ErrOpen struct {
	Peer string
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for peer %s", e.Peer)
}

// Breaker guards calls to one peer with a failure-rate circuit breaker.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   circuitbreaker.CircuitBreaker[any]
}

// NewBreaker creates a closed breaker. onChange, when set, is called on
// every state transition.
func NewBreaker(name string, cfg BreakerConfig, onChange func(string, State)) *Breaker {
	cfg = cfg.withDefaults()
	builder := circuitbreaker.Builder[any]().
		WithFailureRateThreshold(cfg.FailureRate, cfg.MinimumCalls, cfg.Window).
		WithDelay(cfg.OpenDuration).
		WithSuccessThreshold(cfg.HalfOpenCalls)
	if onChange != nil {
		builder = builder.OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			onChange(name, stateOf(e.NewState))
		})
	}
	return &Breaker{name: name, cfg: cfg, cb: builder.Build()}
}

// State returns the current state.
func (b *Breaker) State() State {
	return stateOf(b.cb.State())
}

// Allow reports whether a call may proceed. Every nil return must be
// followed by exactly one Record or Cancel.
func (b *Breaker) Allow() error {
	if !b.cb.TryAcquirePermit() {
		return &ErrOpen{Peer: b.name}
	}
	return nil
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(success bool) {
	if success {
		b.cb.RecordSuccess()
	} else {
		b.cb.RecordFailure()
	}
}

// Cancel ends an allowed call the caller abandoned. While closed nothing
// is recorded. A half-open permit is only returned by recording, so an
// abandoned trial call counts as a failure.
func (b *Breaker) Cancel() {
	if b.cb.IsHalfOpen() {
		b.cb.RecordFailure()
	}
}
