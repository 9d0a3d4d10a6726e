package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ptmai/mailpipe/internal/metrics"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
// It is a distinct error kind from the wrapped operation's own errors, so
// callers can branch on it with errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker state.
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

// Config holds circuit breaker settings.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig provides sensible defaults for a remote dependency.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
}

// Breaker guards calls to one flaky external dependency. Its state is shared
// by every caller targeting that dependency and is mutated under a single
// mutex. The half-open probe is single-flight: while one trial call is in
// flight, concurrent callers are rejected as if the circuit were open.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// New creates a closed breaker, filling zero config values with defaults.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Call runs the operation through the breaker. When the circuit is open and
// the recovery timeout has not elapsed, it returns ErrOpen without invoking
// the operation.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	err = op(ctx)
	b.settle(probe, err)
	return err
}

// Healthy reports whether the breaker is closed. Used by readiness probes.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateClosed
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// acquire decides whether a call may proceed, transitioning Open to HalfOpen
// lazily once the recovery timeout has elapsed. The returned flag marks the
// call as the half-open trial.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false, ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true, nil

	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}

	return false, ErrOpen
}

// settle records the outcome of a permitted call.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	// A canceled caller is shutdown noise, not a dependency verdict. The
	// state is left untouched; a canceled trial hands the probe slot to the
	// next caller.
	if errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	if probe {
		// Failed trial: restart the recovery timeout.
		b.openedAt = b.now()
		b.setState(StateOpen)
		metrics.CircuitOpenTotal.WithLabelValues(b.name).Inc()
		return
	}

	if b.state == StateClosed {
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
			metrics.CircuitOpenTotal.WithLabelValues(b.name).Inc()
		}
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s State) {
	b.state = s
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(s))
}
