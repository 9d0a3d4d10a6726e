package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/ptmai/mailpipe/internal/core/domain"
	"github.com/ptmai/mailpipe/internal/metrics"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	TTL           time.Duration `yaml:"ttl"`
	Jitter        *bool         `yaml:"jitter"`
}

// DefaultConfig provides sensible defaults for event handlers.
var DefaultConfig = Config{
	MaxAttempts:   5,
	BaseDelay:     250 * time.Millisecond,
	BackoffFactor: 2.0,
	MaxDelay:      30 * time.Second,
	TTL:           2 * time.Minute,
}

// Operation is the unit of work driven by a Policy.
type Operation func(ctx context.Context) error

// Context tracks the state of one logical operation across attempts.
// It is owned by the call that created it and never shared.
type Context struct {
	Attempt        int
	StartedAt      time.Time
	LastErr        error
	IdempotencyKey string
	Metadata       map[string]string
}

// NewContext creates a retry context positioned at the first attempt.
func NewContext(idempotencyKey string) *Context {
	return &Context{
		Attempt:        1,
		StartedAt:      time.Now(),
		IdempotencyKey: idempotencyKey,
	}
}

// Elapsed returns the time since the first attempt started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}

// Policy computes delays and abandonment decisions. It performs no I/O.
type Policy struct {
	cfg    Config
	jitter bool
}

// NewPolicy creates a policy, filling zero config values with defaults.
// Jitter defaults to on; an explicit false in config disables it.
func NewPolicy(cfg Config) Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig.TTL
	}
	jitter := true
	if cfg.Jitter != nil {
		jitter = *cfg.Jitter
	}
	return Policy{cfg: cfg, jitter: jitter}
}

// Config returns the effective configuration.
func (p Policy) Config() Config {
	return p.cfg
}

// Delay returns the backoff before the given attempt. The first attempt is
// never delayed. With jitter enabled the result is a uniform draw in
// [0, clamped exponential delay] ("full jitter").
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}

	if p.jitter {
		return time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed. The TTL is an
// absolute cutoff independent of attempt count.
func (p Policy) ShouldRetry(rc *Context) bool {
	if rc.Attempt >= p.cfg.MaxAttempts {
		return false
	}
	if rc.Elapsed() >= p.cfg.TTL {
		return false
	}
	return true
}

// Do runs the operation under this policy with a fresh retry context.
// The name labels metrics and the dead-letter diagnostic.
func (p Policy) Do(ctx context.Context, name string, op Operation) error {
	return p.DoWithContext(ctx, NewContext(""), name, op)
}

// DoWithContext runs the operation under this policy. Retryable failures are
// retried with backoff until success, abandonment (ExhaustedError) or context
// cancellation. Non-retryable failures propagate unchanged, immediately, and
// never consume a delay.
func (p Policy) DoWithContext(ctx context.Context, rc *Context, name string, op Operation) error {
	for {
		metrics.RetryAttemptsTotal.WithLabelValues(name).Inc()

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		rc.LastErr = err
		if !p.ShouldRetry(rc) {
			metrics.RetryExhaustedTotal.WithLabelValues(name).Inc()
			return &ExhaustedError{Last: err, Diagnostic: p.diagnostic(rc, name)}
		}

		delay := p.Delay(rc.Attempt + 1)
		rc.Attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// diagnostic builds the immutable dead-letter payload for an abandoned
// operation.
func (p Policy) diagnostic(rc *Context, name string) *domain.DeadLetter {
	meta := map[string]string{"operation": name}
	for k, v := range rc.Metadata {
		meta[k] = v
	}

	kind := ""
	msg := ""
	if rc.LastErr != nil {
		msg = rc.LastErr.Error()
		var re *RetryableError
		if errors.As(rc.LastErr, &re) && re.Err != nil {
			kind = fmt.Sprintf("%T", re.Err)
		} else {
			kind = fmt.Sprintf("%T", rc.LastErr)
		}
	}

	return &domain.DeadLetter{
		ID:               uuid.New().String(),
		AttemptCount:     rc.Attempt,
		Elapsed:          rc.Elapsed(),
		LastErrorKind:    kind,
		LastErrorMessage: msg,
		MaxAttempts:      p.cfg.MaxAttempts,
		TTL:              p.cfg.TTL,
		AbandonedAt:      time.Now().UTC(),
		IdempotencyKey:   rc.IdempotencyKey,
		Metadata:         meta,
	}
}
