// Package retry provides an exponential-backoff retry helper used by the
// tracker client when announces fail.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Operation is a unit of work that may be retried. A nil error signals
// success and stops the retry loop.
type Operation func(ctx context.Context) error

// Config configures the backoff schedule.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, next time.Duration)
}

// Option mutates a Config.
type Option func(*Config)

func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option      { return func(c *Config) { c.MaxDelay = d } }
func WithMaxElapsed(d time.Duration) Option    { return func(c *Config) { c.MaxElapsed = d } }
func WithMultiplier(m float64) Option          { return func(c *Config) { c.Multiplier = m } }

func WithOnRetry(fn func(attempt int, err error, next time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

func defaultConfig() Config {
	return Config{
		InitialDelay: 15 * time.Second,
		MaxDelay:     45 * time.Minute,
		MaxElapsed:   0, // unlimited; caller's context governs overall deadline
		Multiplier:   2.0,
	}
}

// Do runs op, retrying on error with exponential backoff and jitter until
// it succeeds or ctx is cancelled.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = cfg.MaxElapsed
	b.Multiplier = cfg.Multiplier

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err != nil && cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, b.NextBackOff())
		}
		return err
	}, backoff.WithContext(b, ctx))
}
