package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the publish circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// Breaker stops hammering an unhealthy bus. While open, Publish fails fast with
// ErrUnavailable, which the classifier treats as transient.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(name string, next Publisher, cfg BreakerConfig) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Bus circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Publish forwards to the wrapped publisher unless the circuit is open.
func (b *Breaker) Publish(ctx context.Context, channel, key string, payload []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, channel, key, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, b.cb.Name(), err)
	}
	return err
}

// State reports the breaker state, for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Guarded is a Bus whose publishes go through a Breaker.
type Guarded struct {
	*Breaker
	inner Bus
}

// Guard wraps inner's publish path with a circuit breaker.
func Guard(name string, inner Bus, cfg BreakerConfig) *Guarded {
	return &Guarded{
		Breaker: NewBreaker(name, inner, cfg),
		inner:   inner,
	}
}

func (g *Guarded) Consume(ctx context.Context, channel string) (<-chan Message, error) {
	return g.inner.Consume(ctx, channel)
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
