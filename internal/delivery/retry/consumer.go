package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/delivery/classify"
	"github.com/vietddude/tollgate/internal/metrics"
)

// Consumer handles freshly delivered events.
type Consumer[T any] struct {
	channel   string
	handler   Handler[T]
	publisher EnvelopePublisher[T]
	policy    Policy
	now       Clock
	log       *slog.Logger
}

// NewConsumer creates a consumer for events arriving on channel.
func NewConsumer[T any](
	channel string,
	handler Handler[T],
	publisher EnvelopePublisher[T],
	policy Policy,
) *Consumer[T] {
	return &Consumer[T]{
		channel:   channel,
		handler:   handler,
		publisher: publisher,
		policy:    policy.normalized(),
		now:       time.Now,
		log:       slog.Default().With("component", "consumer", "channel", channel),
	}
}

// SetClock overrides the time source.
func (c *Consumer[T]) SetClock(now Clock) {
	c.now = now
}

// Handle runs the business handler once. A failure is wrapped in a first
// attempt envelope and routed by classification: permanent failures go
// straight to quarantine, the rest to the retry channel.
//
// The returned error is non-nil only when the envelope could not be emitted;
// the caller must then leave the delivery unacknowledged.
func (c *Consumer[T]) Handle(ctx context.Context, key string, event T) error {
	handleErr := c.handler(ctx, key, event)
	if handleErr == nil {
		metrics.EventsHandled.WithLabelValues(c.channel, "success").Inc()
		return nil
	}

	env := domain.NewEnvelope(key, c.channel, event, handleErr, c.now())

	if c.policy.Classifier(handleErr) == classify.CategoryPermanent {
		if err := c.publisher.PublishQuarantine(ctx, env); err != nil {
			metrics.PublishErrors.WithLabelValues(c.channel).Inc()
			return fmt.Errorf("failed to quarantine event %s: %w", key, err)
		}
		metrics.EventsHandled.WithLabelValues(c.channel, "quarantined").Inc()
		metrics.EnvelopesQuarantined.WithLabelValues(c.channel, string(classify.CategoryPermanent)).Inc()
		metrics.QuarantineAttempts.WithLabelValues(c.channel).Observe(float64(env.AttemptCount))
		c.log.Warn("Event quarantined on first failure",
			"key", key, "error", handleErr, "error_class", env.ErrorClassName)
		return nil
	}

	if err := c.publisher.PublishRetry(ctx, env); err != nil {
		metrics.PublishErrors.WithLabelValues(c.channel).Inc()
		return fmt.Errorf("failed to requeue event %s: %w", key, err)
	}
	metrics.EventsHandled.WithLabelValues(c.channel, "retry").Inc()
	c.log.Info("Event scheduled for retry", "key", key, "error", handleErr)
	return nil
}
