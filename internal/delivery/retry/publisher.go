package retry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/bus"
)

// Channels names the three channels of one subsystem.
type Channels struct {
	Source     string `yaml:"source"`
	Retry      string `yaml:"retry"`
	Quarantine string `yaml:"quarantine"`
}

// WithDefaults fills missing retry and quarantine names from Source.
func (c Channels) WithDefaults() Channels {
	if c.Retry == "" {
		c.Retry = c.Source + ".retry"
	}
	if c.Quarantine == "" {
		c.Quarantine = c.Source + ".dlq"
	}
	return c
}

// EnvelopePublisher emits envelopes to the retry and quarantine channels.
type EnvelopePublisher[T any] interface {
	PublishRetry(ctx context.Context, env domain.DlqEnvelope[T]) error
	PublishQuarantine(ctx context.Context, env domain.DlqEnvelope[T]) error
}

// ChannelPublisher is the bus-backed EnvelopePublisher. Envelopes are JSON
// encoded and keyed by the original event key.
type ChannelPublisher[T any] struct {
	bus      bus.Publisher
	channels Channels
}

// NewChannelPublisher creates a publisher for one subsystem's channels.
func NewChannelPublisher[T any](b bus.Publisher, channels Channels) *ChannelPublisher[T] {
	return &ChannelPublisher[T]{
		bus:      b,
		channels: channels.WithDefaults(),
	}
}

// PublishRetry sends env back to the retry channel.
func (p *ChannelPublisher[T]) PublishRetry(ctx context.Context, env domain.DlqEnvelope[T]) error {
	return p.publish(ctx, p.channels.Retry, env)
}

// PublishQuarantine sends env to the quarantine channel.
func (p *ChannelPublisher[T]) PublishQuarantine(ctx context.Context, env domain.DlqEnvelope[T]) error {
	return p.publish(ctx, p.channels.Quarantine, env)
}

func (p *ChannelPublisher[T]) publish(ctx context.Context, channel string, env domain.DlqEnvelope[T]) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.bus.Publish(ctx, channel, env.Key, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}
