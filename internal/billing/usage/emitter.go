// Package usage logs tokens actually consumed by metered calls and commits
// them into the usage ledger.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/bus"
	"github.com/vietddude/tollgate/internal/metrics"
)

// Emitter publishes usage events to the usage source channel.
type Emitter struct {
	pub     bus.Publisher
	channel string
	now     func() time.Time
}

// NewEmitter creates an emitter publishing to channel.
func NewEmitter(pub bus.Publisher, channel string) *Emitter {
	return &Emitter{pub: pub, channel: channel, now: time.Now}
}

// Log publishes ev keyed by subscription. Publishing is fire-and-forget: a
// failure is logged and counted, never returned to the metered call. It
// returns the event ID, assigning one when ev has none.
func (e *Emitter) Log(ctx context.Context, ev domain.UsageEvent) string {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode usage event", "event", ev.EventID, "error", err)
		return ev.EventID
	}

	if err := e.pub.Publish(ctx, e.channel, ev.SubscriptionID, payload); err != nil {
		metrics.PublishErrors.WithLabelValues(e.channel).Inc()
		slog.Error("Failed to publish usage event",
			"event", ev.EventID,
			"subscription", ev.SubscriptionID,
			"channel", e.channel,
			"error", err,
		)
	}
	return ev.EventID
}
