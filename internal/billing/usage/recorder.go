package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/billing/budget"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/storage"
	"github.com/vietddude/tollgate/internal/metrics"
)

// Recorder commits usage events into the subscription's used value. It is the
// business handler behind the usage channel and is idempotent per event ID.
// The reservation is left alone; callers release it separately.
type Recorder struct {
	counters       storage.UsageCounterRepository
	pricing        storage.PricingRepository
	subs           storage.SubscriptionRepository
	creditsPerUnit decimal.Decimal
}

// NewRecorder creates a recorder.
func NewRecorder(
	counters storage.UsageCounterRepository,
	pricing storage.PricingRepository,
	subs storage.SubscriptionRepository,
	creditsPerUnit decimal.Decimal,
) *Recorder {
	if creditsPerUnit.IsZero() {
		creditsPerUnit = decimal.NewFromInt(1)
	}
	return &Recorder{
		counters:       counters,
		pricing:        pricing,
		subs:           subs,
		creditsPerUnit: creditsPerUnit,
	}
}

// Handle prices ev at its actual token counts and commits it.
func (r *Recorder) Handle(ctx context.Context, key string, ev domain.UsageEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	pricing, err := r.pricing.GetActive(ctx, ev.ProviderKey, ev.ModelKey, ev.OccurredAt)
	if err != nil {
		return err
	}
	sub, err := r.subs.Get(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	cost := budget.Cost(pricing, ev.TokensIn, ev.TokensOut, r.creditsPerUnit)
	// Charged to the period the usage happened in, even when delivered late.
	counterKey := sub.CounterKeyAt(domain.MetricCredits, ev.OccurredAt)
	inserted, err := r.counters.CommitUsage(ctx, &ev, counterKey, cost)
	if err != nil {
		return fmt.Errorf("failed to commit usage %s: %w", ev.EventID, err)
	}
	if !inserted {
		slog.Debug("Usage event already committed", "event", ev.EventID)
		return nil
	}

	metrics.UsageCommitted.Add(cost.InexactFloat64())
	slog.Debug("Usage committed",
		"event", ev.EventID,
		"subscription", ev.SubscriptionID,
		"cost", cost.String(),
	)
	return nil
}

func validate(ev domain.UsageEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("eventId must not be null: %w", domain.ErrMissingValue)
	case ev.SubscriptionID == "":
		return fmt.Errorf("subscriptionId must not be null: %w", domain.ErrMissingValue)
	case ev.ProviderKey == "" || ev.ModelKey == "":
		return fmt.Errorf("model must not be null: %w", domain.ErrMissingValue)
	case ev.TokensIn < 0 || ev.TokensOut < 0:
		return fmt.Errorf("negative token count %d/%d: %w", ev.TokensIn, ev.TokensOut, domain.ErrInvalidArgument)
	case ev.OccurredAt.IsZero():
		return fmt.Errorf("occurredAt must not be null: %w", domain.ErrMissingValue)
	}
	return nil
}
