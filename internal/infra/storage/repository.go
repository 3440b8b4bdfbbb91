package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
)

// UsageCounterRepository handles the per-period usage ledger
type UsageCounterRepository interface {
	// Get retrieves a counter, or nil when the row does not exist yet
	Get(ctx context.Context, key domain.CounterKey) (*domain.UsageCounter, error)

	// Insert creates a counter row. Returns domain.ErrCounterExists on a unique-key collision
	Insert(ctx context.Context, counter *domain.UsageCounter) error

	// IncrementReserved atomically adds amount to the reserved budget
	IncrementReserved(ctx context.Context, key domain.CounterKey, amount decimal.Decimal) error

	// ReserveWithin atomically adds amount to the reserved budget only while
	// used + reserved + amount stays within limit, creating the row if needed
	ReserveWithin(
		ctx context.Context,
		key domain.CounterKey,
		amount decimal.Decimal,
		limit decimal.Decimal,
	) (bool, error)

	// ReleaseReserved atomically subtracts amount from the reserved budget,
	// clamping at zero. clamped reports whether the clamp applied
	ReleaseReserved(
		ctx context.Context,
		key domain.CounterKey,
		amount decimal.Decimal,
	) (clamped bool, err error)

	// CommitUsage records a usage event and adds cost to the used value,
	// once per event ID. Returns false when the event was already recorded
	CommitUsage(
		ctx context.Context,
		event *domain.UsageEvent,
		key domain.CounterKey,
		cost decimal.Decimal,
	) (bool, error)
}

// PricingRepository looks up model prices
type PricingRepository interface {
	// GetActive returns the price entry active at the given time
	GetActive(ctx context.Context, providerKey, modelKey string, at time.Time) (*domain.ModelPricing, error)
}

// SubscriptionRepository looks up subscriptions
type SubscriptionRepository interface {
	Get(ctx context.Context, id string) (*domain.Subscription, error)
}

// PlanRepository looks up plans
type PlanRepository interface {
	Get(ctx context.Context, id string) (*domain.Plan, error)
}

// UsageLogPruner removes old usage log rows
type UsageLogPruner interface {
	// DeleteUsageLogsOlderThan deletes logs of events that occurred before the cutoff
	DeleteUsageLogsOlderThan(ctx context.Context, before time.Time) (int64, error)
}
