// Package budget reserves credits against a subscription's plan before a
// metered call and releases them afterwards.
//
// Reservation and committed usage are separate ledgers. The engine only moves
// the reserved budget; usage is committed out of band by the usage recorder.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/storage"
	"github.com/vietddude/tollgate/internal/metrics"
)

// DefaultMaxOutputTokens is assumed for models that declare no output cap.
const DefaultMaxOutputTokens = 4096

// Config tunes the engine.
type Config struct {
	DefaultMaxOutputTokens int64
	CreditsPerUnit         decimal.Decimal
	// Strict reserves with a single conditional update, so concurrent
	// reservations can never overshoot the plan.
	Strict bool
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		DefaultMaxOutputTokens: DefaultMaxOutputTokens,
		CreditsPerUnit:         decimal.NewFromInt(1),
	}
}

// Decision is the outcome of a reservation check. A rejection is a value,
// not an error.
type Decision struct {
	Approved        bool
	EstimatedCost   decimal.Decimal
	UsedValue       decimal.Decimal
	ReservedBudget  decimal.Decimal
	IncludedCredits decimal.Decimal
}

// Engine implements check-and-reserve and release.
type Engine struct {
	counters storage.UsageCounterRepository
	pricing  storage.PricingRepository
	subs     storage.SubscriptionRepository
	plans    storage.PlanRepository
	cfg      Config
	now      func() time.Time
}

// NewEngine creates an engine.
func NewEngine(
	counters storage.UsageCounterRepository,
	pricing storage.PricingRepository,
	subs storage.SubscriptionRepository,
	plans storage.PlanRepository,
	cfg Config,
) *Engine {
	if cfg.DefaultMaxOutputTokens <= 0 {
		cfg.DefaultMaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.CreditsPerUnit.IsZero() {
		cfg.CreditsPerUnit = decimal.NewFromInt(1)
	}
	return &Engine{
		counters: counters,
		pricing:  pricing,
		subs:     subs,
		plans:    plans,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for pricing lookups.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// CheckAndReserve prices the worst case of a call and reserves it when the
// subscription's plan still covers it.
func (e *Engine) CheckAndReserve(
	ctx context.Context,
	subscriptionID, providerKey, modelKey string,
	inputTokens int64,
) (Decision, error) {
	if subscriptionID == "" {
		return Decision{}, fmt.Errorf("subscriptionId must not be null: %w", domain.ErrMissingValue)
	}
	if inputTokens < 0 {
		return Decision{}, fmt.Errorf("inputTokens %d: %w", inputTokens, domain.ErrInvalidArgument)
	}

	pricing, err := e.pricing.GetActive(ctx, providerKey, modelKey, e.now())
	if err != nil {
		return Decision{}, err
	}
	sub, err := e.subs.Get(ctx, subscriptionID)
	if err != nil {
		return Decision{}, err
	}
	plan, err := e.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return Decision{}, err
	}

	maxOut := e.cfg.DefaultMaxOutputTokens
	if pricing.MaxOutputTokens != nil {
		maxOut = *pricing.MaxOutputTokens
	}
	cost := Cost(pricing, inputTokens, maxOut, e.cfg.CreditsPerUnit)

	key := sub.CounterKey(domain.MetricCredits)
	counter, err := e.counters.Get(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load usage counter: %w", err)
	}

	used, reserved := decimal.Zero, decimal.Zero
	if counter != nil {
		used, reserved = counter.UsedValue, counter.ReservedBudget
	}

	decision := Decision{
		EstimatedCost:   cost,
		UsedValue:       used,
		ReservedBudget:  reserved,
		IncludedCredits: plan.IncludedCredits,
	}

	totalPending := used.Add(reserved).Add(cost)
	if totalPending.GreaterThan(plan.IncludedCredits) {
		e.reject(subscriptionID, decision)
		return decision, nil
	}

	if e.cfg.Strict {
		granted, err := e.counters.ReserveWithin(ctx, key, cost, plan.IncludedCredits)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to reserve budget: %w", err)
		}
		if !granted {
			// Lost to a concurrent reservation; report the state that beat us.
			if latest, err := e.counters.Get(ctx, key); err == nil && latest != nil {
				decision.UsedValue = latest.UsedValue
				decision.ReservedBudget = latest.ReservedBudget
			}
			e.reject(subscriptionID, decision)
			return decision, nil
		}
	} else if err := e.reserve(ctx, counter, key, cost); err != nil {
		return Decision{}, err
	}

	decision.Approved = true
	decision.ReservedBudget = reserved.Add(cost)

	metrics.BudgetDecisions.WithLabelValues("approved").Inc()
	metrics.BudgetReservedCredits.Add(cost.InexactFloat64())
	slog.Debug("Budget reserved",
		"subscription", subscriptionID,
		"model", providerKey+"/"+modelKey,
		"cost", cost.String(),
		"reserved", decision.ReservedBudget.String(),
	)
	return decision, nil
}

// reserve adds cost to the counter, creating it lazily. A concurrent insert
// of the same row is absorbed by incrementing the winner's row.
func (e *Engine) reserve(ctx context.Context, existing *domain.UsageCounter, key domain.CounterKey, cost decimal.Decimal) error {
	if existing != nil {
		if err := e.counters.IncrementReserved(ctx, key, cost); err != nil {
			return fmt.Errorf("failed to increment reserved budget: %w", err)
		}
		return nil
	}

	err := e.counters.Insert(ctx, &domain.UsageCounter{
		Key:            key,
		UsedValue:      decimal.Zero,
		ReservedBudget: cost,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrCounterExists) {
		return fmt.Errorf("failed to create usage counter: %w", err)
	}

	metrics.BudgetInsertCollisions.Inc()
	if err := e.counters.IncrementReserved(ctx, key, cost); err != nil {
		return fmt.Errorf("failed to increment reserved budget after collision: %w", err)
	}
	return nil
}

func (e *Engine) reject(subscriptionID string, d Decision) {
	metrics.BudgetDecisions.WithLabelValues("rejected").Inc()
	slog.Info("Budget rejected",
		"subscription", subscriptionID,
		"used", d.UsedValue.String(),
		"reserved", d.ReservedBudget.String(),
		"estimated", d.EstimatedCost.String(),
		"included", d.IncludedCredits.String(),
	)
}

// Release returns amount from the subscription's current reservation. The
// reserved budget never goes below zero; an over-release is clamped and
// logged.
func (e *Engine) Release(ctx context.Context, subscriptionID string, amount decimal.Decimal) error {
	if subscriptionID == "" {
		return fmt.Errorf("subscriptionId must not be null: %w", domain.ErrMissingValue)
	}
	if amount.IsNegative() {
		return fmt.Errorf("release amount %s: %w", amount, domain.ErrInvalidArgument)
	}

	sub, err := e.subs.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}

	clamped, err := e.counters.ReleaseReserved(ctx, sub.CounterKey(domain.MetricCredits), amount)
	if err != nil {
		return fmt.Errorf("failed to release budget for %s: %w", subscriptionID, err)
	}
	if clamped {
		metrics.BudgetReleaseClamped.Inc()
		slog.Warn("Release exceeded reserved budget, clamped at zero",
			"subscription", subscriptionID,
			"amount", amount.String(),
		)
	}
	return nil
}
