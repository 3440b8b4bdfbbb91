package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/tollgate/internal/core/domain"
)

// PricingRepo implements storage.PricingRepository using PostgreSQL.
type PricingRepo struct {
	db *DB
}

// NewPricingRepo creates a new PostgreSQL pricing repository.
func NewPricingRepo(db *DB) *PricingRepo {
	return &PricingRepo{db: db}
}

// GetActive returns the most recent price entry active at the given time.
func (r *PricingRepo) GetActive(
	ctx context.Context,
	providerKey, modelKey string,
	at time.Time,
) (*domain.ModelPricing, error) {
	query := `
		SELECT provider_key, model_key, input_price_per_1m_tokens, output_price_per_1m_tokens,
		       max_output_tokens, active_from, active_to
		FROM model_pricing
		WHERE provider_key = $1 AND model_key = $2
		  AND active_from <= $3 AND (active_to IS NULL OR active_to > $3)
		ORDER BY active_from DESC
		LIMIT 1
	`
	var dest struct {
		ProviderKey     string          `db:"provider_key"`
		ModelKey        string          `db:"model_key"`
		InputPrice      decimal.Decimal `db:"input_price_per_1m_tokens"`
		OutputPrice     decimal.Decimal `db:"output_price_per_1m_tokens"`
		MaxOutputTokens sql.NullInt64   `db:"max_output_tokens"`
		ActiveFrom      time.Time       `db:"active_from"`
		ActiveTo        sql.NullTime    `db:"active_to"`
	}

	err := r.db.GetContext(ctx, &dest, query, providerKey, modelKey, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrModelNotFound, providerKey, modelKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model pricing: %w", err)
	}

	pricing := &domain.ModelPricing{
		ProviderKey:            dest.ProviderKey,
		ModelKey:               dest.ModelKey,
		InputPricePer1MTokens:  dest.InputPrice,
		OutputPricePer1MTokens: dest.OutputPrice,
		ActiveFrom:             dest.ActiveFrom,
	}
	if dest.MaxOutputTokens.Valid {
		v := dest.MaxOutputTokens.Int64
		pricing.MaxOutputTokens = &v
	}
	if dest.ActiveTo.Valid {
		v := dest.ActiveTo.Time
		pricing.ActiveTo = &v
	}
	return pricing, nil
}

// SubscriptionRepo implements storage.SubscriptionRepository using PostgreSQL.
type SubscriptionRepo struct {
	db *DB
}

// NewSubscriptionRepo creates a new PostgreSQL subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// Get returns the subscription by ID.
func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `
		SELECT id, plan_id, current_period_start, current_period_end
		FROM subscriptions
		WHERE id = $1
	`
	var dest struct {
		ID                 string    `db:"id"`
		PlanID             string    `db:"plan_id"`
		CurrentPeriodStart time.Time `db:"current_period_start"`
		CurrentPeriodEnd   time.Time `db:"current_period_end"`
	}

	err := r.db.GetContext(ctx, &dest, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &domain.Subscription{
		ID:                 dest.ID,
		PlanID:             dest.PlanID,
		CurrentPeriodStart: dest.CurrentPeriodStart,
		CurrentPeriodEnd:   dest.CurrentPeriodEnd,
	}, nil
}

// PlanRepo implements storage.PlanRepository using PostgreSQL.
type PlanRepo struct {
	db *DB
}

// NewPlanRepo creates a new PostgreSQL plan repository.
func NewPlanRepo(db *DB) *PlanRepo {
	return &PlanRepo{db: db}
}

// Get returns the plan by ID.
func (r *PlanRepo) Get(ctx context.Context, id string) (*domain.Plan, error) {
	query := `SELECT id, included_credits FROM plans WHERE id = $1`

	var dest struct {
		ID              string          `db:"id"`
		IncludedCredits decimal.Decimal `db:"included_credits"`
	}

	err := r.db.GetContext(ctx, &dest, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return &domain.Plan{ID: dest.ID, IncludedCredits: dest.IncludedCredits}, nil
}
