package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vietddude/tollgate/internal/core/domain"
)

// UnitOfWork bundles persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// InsertUsageLog records a usage event. Returns false if the event ID was
// already recorded.
func (u *UnitOfWork) InsertUsageLog(
	ctx context.Context,
	event *domain.UsageEvent,
	cost decimal.Decimal,
) (bool, error) {
	query := `
		INSERT INTO usage_logs (event_id, subscription_id, provider_key, model_key, tokens_in, tokens_out, cost, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := u.tx.ExecContext(
		ctx,
		query,
		event.EventID,
		event.SubscriptionID,
		event.ProviderKey,
		event.ModelKey,
		event.TokensIn,
		event.TokensOut,
		cost,
		event.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// AddUsed adds amount to the counter's used value, creating the row if needed.
func (u *UnitOfWork) AddUsed(ctx context.Context, key domain.CounterKey, amount decimal.Decimal) error {
	query := `
		INSERT INTO usage_counters (subscription_id, period_start, period_end, metric, used_value, reserved_budget, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW())
		ON CONFLICT (subscription_id, period_start, period_end, metric)
		DO UPDATE SET used_value = usage_counters.used_value + EXCLUDED.used_value, updated_at = NOW()
	`
	_, err := u.tx.ExecContext(
		ctx,
		query,
		key.SubscriptionID,
		key.PeriodStart,
		key.PeriodEnd,
		string(key.Metric),
		amount,
	)
	if err != nil {
		return fmt.Errorf("failed to add used value: %w", err)
	}
	return nil
}
