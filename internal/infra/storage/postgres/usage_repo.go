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

// UsageRepo implements storage.UsageCounterRepository using PostgreSQL.
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new PostgreSQL usage counter repository.
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

type counterRow struct {
	SubscriptionID string          `db:"subscription_id"`
	PeriodStart    time.Time       `db:"period_start"`
	PeriodEnd      time.Time       `db:"period_end"`
	Metric         string          `db:"metric"`
	UsedValue      decimal.Decimal `db:"used_value"`
	ReservedBudget decimal.Decimal `db:"reserved_budget"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Get returns the counter for key, or nil if no row exists.
func (r *UsageRepo) Get(ctx context.Context, key domain.CounterKey) (*domain.UsageCounter, error) {
	query := `
		SELECT subscription_id, period_start, period_end, metric, used_value, reserved_budget, updated_at
		FROM usage_counters
		WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3 AND metric = $4
	`
	var row counterRow
	err := r.db.GetContext(ctx, &row, query, key.SubscriptionID, key.PeriodStart, key.PeriodEnd, string(key.Metric))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage counter: %w", err)
	}

	return &domain.UsageCounter{
		Key: domain.CounterKey{
			SubscriptionID: row.SubscriptionID,
			PeriodStart:    row.PeriodStart,
			PeriodEnd:      row.PeriodEnd,
			Metric:         domain.Metric(row.Metric),
		},
		UsedValue:      row.UsedValue,
		ReservedBudget: row.ReservedBudget,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// Insert creates the counter row.
func (r *UsageRepo) Insert(ctx context.Context, counter *domain.UsageCounter) error {
	query := `
		INSERT INTO usage_counters (subscription_id, period_start, period_end, metric, used_value, reserved_budget, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		counter.Key.SubscriptionID,
		counter.Key.PeriodStart,
		counter.Key.PeriodEnd,
		string(counter.Key.Metric),
		counter.UsedValue,
		counter.ReservedBudget,
	)
	if isUniqueViolation(err) {
		return domain.ErrCounterExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert usage counter: %w", err)
	}
	return nil
}

// IncrementReserved adds amount to the reserved budget in one statement.
func (r *UsageRepo) IncrementReserved(ctx context.Context, key domain.CounterKey, amount decimal.Decimal) error {
	query := `
		UPDATE usage_counters
		SET reserved_budget = reserved_budget + $5, updated_at = NOW()
		WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3 AND metric = $4
	`
	res, err := r.db.ExecContext(ctx, query, key.SubscriptionID, key.PeriodStart, key.PeriodEnd, string(key.Metric), amount)
	if err != nil {
		return fmt.Errorf("failed to increment reserved budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrCounterNotFound
	}
	return nil
}

// ReserveWithin performs the conditional reservation as a single upsert whose
// update only applies while the ceiling holds.
func (r *UsageRepo) ReserveWithin(
	ctx context.Context,
	key domain.CounterKey,
	amount, limit decimal.Decimal,
) (bool, error) {
	query := `
		INSERT INTO usage_counters (subscription_id, period_start, period_end, metric, used_value, reserved_budget, updated_at)
		SELECT $1::text, $2::timestamptz, $3::timestamptz, $4::text, 0, $5::numeric, NOW()
		WHERE $5::numeric <= $6::numeric
		ON CONFLICT (subscription_id, period_start, period_end, metric)
		DO UPDATE SET reserved_budget = usage_counters.reserved_budget + EXCLUDED.reserved_budget, updated_at = NOW()
		WHERE usage_counters.used_value + usage_counters.reserved_budget + EXCLUDED.reserved_budget <= $6::numeric
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		key.SubscriptionID,
		key.PeriodStart,
		key.PeriodEnd,
		string(key.Metric),
		amount,
		limit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseReserved subtracts amount from the reserved budget, never below zero.
func (r *UsageRepo) ReleaseReserved(
	ctx context.Context,
	key domain.CounterKey,
	amount decimal.Decimal,
) (bool, error) {
	query := `
		WITH prev AS (
			SELECT reserved_budget
			FROM usage_counters
			WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3 AND metric = $4
			FOR UPDATE
		)
		UPDATE usage_counters
		SET reserved_budget = GREATEST(usage_counters.reserved_budget - $5, 0), updated_at = NOW()
		FROM prev
		WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3 AND metric = $4
		RETURNING prev.reserved_budget
	`
	var previous decimal.Decimal
	err := r.db.GetContext(ctx, &previous, query, key.SubscriptionID, key.PeriodStart, key.PeriodEnd, string(key.Metric), amount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrCounterNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to release reserved budget: %w", err)
	}
	return previous.LessThan(amount), nil
}

// CommitUsage records the usage log row and the used value in one transaction.
func (r *UsageRepo) CommitUsage(
	ctx context.Context,
	event *domain.UsageEvent,
	key domain.CounterKey,
	cost decimal.Decimal,
) (bool, error) {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = uow.Rollback() }()

	inserted, err := uow.InsertUsageLog(ctx, event, cost)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := uow.AddUsed(ctx, key, cost); err != nil {
		return false, err
	}
	if err := uow.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit usage: %w", err)
	}
	return true, nil
}

// DeleteUsageLogsOlderThan prunes the dedup log. Counters are untouched.
func (r *UsageRepo) DeleteUsageLogsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM usage_logs WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
