package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric identifies what a usage counter measures.
type Metric string

const (
	MetricCredits Metric = "CREDITS"
	MetricStorage Metric = "STORAGE"
)

// CounterKey uniquely identifies a usage counter row.
type CounterKey struct {
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Metric         Metric
}

// UsageCounter is the per-period ledger of committed and reserved consumption.
type UsageCounter struct {
	Key            CounterKey
	UsedValue      decimal.Decimal
	ReservedBudget decimal.Decimal
	UpdatedAt      time.Time
}

// ModelPricing is the active price list entry for a provider model.
type ModelPricing struct {
	ProviderKey            string          `json:"provider_key"`
	ModelKey               string          `json:"model_key"`
	InputPricePer1MTokens  decimal.Decimal `json:"input_price_per_1m_tokens"`
	OutputPricePer1MTokens decimal.Decimal `json:"output_price_per_1m_tokens"`
	MaxOutputTokens        *int64          `json:"max_output_tokens,omitempty"`
	ActiveFrom             time.Time       `json:"active_from"`
	ActiveTo               *time.Time      `json:"active_to,omitempty"`
}

// ActiveAt reports whether the price entry applies at t.
func (p *ModelPricing) ActiveAt(t time.Time) bool {
	if t.Before(p.ActiveFrom) {
		return false
	}
	return p.ActiveTo == nil || t.Before(*p.ActiveTo)
}

// Subscription links a workspace to a plan and its current billing period.
type Subscription struct {
	ID                 string    `json:"id"`
	PlanID             string    `json:"plan_id"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
}

// CounterKey returns the counter key for the current period and metric.
func (s *Subscription) CounterKey(metric Metric) CounterKey {
	return CounterKey{
		SubscriptionID: s.ID,
		PeriodStart:    s.CurrentPeriodStart,
		PeriodEnd:      s.CurrentPeriodEnd,
		Metric:         metric,
	}
}

// CounterKeyAt returns the counter key for the period containing t. Periods
// before or after the current one repeat its length: whole months when the
// current period spans whole months, its exact duration otherwise.
func (s *Subscription) CounterKeyAt(metric Metric, t time.Time) CounterKey {
	start, end := s.PeriodAt(t)
	return CounterKey{
		SubscriptionID: s.ID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Metric:         metric,
	}
}

// PeriodAt returns the billing period that contains t.
func (s *Subscription) PeriodAt(t time.Time) (start, end time.Time) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if !end.After(start) || (!t.Before(start) && t.Before(end)) {
		return start, end
	}

	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	if months > 0 && start.AddDate(0, months, 0).Equal(end) {
		n := 0
		for t.Before(start.AddDate(0, n*months, 0)) {
			n--
		}
		for !t.Before(start.AddDate(0, (n+1)*months, 0)) {
			n++
		}
		return start.AddDate(0, n*months, 0), start.AddDate(0, (n+1)*months, 0)
	}

	d := end.Sub(start)
	n := t.Sub(start) / d
	if t.Before(start.Add(n * d)) {
		n--
	}
	return start.Add(n * d), start.Add((n + 1) * d)
}

// Plan holds the credit ceiling for a billing period.
type Plan struct {
	ID              string          `json:"id"`
	IncludedCredits decimal.Decimal `json:"included_credits"`
}

// UsageEvent records tokens actually consumed by a metered call.
type UsageEvent struct {
	EventID        string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id"`
	ProviderKey    string    `json:"provider_key"`
	ModelKey       string    `json:"model_key"`
	TokensIn       int64     `json:"tokens_in"`
	TokensOut      int64     `json:"tokens_out"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// SubscriptionChanged is published whenever a subscription or its plan changes.
type SubscriptionChanged struct {
	SubscriptionID string    `json:"subscription_id"`
	PlanID         string    `json:"plan_id"`
	ChangedAt      time.Time `json:"changed_at"`
}
