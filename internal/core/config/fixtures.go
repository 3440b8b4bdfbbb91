package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
)

// Fixtures seed the in-memory store when no database is configured.
type Fixtures struct {
	Plans         []PlanFixture         `yaml:"plans"`
	Subscriptions []SubscriptionFixture `yaml:"subscriptions"`
	Pricing       []PricingFixture      `yaml:"pricing"`
}

type PlanFixture struct {
	ID              string `yaml:"id"`
	IncludedCredits string `yaml:"included_credits"`
}

type SubscriptionFixture struct {
	ID          string `yaml:"id"`
	PlanID      string `yaml:"plan_id"`
	PeriodStart string `yaml:"period_start"` // RFC3339, defaults to the current month
	PeriodEnd   string `yaml:"period_end"`
}

type PricingFixture struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	InputPrice      string `yaml:"input_price_per_1m"`
	OutputPrice     string `yaml:"output_price_per_1m"`
	MaxOutputTokens int64  `yaml:"max_output_tokens"` // 0 = engine default
}

func (p PlanFixture) ToDomain() (*domain.Plan, error) {
	credits, err := decimal.NewFromString(p.IncludedCredits)
	if err != nil {
		return nil, fmt.Errorf("plan %s: invalid included_credits: %w", p.ID, err)
	}
	return &domain.Plan{ID: p.ID, IncludedCredits: credits}, nil
}

// ToDomain converts the fixture, defaulting the period to the calendar month
// containing now.
func (s SubscriptionFixture) ToDomain(now time.Time) (*domain.Subscription, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var err error
	if s.PeriodStart != "" {
		if start, err = time.Parse(time.RFC3339, s.PeriodStart); err != nil {
			return nil, fmt.Errorf("subscription %s: invalid period_start: %w", s.ID, err)
		}
		end = start.AddDate(0, 1, 0)
	}
	if s.PeriodEnd != "" {
		if end, err = time.Parse(time.RFC3339, s.PeriodEnd); err != nil {
			return nil, fmt.Errorf("subscription %s: invalid period_end: %w", s.ID, err)
		}
	}

	return &domain.Subscription{
		ID:                 s.ID,
		PlanID:             s.PlanID,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}, nil
}

func (p PricingFixture) ToDomain() (*domain.ModelPricing, error) {
	in, err := decimal.NewFromString(p.InputPrice)
	if err != nil {
		return nil, fmt.Errorf("pricing %s/%s: invalid input price: %w", p.Provider, p.Model, err)
	}
	out, err := decimal.NewFromString(p.OutputPrice)
	if err != nil {
		return nil, fmt.Errorf("pricing %s/%s: invalid output price: %w", p.Provider, p.Model, err)
	}

	mp := &domain.ModelPricing{
		ProviderKey:            p.Provider,
		ModelKey:               p.Model,
		InputPricePer1MTokens:  in,
		OutputPricePer1MTokens: out,
	}
	if p.MaxOutputTokens > 0 {
		maxOut := p.MaxOutputTokens
		mp.MaxOutputTokens = &maxOut
	}
	return mp, nil
}
