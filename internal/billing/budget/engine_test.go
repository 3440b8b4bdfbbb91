package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/storage/memory"
)

var periodStart = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	counters *memory.UsageRepo
	pricing  *memory.PricingRepo
	subs     *memory.SubscriptionRepo
	plans    *memory.PlanRepo
}

// newFixture seeds a subscription on a 1000-credit plan and a model whose
// worst case costs outPrice per 1000 output tokens.
func newFixture(outPricePer1M int64) *fixture {
	store := memory.NewMemoryStorage()
	f := &fixture{
		counters: memory.NewUsageRepo(store),
		pricing:  memory.NewPricingRepo(store),
		subs:     memory.NewSubscriptionRepo(store),
		plans:    memory.NewPlanRepo(store),
	}

	maxOut := int64(1000)
	f.pricing.Put(&domain.ModelPricing{
		ProviderKey:            "openai",
		ModelKey:               "gpt-4o",
		InputPricePer1MTokens:  decimal.Zero,
		OutputPricePer1MTokens: decimal.NewFromInt(outPricePer1M),
		MaxOutputTokens:        &maxOut,
		ActiveFrom:             periodStart.AddDate(-1, 0, 0),
	})
	f.subs.Put(&domain.Subscription{
		ID:                 "sub-1",
		PlanID:             "plan-pro",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	})
	f.plans.Put(&domain.Plan{ID: "plan-pro", IncludedCredits: decimal.NewFromInt(1000)})
	return f
}

func (f *fixture) key() domain.CounterKey {
	return domain.CounterKey{
		SubscriptionID: "sub-1",
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, 0),
		Metric:         domain.MetricCredits,
	}
}

func (f *fixture) seed(t *testing.T, used, reserved int64) {
	t.Helper()
	err := f.counters.Insert(context.Background(), &domain.UsageCounter{
		Key:            f.key(),
		UsedValue:      decimal.NewFromInt(used),
		ReservedBudget: decimal.NewFromInt(reserved),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func (f *fixture) engine(cfg Config) *Engine {
	e := NewEngine(f.counters, f.pricing, f.subs, f.plans, cfg)
	e.SetClock(func() time.Time { return periodStart.Add(time.Hour) })
	return e
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestCost(t *testing.T) {
	p := &domain.ModelPricing{
		InputPricePer1MTokens:  decimal.RequireFromString("2.5"),
		OutputPricePer1MTokens: decimal.NewFromInt(10),
	}
	// (1000*2.5 + 4096*10) / 1e6 = 0.04346
	got := Cost(p, 1000, 4096, decimal.NewFromInt(1))
	if !got.Equal(decimal.RequireFromString("0.04346")) {
		t.Errorf("expected 0.04346, got %s", got)
	}

	// Rounded to 6 places.
	got = Cost(p, 1, 0, decimal.NewFromInt(1))
	if !got.Equal(decimal.RequireFromString("0.000003")) {
		t.Errorf("expected 0.000003, got %s", got)
	}

	got = Cost(p, 1000, 4096, decimal.NewFromInt(100))
	if !got.Equal(decimal.RequireFromString("4.346")) {
		t.Errorf("expected 4.346, got %s", got)
	}
}

func TestCheckAndReserve_RejectsOverPlan(t *testing.T) {
	f := newFixture(600_000) // 1000 tokens -> 600 credits
	f.seed(t, 500, 0)

	d, err := f.engine(DefaultConfig()).CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("CheckAndReserve failed: %v", err)
	}

	if d.Approved {
		t.Fatal("expected rejection")
	}
	if !d.UsedValue.Equal(dec(500)) || !d.ReservedBudget.Equal(dec(0)) ||
		!d.EstimatedCost.Equal(dec(600)) || !d.IncludedCredits.Equal(dec(1000)) {
		t.Errorf("expected Rejected(500, 0, 600, 1000), got %+v", d)
	}

	c, _ := f.counters.Get(context.Background(), f.key())
	if !c.ReservedBudget.IsZero() || !c.UsedValue.Equal(dec(500)) {
		t.Errorf("rejection must not mutate the counter, got %+v", c)
	}
}

func TestCheckAndReserve_ApprovesWithinPlan(t *testing.T) {
	f := newFixture(200_000) // 1000 tokens -> 200 credits
	f.seed(t, 100, 50)

	d, err := f.engine(DefaultConfig()).CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("CheckAndReserve failed: %v", err)
	}

	if !d.Approved {
		t.Fatalf("expected approval, got %+v", d)
	}
	if !d.EstimatedCost.Equal(dec(200)) || !d.UsedValue.Equal(dec(100)) || !d.ReservedBudget.Equal(dec(250)) {
		t.Errorf("expected Approved(200, 100, 250, 1000), got %+v", d)
	}

	c, _ := f.counters.Get(context.Background(), f.key())
	if !c.ReservedBudget.Equal(dec(250)) {
		t.Errorf("expected stored reserved budget 250, got %s", c.ReservedBudget)
	}
}

func TestCheckAndReserve_ExactlyAtLimitApproves(t *testing.T) {
	f := newFixture(500_000)
	f.seed(t, 500, 0)

	d, err := f.engine(DefaultConfig()).CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Approved {
		t.Errorf("totalPending == includedCredits must be approved, got %+v", d)
	}
}

func TestCheckAndReserve_CreatesCounterLazily(t *testing.T) {
	f := newFixture(200_000)

	d, err := f.engine(DefaultConfig()).CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Approved || !d.UsedValue.IsZero() || !d.ReservedBudget.Equal(dec(200)) {
		t.Errorf("unexpected decision %+v", d)
	}

	c, _ := f.counters.Get(context.Background(), f.key())
	if c == nil || !c.ReservedBudget.Equal(dec(200)) {
		t.Errorf("expected counter created with 200 reserved, got %+v", c)
	}
}

func TestCheckAndReserve_DefaultMaxOutputTokens(t *testing.T) {
	f := newFixture(0)
	f.pricing.Put(&domain.ModelPricing{
		ProviderKey:            "anthropic",
		ModelKey:               "uncapped",
		InputPricePer1MTokens:  dec(1000),
		OutputPricePer1MTokens: dec(100),
		ActiveFrom:             periodStart.AddDate(-1, 0, 0),
	})

	d, err := f.engine(DefaultConfig()).CheckAndReserve(context.Background(), "sub-1", "anthropic", "uncapped", 1000)
	if err != nil {
		t.Fatal(err)
	}
	// (1000*1000 + 4096*100) / 1e6 = 1.4096
	if !d.EstimatedCost.Equal(decimal.RequireFromString("1.4096")) {
		t.Errorf("expected 1.4096, got %s", d.EstimatedCost)
	}
}

func TestCheckAndReserve_LookupFailures(t *testing.T) {
	f := newFixture(1000)
	f.subs.Put(&domain.Subscription{ID: "sub-orphan", PlanID: "plan-gone", CurrentPeriodStart: periodStart})
	e := f.engine(DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		sub     string
		model   string
		tokens  int64
		wantErr error
	}{
		{"unknown model", "sub-1", "nope", 0, domain.ErrModelNotFound},
		{"unknown subscription", "sub-ghost", "gpt-4o", 0, domain.ErrSubscriptionNotFound},
		{"unknown plan", "sub-orphan", "gpt-4o", 0, domain.ErrPlanNotFound},
		{"empty subscription", "", "gpt-4o", 0, domain.ErrMissingValue},
		{"negative tokens", "sub-1", "gpt-4o", -1, domain.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CheckAndReserve(ctx, tt.sub, "openai", tt.model, tt.tokens)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// collidingRepo reports no counter on Get and loses the insert race once.
type collidingRepo struct {
	*memory.UsageRepo
	hideOnce bool
	inserts  int
	incs     int
}

func (r *collidingRepo) Get(ctx context.Context, key domain.CounterKey) (*domain.UsageCounter, error) {
	if r.hideOnce {
		r.hideOnce = false
		return nil, nil
	}
	return r.UsageRepo.Get(ctx, key)
}

func (r *collidingRepo) Insert(ctx context.Context, c *domain.UsageCounter) error {
	r.inserts++
	return r.UsageRepo.Insert(ctx, c)
}

func (r *collidingRepo) IncrementReserved(ctx context.Context, key domain.CounterKey, amount decimal.Decimal) error {
	r.incs++
	return r.UsageRepo.IncrementReserved(ctx, key, amount)
}

func TestCheckAndReserve_InsertCollisionFallsBackToIncrement(t *testing.T) {
	f := newFixture(200_000)
	f.seed(t, 0, 100) // the concurrent winner's row

	repo := &collidingRepo{UsageRepo: f.counters, hideOnce: true}
	e := NewEngine(repo, f.pricing, f.subs, f.plans, DefaultConfig())
	e.SetClock(func() time.Time { return periodStart.Add(time.Hour) })

	d, err := e.CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("CheckAndReserve failed: %v", err)
	}
	if !d.Approved {
		t.Fatalf("expected approval, got %+v", d)
	}
	if repo.inserts != 1 || repo.incs != 1 {
		t.Errorf("expected 1 insert and 1 increment, got %d and %d", repo.inserts, repo.incs)
	}

	c, _ := f.counters.Get(context.Background(), f.key())
	if !c.ReservedBudget.Equal(dec(300)) {
		t.Errorf("expected both reservations kept (300), got %s", c.ReservedBudget)
	}
}

func TestCheckAndReserve_StrictNeverOvershoots(t *testing.T) {
	f := newFixture(100_000) // 100 credits each
	cfg := DefaultConfig()
	cfg.Strict = true
	e := f.engine(cfg)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.CheckAndReserve(context.Background(), "sub-1", "openai", "gpt-4o", 0)
			if err != nil {
				t.Errorf("CheckAndReserve failed: %v", err)
				return
			}
			if d.Approved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if approved != 10 {
		t.Errorf("expected exactly 10 approvals, got %d", approved)
	}
	c, _ := f.counters.Get(context.Background(), f.key())
	if !c.ReservedBudget.Equal(dec(1000)) {
		t.Errorf("expected reserved 1000, got %s", c.ReservedBudget)
	}
}

func TestRelease(t *testing.T) {
	f := newFixture(200_000)
	f.seed(t, 100, 250)
	e := f.engine(DefaultConfig())
	ctx := context.Background()

	if err := e.Release(ctx, "sub-1", dec(200)); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	c, _ := f.counters.Get(ctx, f.key())
	if !c.ReservedBudget.Equal(dec(50)) {
		t.Errorf("expected 50 reserved, got %s", c.ReservedBudget)
	}

	// Double release clamps instead of going negative.
	if err := e.Release(ctx, "sub-1", dec(200)); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	c, _ = f.counters.Get(ctx, f.key())
	if !c.ReservedBudget.IsZero() {
		t.Errorf("expected 0 reserved after clamp, got %s", c.ReservedBudget)
	}
	if !c.UsedValue.Equal(dec(100)) {
		t.Errorf("release must not touch used value, got %s", c.UsedValue)
	}
}

func TestRelease_Errors(t *testing.T) {
	f := newFixture(200_000)
	e := f.engine(DefaultConfig())
	ctx := context.Background()

	if err := e.Release(ctx, "sub-1", dec(10)); !errors.Is(err, domain.ErrCounterNotFound) {
		t.Errorf("expected ErrCounterNotFound, got %v", err)
	}
	if err := e.Release(ctx, "sub-ghost", dec(10)); !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := e.Release(ctx, "sub-1", dec(-1)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
