package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/delivery/classify"
	"github.com/vietddude/tollgate/internal/infra/bus"
	"github.com/vietddude/tollgate/internal/infra/storage/memory"
)

var periodStart = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func newRecorder() (*Recorder, *memory.UsageRepo) {
	store := memory.NewMemoryStorage()
	counters := memory.NewUsageRepo(store)
	pricing := memory.NewPricingRepo(store)
	subs := memory.NewSubscriptionRepo(store)

	pricing.Put(&domain.ModelPricing{
		ProviderKey:            "openai",
		ModelKey:               "gpt-4o",
		InputPricePer1MTokens:  decimal.NewFromInt(1000),
		OutputPricePer1MTokens: decimal.NewFromInt(2000),
		ActiveFrom:             periodStart.AddDate(-1, 0, 0),
	})
	subs.Put(&domain.Subscription{
		ID:                 "sub-1",
		PlanID:             "plan-pro",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	})
	return NewRecorder(counters, pricing, subs, decimal.Zero), counters
}

func event(id string) domain.UsageEvent {
	return domain.UsageEvent{
		EventID:        id,
		SubscriptionID: "sub-1",
		ProviderKey:    "openai",
		ModelKey:       "gpt-4o",
		TokensIn:       1000,
		TokensOut:      500,
		OccurredAt:     periodStart.Add(time.Hour),
	}
}

func counterKey() domain.CounterKey {
	return domain.CounterKey{
		SubscriptionID: "sub-1",
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, 0),
		Metric:         domain.MetricCredits,
	}
}

func TestRecorder_CommitsOncePerEvent(t *testing.T) {
	r, counters := newRecorder()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Handle(ctx, "sub-1", event("evt-1")); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	c, err := counters.Get(ctx, counterKey())
	if err != nil || c == nil {
		t.Fatalf("expected counter, got %v err=%v", c, err)
	}
	// (1000*1000 + 500*2000) / 1e6 = 2
	if !c.UsedValue.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected used value 2, got %s", c.UsedValue)
	}
	if !c.ReservedBudget.IsZero() {
		t.Errorf("commit must not touch reservation, got %s", c.ReservedBudget)
	}

	if err := r.Handle(ctx, "sub-1", event("evt-2")); err != nil {
		t.Fatal(err)
	}
	c, _ = counters.Get(ctx, counterKey())
	if !c.UsedValue.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected used value 4, got %s", c.UsedValue)
	}
}

func TestRecorder_LateEventChargedToItsOwnPeriod(t *testing.T) {
	r, counters := newRecorder()
	ctx := context.Background()

	late := event("evt-sep")
	late.OccurredAt = periodStart.Add(-time.Hour)
	if err := r.Handle(ctx, "sub-1", late); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	c, err := counters.Get(ctx, counterKey())
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("current period must not be charged, got %s", c.UsedValue)
	}

	sep := domain.CounterKey{
		SubscriptionID: "sub-1",
		PeriodStart:    periodStart.AddDate(0, -1, 0),
		PeriodEnd:      periodStart,
		Metric:         domain.MetricCredits,
	}
	c, err = counters.Get(ctx, sep)
	if err != nil || c == nil {
		t.Fatalf("expected September counter, got %v err=%v", c, err)
	}
	if !c.UsedValue.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected used value 2, got %s", c.UsedValue)
	}
}

func TestRecorder_PermanentFailures(t *testing.T) {
	r, _ := newRecorder()

	noSub := event("e")
	noSub.SubscriptionID = ""
	negative := event("e")
	negative.TokensOut = -5
	unknownModel := event("e")
	unknownModel.ModelKey = "gpt-9"
	unknownSub := event("e")
	unknownSub.SubscriptionID = "sub-ghost"

	tests := []struct {
		name    string
		ev      domain.UsageEvent
		wantErr error
	}{
		{"missing event id", event(""), domain.ErrMissingValue},
		{"missing subscription", noSub, domain.ErrMissingValue},
		{"negative tokens", negative, domain.ErrInvalidArgument},
		{"unknown model", unknownModel, domain.ErrModelNotFound},
		{"unknown subscription", unknownSub, domain.ErrSubscriptionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Handle(context.Background(), "sub-1", tt.ev)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if classify.Classify(err) != classify.CategoryPermanent {
				t.Errorf("expected permanent classification for %v", err)
			}
		})
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, channel, key string, payload []byte) error {
	p.calls++
	return bus.ErrUnavailable
}

func TestEmitter_Log(t *testing.T) {
	mem := bus.NewMemory()
	defer mem.Close()
	e := NewEmitter(mem, "usage.logged")

	ev := event("")
	ev.OccurredAt = time.Time{}
	id := e.Log(context.Background(), ev)
	if id == "" {
		t.Fatal("expected generated event id")
	}

	published := mem.Published("usage.logged")
	if len(published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(published))
	}
	if published[0].Key != "sub-1" {
		t.Errorf("expected key sub-1, got %s", published[0].Key)
	}

	var got domain.UsageEvent
	if err := json.Unmarshal(published[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.EventID != id || got.OccurredAt.IsZero() {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestEmitter_LogSwallowsPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	e := NewEmitter(pub, "usage.logged")

	if id := e.Log(context.Background(), event("evt-9")); id != "evt-9" {
		t.Errorf("expected evt-9, got %s", id)
	}
	if pub.calls != 1 {
		t.Errorf("expected 1 publish attempt, got %d", pub.calls)
	}
}
