package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/tollgate/internal/core/domain"
)

type MemoryStorage struct {
	counters      map[domain.CounterKey]*domain.UsageCounter
	usageEvents   map[string]*domain.UsageEvent
	pricing       []*domain.ModelPricing
	subscriptions map[string]*domain.Subscription
	plans         map[string]*domain.Plan
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		counters:      make(map[domain.CounterKey]*domain.UsageCounter),
		usageEvents:   make(map[string]*domain.UsageEvent),
		subscriptions: make(map[string]*domain.Subscription),
		plans:         make(map[string]*domain.Plan),
	}
}

// normalizeKey strips monotonic clock readings and locations so equal
// instants map to the same counter.
func normalizeKey(key domain.CounterKey) domain.CounterKey {
	key.PeriodStart = key.PeriodStart.UTC().Round(0)
	key.PeriodEnd = key.PeriodEnd.UTC().Round(0)
	return key
}

// -----------------------------------------------------------------------------
// Usage Counter Repository
// -----------------------------------------------------------------------------

type UsageRepo struct {
	store *MemoryStorage
}

func NewUsageRepo(store *MemoryStorage) *UsageRepo {
	return &UsageRepo{store: store}
}

func (r *UsageRepo) Get(ctx context.Context, key domain.CounterKey) (*domain.UsageCounter, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.counters[normalizeKey(key)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *UsageRepo) Insert(ctx context.Context, counter *domain.UsageCounter) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := normalizeKey(counter.Key)
	if _, ok := r.store.counters[key]; ok {
		return domain.ErrCounterExists
	}
	cp := *counter
	cp.Key = key
	cp.UpdatedAt = time.Now()
	r.store.counters[key] = &cp
	return nil
}

func (r *UsageRepo) IncrementReserved(ctx context.Context, key domain.CounterKey, amount decimal.Decimal) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.counters[normalizeKey(key)]
	if !ok {
		return domain.ErrCounterNotFound
	}
	c.ReservedBudget = c.ReservedBudget.Add(amount)
	c.UpdatedAt = time.Now()
	return nil
}

func (r *UsageRepo) ReserveWithin(
	ctx context.Context,
	key domain.CounterKey,
	amount, limit decimal.Decimal,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key = normalizeKey(key)
	c, ok := r.store.counters[key]
	if !ok {
		if amount.GreaterThan(limit) {
			return false, nil
		}
		r.store.counters[key] = &domain.UsageCounter{
			Key:            key,
			ReservedBudget: amount,
			UpdatedAt:      time.Now(),
		}
		return true, nil
	}
	if c.UsedValue.Add(c.ReservedBudget).Add(amount).GreaterThan(limit) {
		return false, nil
	}
	c.ReservedBudget = c.ReservedBudget.Add(amount)
	c.UpdatedAt = time.Now()
	return true, nil
}

func (r *UsageRepo) ReleaseReserved(
	ctx context.Context,
	key domain.CounterKey,
	amount decimal.Decimal,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.counters[normalizeKey(key)]
	if !ok {
		return false, domain.ErrCounterNotFound
	}
	next := c.ReservedBudget.Sub(amount)
	clamped := next.IsNegative()
	if clamped {
		next = decimal.Zero
	}
	c.ReservedBudget = next
	c.UpdatedAt = time.Now()
	return clamped, nil
}

func (r *UsageRepo) CommitUsage(
	ctx context.Context,
	event *domain.UsageEvent,
	key domain.CounterKey,
	cost decimal.Decimal,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, seen := r.store.usageEvents[event.EventID]; seen {
		return false, nil
	}
	cp := *event
	r.store.usageEvents[event.EventID] = &cp

	key = normalizeKey(key)
	c, ok := r.store.counters[key]
	if !ok {
		c = &domain.UsageCounter{Key: key}
		r.store.counters[key] = c
	}
	c.UsedValue = c.UsedValue.Add(cost)
	c.UpdatedAt = time.Now()
	return true, nil
}

func (r *UsageRepo) DeleteUsageLogsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, ev := range r.store.usageEvents {
		if ev.OccurredAt.Before(before) {
			delete(r.store.usageEvents, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Pricing Repository
// -----------------------------------------------------------------------------

type PricingRepo struct {
	store *MemoryStorage
}

func NewPricingRepo(store *MemoryStorage) *PricingRepo {
	return &PricingRepo{store: store}
}

func (r *PricingRepo) Put(p *domain.ModelPricing) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *p
	r.store.pricing = append(r.store.pricing, &cp)
}

func (r *PricingRepo) GetActive(
	ctx context.Context,
	providerKey, modelKey string,
	at time.Time,
) (*domain.ModelPricing, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var found *domain.ModelPricing
	for _, p := range r.store.pricing {
		if p.ProviderKey != providerKey || p.ModelKey != modelKey || !p.ActiveAt(at) {
			continue
		}
		if found == nil || p.ActiveFrom.After(found.ActiveFrom) {
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrModelNotFound, providerKey, modelKey)
	}
	cp := *found
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Subscription Repository
// -----------------------------------------------------------------------------

type SubscriptionRepo struct {
	store *MemoryStorage
}

func NewSubscriptionRepo(store *MemoryStorage) *SubscriptionRepo {
	return &SubscriptionRepo{store: store}
}

func (r *SubscriptionRepo) Put(s *domain.Subscription) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *s
	r.store.subscriptions[s.ID] = &cp
}

func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, id)
	}
	cp := *s
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Plan Repository
// -----------------------------------------------------------------------------

type PlanRepo struct {
	store *MemoryStorage
}

func NewPlanRepo(store *MemoryStorage) *PlanRepo {
	return &PlanRepo{store: store}
}

func (r *PlanRepo) Put(p *domain.Plan) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *p
	r.store.plans[p.ID] = &cp
}

func (r *PlanRepo) Get(ctx context.Context, id string) (*domain.Plan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
	}
	cp := *p
	return &cp, nil
}
