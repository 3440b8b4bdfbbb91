// Package lookup provides read-through cached access to subscriptions and plans.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/cache"
	"github.com/vietddude/tollgate/internal/infra/storage"
	"github.com/vietddude/tollgate/internal/metrics"
)

// DefaultTTL is used when no cache TTL is configured.
const DefaultTTL = 5 * time.Minute

// SubscriptionKey is the cache key of a subscription.
func SubscriptionKey(id string) string { return "sub:" + id }

// PlanKey is the cache key of a plan.
func PlanKey(id string) string { return "plan:" + id }

// Subscriptions is a cached storage.SubscriptionRepository.
type Subscriptions struct {
	repo  storage.SubscriptionRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewSubscriptions wraps repo with cache.
func NewSubscriptions(repo storage.SubscriptionRepository, c cache.Cache, ttl time.Duration) *Subscriptions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Subscriptions{repo: repo, cache: c, ttl: ttl}
}

func (s *Subscriptions) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return readThrough(ctx, s.cache, "subscription", SubscriptionKey(id), s.ttl, func() (*domain.Subscription, error) {
		return s.repo.Get(ctx, id)
	})
}

// Plans is a cached storage.PlanRepository.
type Plans struct {
	repo  storage.PlanRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewPlans wraps repo with cache.
func NewPlans(repo storage.PlanRepository, c cache.Cache, ttl time.Duration) *Plans {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Plans{repo: repo, cache: c, ttl: ttl}
}

func (p *Plans) Get(ctx context.Context, id string) (*domain.Plan, error) {
	return readThrough(ctx, p.cache, "plan", PlanKey(id), p.ttl, func() (*domain.Plan, error) {
		return p.repo.Get(ctx, id)
	})
}

// readThrough serves key from the cache or loads and stores it. Cache failures
// degrade to a direct load; they never fail the lookup.
func readThrough[T any](
	ctx context.Context,
	c cache.Cache,
	kind, key string,
	ttl time.Duration,
	load func() (*T, error),
) (*T, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		slog.Warn("Cache get failed", "key", key, "error", err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
			return &v, nil
		}
		slog.Warn("Dropping undecodable cache entry", "key", key)
		_ = c.Evict(ctx, key)
	}
	metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()

	v, err := load()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	if err := c.Put(ctx, key, data, ttl); err != nil {
		slog.Warn("Cache put failed", "key", key, "error", err)
	}
	return v, nil
}
