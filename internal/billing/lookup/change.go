package lookup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/cache"
)

// ChangeHandler evicts cached entries when a subscription changes.
type ChangeHandler struct {
	cache cache.Cache
}

// NewChangeHandler creates a handler evicting from c.
func NewChangeHandler(c cache.Cache) *ChangeHandler {
	return &ChangeHandler{cache: c}
}

// Handle processes one SubscriptionChanged event.
func (h *ChangeHandler) Handle(ctx context.Context, key string, ev domain.SubscriptionChanged) error {
	if ev.SubscriptionID == "" {
		return fmt.Errorf("subscriptionId must not be null: %w", domain.ErrMissingValue)
	}

	if err := h.cache.Evict(ctx, SubscriptionKey(ev.SubscriptionID)); err != nil {
		return fmt.Errorf("failed to evict subscription %s: %w", ev.SubscriptionID, err)
	}
	if ev.PlanID != "" {
		if err := h.cache.Evict(ctx, PlanKey(ev.PlanID)); err != nil {
			return fmt.Errorf("failed to evict plan %s: %w", ev.PlanID, err)
		}
	}

	slog.Debug("Evicted subscription cache", "subscription", ev.SubscriptionID, "plan", ev.PlanID)
	return nil
}
