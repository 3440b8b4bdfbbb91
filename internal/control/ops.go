package control

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/tollgate/internal/billing/budget"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/infra/bus"
)

// Reserve runs a budget check-and-reserve.
func (a *App) Reserve(
	ctx context.Context,
	subscriptionID, providerKey, modelKey string,
	inputTokens int64,
) (budget.Decision, error) {
	return a.engine.CheckAndReserve(ctx, subscriptionID, providerKey, modelKey, inputTokens)
}

// Release returns amount to the subscription's budget.
func (a *App) Release(ctx context.Context, subscriptionID string, amount decimal.Decimal) error {
	return a.engine.Release(ctx, subscriptionID, amount)
}

// LogUsage publishes a usage event for out-of-band commit.
func (a *App) LogUsage(ctx context.Context, ev domain.UsageEvent) string {
	return a.emitter.Log(ctx, ev)
}

// Counter returns the subscription's current-period credit counter, or nil
// when nothing was reserved or used yet.
func (a *App) Counter(ctx context.Context, subscriptionID string) (*domain.UsageCounter, error) {
	sub, err := a.repos.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return a.repos.counters.Get(ctx, sub.CounterKey(domain.MetricCredits))
}

// Quarantined lists up to limit entries of a subsystem's quarantine channel,
// newest first.
func (a *App) Quarantined(ctx context.Context, subsystem string, limit int64) ([]bus.Message, error) {
	ch, ok := a.cfg.Channels[subsystem]
	if !ok {
		return nil, fmt.Errorf("unknown subsystem %q", subsystem)
	}

	switch {
	case a.streamBus != nil:
		return a.streamBus.Peek(ctx, ch.Quarantine, limit)
	case a.memBus != nil:
		all := a.memBus.Published(ch.Quarantine)
		out := make([]bus.Message, 0, len(all))
		for i := len(all) - 1; i >= 0 && int64(len(out)) < limit; i-- {
			out = append(out, all[i])
		}
		return out, nil
	default:
		return nil, ErrPeekUnsupported
	}
}
