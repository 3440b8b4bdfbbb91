package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/tollgate/internal/infra/storage"
)

// Pruner deletes usage logs past the retention period. Logs only serve
// deduplication of redelivered usage events, so the retention must outlast
// any realistic redelivery.
type Pruner struct {
	retention time.Duration
	repo      storage.UsageLogPruner
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.UsageLogPruner) *Pruner {
	return &Pruner{
		retention: retention,
		repo:      repo,
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)

	n, err := p.repo.DeleteUsageLogsOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to prune usage logs", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Pruned usage logs", "count", n, "cutoff", cutoff)
	}
	return n
}
