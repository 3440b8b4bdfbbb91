// Package control wires storage, bus, cache and the delivery pipelines into a
// running service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/tollgate/internal/billing/budget"
	"github.com/vietddude/tollgate/internal/billing/lookup"
	"github.com/vietddude/tollgate/internal/billing/usage"
	"github.com/vietddude/tollgate/internal/core/config"
	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/core/worker"
	"github.com/vietddude/tollgate/internal/delivery/classify"
	"github.com/vietddude/tollgate/internal/delivery/retry"
	"github.com/vietddude/tollgate/internal/delivery/runner"
	"github.com/vietddude/tollgate/internal/health"
	"github.com/vietddude/tollgate/internal/infra/bus"
	"github.com/vietddude/tollgate/internal/infra/cache"
	"github.com/vietddude/tollgate/internal/infra/kafka"
	redisclient "github.com/vietddude/tollgate/internal/infra/redis"
	"github.com/vietddude/tollgate/internal/infra/storage"
	"github.com/vietddude/tollgate/internal/infra/storage/memory"
	"github.com/vietddude/tollgate/internal/infra/storage/postgres"
)

// ErrPeekUnsupported is returned when the bus cannot list quarantined entries.
var ErrPeekUnsupported = errors.New("bus driver cannot list quarantined entries")

type repositories struct {
	counters storage.UsageCounterRepository
	pricing  storage.PricingRepository
	subs     storage.SubscriptionRepository
	plans    storage.PlanRepository
}

// App is the tollgate service.
type App struct {
	cfg *config.AppConfig

	store       *memory.MemoryStorage
	db          *postgres.DB
	redisClient *redisclient.Client
	rawBus      bus.Bus
	bus         *bus.Guarded
	memBus      *bus.Memory
	streamBus   *redisclient.StreamBus
	repos       repositories

	engine  *budget.Engine
	emitter *usage.Emitter

	usageRunner *runner.Runner[domain.UsageEvent]
	subRunner   *runner.Runner[domain.SubscriptionChanged]

	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewApp creates the service with all dependencies initialized. Nothing
// consumes until Start.
func NewApp(cfg *config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	ctx := context.Background()

	// 1. Storage
	if err := a.initStorage(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	// 2. Redis, cache and bus
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redisClient = client
	}

	var lookupCache cache.Cache = cache.NewMemory()
	if a.redisClient != nil {
		lookupCache = redisclient.NewCache(a.redisClient, "tollgate:")
		slog.Info("Using Redis lookup cache")
	}

	if err := a.initBus(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.bus = bus.Guard(cfg.Bus.Driver, a.rawBus, bus.BreakerConfig{
		ConsecutiveFailures: cfg.Bus.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Bus.Breaker.OpenTimeout,
	})

	// 3. Billing
	credits, err := cfg.Budget.Credits()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	subs := lookup.NewSubscriptions(a.repos.subs, lookupCache, cfg.Budget.CacheTTL)
	plans := lookup.NewPlans(a.repos.plans, lookupCache, cfg.Budget.CacheTTL)

	a.engine = budget.NewEngine(a.repos.counters, a.repos.pricing, subs, plans, budget.Config{
		DefaultMaxOutputTokens: cfg.Budget.DefaultMaxOutputTokens,
		CreditsPerUnit:         credits,
		Strict:                 cfg.Budget.StrictReservation,
	})

	usageChannels := cfg.Channels[config.SubsystemUsage]
	subChannels := cfg.Channels[config.SubsystemSubscription]
	a.emitter = usage.NewEmitter(a.bus, usageChannels.Source)
	recorder := usage.NewRecorder(a.repos.counters, a.repos.pricing, subs, credits)
	changes := lookup.NewChangeHandler(lookupCache)

	// 4. Delivery pipelines
	policy := retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Classifier: classify.Classify}
	opts := runner.Options{BatchSize: cfg.Bus.BatchSize, BatchWait: cfg.Bus.BatchWait}

	a.usageRunner = runner.New[domain.UsageEvent](a.bus, usageChannels, recorder.Handle, policy, opts)
	a.subRunner = runner.New[domain.SubscriptionChanged](a.bus, subChannels, changes.Handle, policy, opts)

	// 5. Health
	a.initHealth()
	if cfg.Server.GRPCPort > 0 {
		a.grpcServer, err = health.NewGRPCServer(a.healthMon, fmt.Sprintf(":%d", cfg.Server.GRPCPort), 0)
		if err != nil {
			a.closeAll()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db

		if err := db.Migrate(); err != nil {
			return err
		}

		a.repos = repositories{
			counters: postgres.NewUsageRepo(db),
			pricing:  postgres.NewPricingRepo(db),
			subs:     postgres.NewSubscriptionRepo(db),
			plans:    postgres.NewPlanRepo(db),
		}
		slog.Info("Using PostgreSQL storage")
		return nil
	}

	a.store = memory.NewMemoryStorage()
	pricing := memory.NewPricingRepo(a.store)
	subs := memory.NewSubscriptionRepo(a.store)
	plans := memory.NewPlanRepo(a.store)
	a.repos = repositories{
		counters: memory.NewUsageRepo(a.store),
		pricing:  pricing,
		subs:     subs,
		plans:    plans,
	}

	if err := loadFixtures(a.cfg.Fixtures, pricing, subs, plans, time.Now()); err != nil {
		return err
	}
	slog.Info("Using Memory storage",
		"plans", len(a.cfg.Fixtures.Plans),
		"subscriptions", len(a.cfg.Fixtures.Subscriptions),
		"pricing", len(a.cfg.Fixtures.Pricing),
	)
	return nil
}

func loadFixtures(
	f config.Fixtures,
	pricing *memory.PricingRepo,
	subs *memory.SubscriptionRepo,
	plans *memory.PlanRepo,
	now time.Time,
) error {
	for _, pf := range f.Plans {
		p, err := pf.ToDomain()
		if err != nil {
			return err
		}
		plans.Put(p)
	}
	for _, sf := range f.Subscriptions {
		s, err := sf.ToDomain(now)
		if err != nil {
			return err
		}
		subs.Put(s)
	}
	for _, mf := range f.Pricing {
		m, err := mf.ToDomain()
		if err != nil {
			return err
		}
		pricing.Put(m)
	}
	return nil
}

func (a *App) initBus() error {
	switch a.cfg.Bus.Driver {
	case config.BusRedis:
		if a.redisClient == nil {
			return errors.New("bus driver redis requires redis.url")
		}
		consumer := a.cfg.Bus.Stream.Consumer
		if consumer == "" {
			consumer = defaultConsumerName()
		}
		a.streamBus = redisclient.NewStreamBus(a.redisClient, redisclient.StreamConfig{
			Group:     a.cfg.Bus.Stream.Group,
			Consumer:  consumer,
			Count:     int64(a.cfg.Bus.BatchSize),
			Block:     a.cfg.Bus.Stream.Block,
			MaxLen:    a.cfg.Bus.Stream.MaxLen,
			ClaimIdle: a.cfg.Bus.Stream.ClaimIdle,
		})
		a.rawBus = a.streamBus
		slog.Info("Using Redis Streams bus", "group", a.cfg.Bus.Stream.Group, "consumer", consumer)
	case config.BusKafka:
		kb, err := kafka.NewBus(a.cfg.Bus.Kafka)
		if err != nil {
			return fmt.Errorf("failed to init kafka: %w", err)
		}
		a.rawBus = kb
		slog.Info("Using Kafka bus", "brokers", a.cfg.Bus.Kafka.Brokers)
	default:
		a.memBus = bus.NewMemory()
		a.rawBus = a.memBus
		slog.Info("Using in-memory bus")
	}
	return nil
}

// defaultConsumerName is stable across restarts of the same host so pending
// stream entries are picked up again.
func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "tollgate-" + host
	}
	return "tollgate-" + uuid.NewString()[:8]
}

func (a *App) initHealth() {
	a.healthMon = health.NewMonitor(10 * time.Second)
	if a.db != nil {
		a.healthMon.Register("database", health.PingCheck(a.db))
	}
	if a.redisClient != nil {
		a.healthMon.Register("redis", health.PingCheck(a.redisClient))
	}
	a.healthMon.Register("bus_breaker", health.BreakerCheck(a.bus))

	var depth health.DepthFunc
	switch {
	case a.streamBus != nil:
		depth = a.streamBus.Len
	case a.memBus != nil:
		depth = func(ctx context.Context, channel string) (int64, error) {
			return int64(a.memBus.Pending(channel)), nil
		}
	}
	if depth != nil {
		for name, ch := range a.cfg.Channels {
			a.healthMon.Register(health.QuarantineComponent(name),
				health.BacklogCheck(depth, ch.Quarantine, 1, 0))
		}
	}

	a.healthServer = health.NewServer(a.healthMon, a.cfg.Server.Port)
}

// Start starts the servers and both delivery pipelines. It does not block.
func (a *App) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		a.goRun(ctx, "grpc health", a.grpcServer.Serve)
	}

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if pruner, ok := a.repos.counters.(storage.UsageLogPruner); ok && a.cfg.Retention.UsageLogs > 0 {
		p := worker.NewPruner(a.cfg.Retention.UsageLogs, pruner)
		a.goRun(ctx, "usage log pruner", func(ctx context.Context) error {
			p.Start(ctx)
			return nil
		})
	}

	a.goRun(ctx, "usage runner", a.usageRunner.Run)
	a.goRun(ctx, "subscription runner", a.subRunner.Run)

	a.log.Info("Tollgate started",
		"bus", a.cfg.Bus.Driver,
		"usage", a.usageRunner.Channels().Source,
		"subscription", a.subRunner.Channels().Source,
	)
	return nil
}

func (a *App) goRun(ctx context.Context, name string, run func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Component failed", "component", name, "error", err)
		}
	}()
}

// Stop shuts the service down. The caller cancels the Start context first so
// the pipelines drain.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Tollgate...")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Timed out waiting for pipelines to stop")
	}

	err := a.healthServer.Stop(ctx)
	a.closeAll()
	return err
}

func (a *App) closeAll() {
	if a.rawBus != nil {
		if err := a.rawBus.Close(); err != nil {
			a.log.Warn("Failed to close bus", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}
