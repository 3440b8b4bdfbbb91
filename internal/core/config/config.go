package config

import (
	"time"

	"github.com/vietddude/tollgate/internal/delivery/retry"
	"github.com/vietddude/tollgate/internal/infra/kafka"
	redisclient "github.com/vietddude/tollgate/internal/infra/redis"
	"github.com/vietddude/tollgate/internal/infra/storage/postgres"
)

// Subsystems with a delivery pipeline.
const (
	SubsystemUsage        = "usage"
	SubsystemSubscription = "subscription"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusKafka  = "kafka"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig              `yaml:"server"`
	Logging  LoggingConfig             `yaml:"logging"`
	Database postgres.Config           `yaml:"database"`
	Redis    redisclient.Config        `yaml:"redis"`
	Bus      BusConfig                 `yaml:"bus"`
	Retry    RetryConfig               `yaml:"retry"`
	Budget   BudgetConfig              `yaml:"budget"`
	Channels map[string]retry.Channels `yaml:"channels"`
	Fixtures Fixtures                  `yaml:"fixtures"`

	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Driver    string        `yaml:"driver"` // memory, redis, kafka
	BatchSize int           `yaml:"batch_size"`
	BatchWait time.Duration `yaml:"batch_wait"`
	Stream    StreamConfig  `yaml:"stream"`
	Kafka     kafka.Config  `yaml:"kafka"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// StreamConfig tunes the Redis Streams driver.
type StreamConfig struct {
	Group     string        `yaml:"group"`
	Consumer  string        `yaml:"consumer"` // defaults to a generated name
	Block     time.Duration `yaml:"block"`
	MaxLen    int64         `yaml:"max_len"`
	ClaimIdle time.Duration `yaml:"claim_idle"` // redelivery of unacked entries, default 30s
}

// BreakerConfig tunes the publish circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// RetryConfig bounds redelivery.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// RetentionConfig bounds how long usage logs are kept for deduplication.
type RetentionConfig struct {
	UsageLogs time.Duration `yaml:"usage_logs"` // 0 = keep forever
}

// BudgetConfig tunes the reservation engine.
type BudgetConfig struct {
	DefaultMaxOutputTokens int64         `yaml:"default_max_output_tokens"`
	CreditsPerUnit         string        `yaml:"credits_per_unit"`
	StrictReservation      bool          `yaml:"strict_reservation"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
}
