package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/tollgate/internal/delivery/retry"
)

// Default source channels per subsystem.
var defaultSources = map[string]string{
	SubsystemUsage:        "usage.logged",
	SubsystemSubscription: "subscription.changed",
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied: memory bus,
// memory storage, no fixtures.
func Default() *AppConfig {
	cfg := &AppConfig{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	switch c.Bus.Driver {
	case "":
		c.Bus.Driver = BusMemory
	case BusMemory, BusRedis, BusKafka:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.BatchSize <= 0 {
		c.Bus.BatchSize = 50
	}
	if c.Bus.BatchWait <= 0 {
		c.Bus.BatchWait = 500 * time.Millisecond
	}
	if c.Bus.Stream.Group == "" {
		c.Bus.Stream.Group = "tollgate"
	}
	if c.Bus.Kafka.GroupID == "" {
		c.Bus.Kafka.GroupID = "tollgate"
	}
	if c.Bus.Breaker.ConsecutiveFailures == 0 {
		c.Bus.Breaker.ConsecutiveFailures = 5
	}
	if c.Bus.Breaker.OpenTimeout <= 0 {
		c.Bus.Breaker.OpenTimeout = 30 * time.Second
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}

	if c.Budget.DefaultMaxOutputTokens <= 0 {
		c.Budget.DefaultMaxOutputTokens = 4096
	}
	if c.Budget.CreditsPerUnit == "" {
		c.Budget.CreditsPerUnit = "1"
	}
	if _, err := c.Budget.Credits(); err != nil {
		return err
	}
	if c.Budget.CacheTTL <= 0 {
		c.Budget.CacheTTL = 5 * time.Minute
	}

	if c.Channels == nil {
		c.Channels = make(map[string]retry.Channels)
	}
	for name, source := range defaultSources {
		ch := c.Channels[name]
		if ch.Source == "" {
			ch.Source = source
		}
		c.Channels[name] = ch.WithDefaults()
	}
	for name, ch := range c.Channels {
		if ch.Source == "" {
			return fmt.Errorf("channels.%s.source is required", name)
		}
		c.Channels[name] = ch.WithDefaults()
	}
	return nil
}

// Credits parses CreditsPerUnit.
func (b BudgetConfig) Credits() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(b.CreditsPerUnit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid budget.credits_per_unit %q: %w", b.CreditsPerUnit, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("budget.credits_per_unit must be positive, got %s", d)
	}
	return d, nil
}
