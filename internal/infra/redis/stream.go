package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/tollgate/internal/infra/bus"
)

// StreamConfig configures the Redis Streams bus.
type StreamConfig struct {
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
	MaxLen   int64

	// ClaimIdle is how long a delivered entry may stay unacknowledged before
	// it is claimed and delivered again.
	ClaimIdle time.Duration
}

// StreamBus implements bus.Bus on Redis Streams. Each channel is a stream read
// through one consumer group, so competing workers share the load. Entries
// that were delivered but never acknowledged are read back first on restart,
// and reclaimed with XAUTOCLAIM once idle for ClaimIdle while running.
type StreamBus struct {
	rdb *redis.Client
	cfg StreamConfig
	log *slog.Logger
}

// NewStreamBus creates a stream bus on an existing client.
func NewStreamBus(client *Client, cfg StreamConfig) *StreamBus {
	if cfg.Group == "" {
		cfg.Group = "tollgate"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Count <= 0 {
		cfg.Count = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	return &StreamBus{
		rdb: client.rdb,
		cfg: cfg,
		log: slog.Default().With("component", "redis_stream_bus"),
	}
}

// Publish appends an entry to the channel stream.
func (b *StreamBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: channel,
		Values: map[string]any{"key": key, "payload": payload},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Consume reads the channel through the consumer group until ctx is done.
func (b *StreamBus) Consume(ctx context.Context, channel string) (<-chan bus.Message, error) {
	err := b.rdb.XGroupCreateMkStream(ctx, channel, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	out := make(chan bus.Message)
	go b.readLoop(ctx, channel, out)
	return out, nil
}

func (b *StreamBus) readLoop(ctx context.Context, channel string, out chan<- bus.Message) {
	defer close(out)

	// "0" replays this consumer's pending entries, ">" reads new ones.
	cursor := "0"
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if cursor == ">" && time.Since(lastClaim) >= b.cfg.ClaimIdle {
			lastClaim = time.Now()
			if !b.reclaim(ctx, channel, out) {
				return
			}
		}

		args := &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{channel, cursor},
			Count:    b.cfg.Count,
			Block:    b.cfg.Block,
		}
		streams, err := b.rdb.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("xreadgroup failed", "channel", channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, s := range streams {
			for _, m := range s.Messages {
				delivered++
				msg := b.toMessage(channel, m)
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// reclaim delivers entries of any consumer in the group that stayed pending
// longer than ClaimIdle. It returns false once ctx is done.
func (b *StreamBus) reclaim(ctx context.Context, channel string, out chan<- bus.Message) bool {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   channel,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    start,
			Count:    b.cfg.Count,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			b.log.Warn("xautoclaim failed", "channel", channel, "error", err)
			return true
		}

		if len(msgs) > 0 {
			b.log.Info("Reclaimed idle entries", "channel", channel, "count", len(msgs))
		}
		for _, m := range msgs {
			select {
			case out <- b.toMessage(channel, m):
			case <-ctx.Done():
				return false
			}
		}

		if next == "0-0" || next == "" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

func (b *StreamBus) toMessage(channel string, m redis.XMessage) bus.Message {
	key, _ := m.Values["key"].(string)
	payload, _ := m.Values["payload"].(string)
	id := m.ID

	return bus.NewMessage(id, channel, key, []byte(payload), func(ctx context.Context) error {
		if err := b.rdb.XAck(ctx, channel, b.cfg.Group, id).Err(); err != nil {
			return fmt.Errorf("xack failed: %w", err)
		}
		return nil
	})
}

// Peek returns the newest count entries of a channel without consuming them.
func (b *StreamBus) Peek(ctx context.Context, channel string, count int64) ([]bus.Message, error) {
	entries, err := b.rdb.XRevRangeN(ctx, channel, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}
	msgs := make([]bus.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, b.toMessage(channel, e))
	}
	return msgs, nil
}

// Len returns the number of entries in a channel.
func (b *StreamBus) Len(ctx context.Context, channel string) (int64, error) {
	n, err := b.rdb.XLen(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (b *StreamBus) Close() error {
	return nil
}
