// Package kafka implements the message bus on Kafka topics. Each channel maps
// to one topic; records are keyed so every key lands on a single partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/vietddude/tollgate/internal/infra/bus"
)

const (
	defaultSessionTimeout = 30 * time.Second
	defaultHeartbeat      = 3 * time.Second
	defaultConsumeBackoff = time.Second
	defaultRedeliverAfter = 30 * time.Second
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers  []string `yaml:"brokers"`
	GroupID  string   `yaml:"group_id"`
	ClientID string   `yaml:"client_id"`

	// RedeliverAfter is how long a delivered record may stay unacknowledged
	// before it is delivered again. The partition does not advance meanwhile.
	RedeliverAfter time.Duration `yaml:"redeliver_after"`
}

// Bus implements bus.Bus with a sync producer and one consumer group per
// consumed channel.
type Bus struct {
	cfg          Config
	saramaConfig *sarama.Config
	producer     sarama.SyncProducer
	log          *slog.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	wg     sync.WaitGroup
}

// NewBus connects a producer to the brokers.
func NewBus(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: group id is required")
	}

	sc := defaultConfig(cfg.ClientID)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create sync producer: %w", err)
	}
	return newBus(cfg, sc, producer), nil
}

func newBus(cfg Config, sc *sarama.Config, producer sarama.SyncProducer) *Bus {
	return &Bus{
		cfg:          cfg,
		saramaConfig: sc,
		producer:     producer,
		log:          slog.Default().With("component", "kafka_bus"),
	}
}

// Publish sends a keyed record and waits for the broker acknowledgement.
func (b *Bus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if channel == "" {
		return errors.New("kafka: topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: channel,
		Value: sarama.ByteEncoder(payload),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka: send: %w", err)
	}
	return nil
}

// Consume joins the consumer group for channel. A claim hands out one record
// at a time and waits for its Ack before the next, so offsets are only
// committed past handled records and same-key order is kept.
func (b *Bus) Consume(ctx context.Context, channel string) (<-chan bus.Message, error) {
	groupID := b.cfg.GroupID + "." + channel
	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, groupID, b.saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group: %w", err)
	}

	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	out := make(chan bus.Message)
	handler := &claimHandler{
		channel:        channel,
		out:            out,
		redeliverAfter: b.cfg.RedeliverAfter,
		log:            b.log,
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		for err := range group.Errors() {
			b.log.Error("consumer group error", "channel", channel, "error", err)
		}
	}()
	go func() {
		defer b.wg.Done()
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			err := group.Consume(ctx, []string{channel}, handler)
			if err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.log.Error("consume error", "channel", channel, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(defaultConsumeBackoff):
				}
			}
		}
	}()

	return out, nil
}

// Close shuts down the consumer groups and the producer.
func (b *Bus) Close() error {
	var errs []error

	b.mu.Lock()
	groups := b.groups
	b.groups = nil
	b.mu.Unlock()

	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()

	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type claimHandler struct {
	channel        string
	out            chan<- bus.Message
	redeliverAfter time.Duration
	log            *slog.Logger
}

func (h *claimHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Info("kafka consumer group ready", "channel", h.channel, "member", session.MemberID())
	return nil
}

func (h *claimHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Info("kafka consumer group cleanup", "channel", h.channel)
	return nil
}

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for record := range claim.Messages() {
		done := make(chan struct{})
		var once sync.Once
		rec := record

		id := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
		msg := bus.NewMessage(id, h.channel, string(rec.Key), cloneBytes(rec.Value), func(context.Context) error {
			once.Do(func() {
				session.MarkMessage(rec, "")
				close(done)
			})
			return nil
		})

		if !h.deliver(ctx, msg, done) {
			return nil
		}
	}
	return nil
}

// deliver emits msg and waits for its ack, emitting it again each time
// redeliverAfter passes without one. It returns false once ctx is done.
func (h *claimHandler) deliver(ctx context.Context, msg bus.Message, done <-chan struct{}) bool {
	wait := h.redeliverAfter
	if wait <= 0 {
		wait = defaultRedeliverAfter
	}

	for {
		select {
		case h.out <- msg:
		case <-ctx.Done():
			return false
		}

		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
			return true
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
			h.log.Warn("kafka record not acknowledged, redelivering", "channel", h.channel, "id", msg.ID)
		}
	}
}

func defaultConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	if clientID == "" {
		clientID = "tollgate"
	}
	cfg.ClientID = clientID

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
