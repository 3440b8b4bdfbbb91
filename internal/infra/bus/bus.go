// Package bus defines the message bus abstraction shared by the delivery core.
//
// Implementations:
//   - Memory: single-process bus used by tests and memory mode
//   - redis.StreamBus: Redis Streams with consumer groups
//   - kafka.Bus: Kafka topics, key-hashed partitions
//   - Breaker: circuit breaker decorator for any Publisher
package bus

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the bus refuses a publish without trying,
// e.g. while a circuit breaker is open.
var ErrUnavailable = errors.New("bus unavailable")

// AckFunc acknowledges a delivered message.
type AckFunc func(ctx context.Context) error

// Message is a single delivery from a channel.
type Message struct {
	ID      string
	Channel string
	Key     string
	Payload []byte

	ack AckFunc
}

// NewMessage creates a message carrying its acknowledgment handle.
func NewMessage(id, channel, key string, payload []byte, ack AckFunc) Message {
	return Message{ID: id, Channel: channel, Key: key, Payload: payload, ack: ack}
}

// Ack acknowledges the message. A message that is never acknowledged is
// redelivered by buses that support it.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Publisher emits payloads to a channel. The key is the business identifier
// and selects the partition or lane on buses that have them.
type Publisher interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
}

// Subscriber streams deliveries from a channel until ctx is cancelled.
type Subscriber interface {
	Consume(ctx context.Context, channel string) (<-chan Message, error)
}

// Bus is a Publisher that can also be consumed from.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
