package bus

import (
	"context"
	"fmt"
	"sync"
)

const defaultMemoryLimit = 10000

// Memory is an in-process Bus. Consumers of the same channel compete for
// messages. Publish never blocks: a channel with a consumer queues without
// bound, a channel nobody consumes keeps only the newest entries, as a capped
// stream would. Unacknowledged messages are not redelivered.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*topic
	limit  int
	seq    uint64
}

type topic struct {
	pending   []Message
	history   []Message
	acked     []string
	consumers int
	notify    chan struct{}
}

// NewMemory creates an in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]*topic),
		limit:  defaultMemoryLimit,
	}
}

// topic must be called with b.mu held.
func (b *Memory) topic(channel string) *topic {
	t, ok := b.topics[channel]
	if !ok {
		t = &topic{notify: make(chan struct{}, 1)}
		b.topics[channel] = t
	}
	return t
}

func (t *topic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Publish enqueues a copy of payload on channel.
func (b *Memory) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("%d", b.seq)
	t := b.topic(channel)

	msg := NewMessage(id, channel, key, data, func(context.Context) error {
		b.mu.Lock()
		t.acked = keepNewest(append(t.acked, id), b.limit)
		b.mu.Unlock()
		return nil
	})

	t.pending = append(t.pending, msg)
	if t.consumers == 0 {
		t.pending = keepNewest(t.pending, b.limit)
	}
	t.history = keepNewest(append(t.history, msg), b.limit)
	t.signal()
	return nil
}

// Consume streams the channel's queue until ctx is done, then closes the
// returned channel.
func (b *Memory) Consume(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	t := b.topic(channel)
	t.consumers++
	b.mu.Unlock()

	out := make(chan Message)
	go b.pump(ctx, t, out)
	return out, nil
}

func (b *Memory) pump(ctx context.Context, t *topic, out chan<- Message) {
	defer close(out)
	defer func() {
		b.mu.Lock()
		t.consumers--
		b.mu.Unlock()
	}()

	for {
		msg, ok := b.pop(t)
		if !ok {
			select {
			case <-t.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			// Hand it back for the next consumer.
			b.mu.Lock()
			t.pending = append([]Message{msg}, t.pending...)
			b.mu.Unlock()
			return
		}
	}
}

func (b *Memory) pop(t *topic) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(t.pending) == 0 {
		return Message{}, false
	}
	msg := t.pending[0]
	t.pending[0] = Message{}
	t.pending = t.pending[1:]
	if len(t.pending) > 0 {
		// Wake a competing consumer.
		t.signal()
	}
	return msg, true
}

// Published returns the most recent messages published to channel, oldest
// first.
func (b *Memory) Published(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(channel)
	out := make([]Message, len(t.history))
	copy(out, t.history)
	return out
}

// Acked returns the IDs most recently acknowledged on channel.
func (b *Memory) Acked(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(channel)
	out := make([]string, len(t.acked))
	copy(out, t.acked)
	return out
}

// Pending returns how many messages wait on channel.
func (b *Memory) Pending(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topic(channel).pending)
}

// Close is a no-op.
func (b *Memory) Close() error {
	return nil
}

func keepNewest[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
