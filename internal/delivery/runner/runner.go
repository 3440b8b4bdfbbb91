// Package runner binds the retry core to bus channels: it decodes deliveries,
// feeds the consumer and the retry worker, and acknowledges what was handled.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/delivery/retry"
	"github.com/vietddude/tollgate/internal/infra/bus"
)

// drainTimeout bounds how long a batch pulled before shutdown may still run.
const drainTimeout = 5 * time.Second

// Options tunes retry batching.
type Options struct {
	BatchSize int
	BatchWait time.Duration
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchWait <= 0 {
		o.BatchWait = 500 * time.Millisecond
	}
	return o
}

// Runner drives one subsystem: its source channel through a Consumer and its
// retry channel through a Worker.
type Runner[T any] struct {
	bus      bus.Bus
	channels retry.Channels
	consumer *retry.Consumer[T]
	worker   *retry.Worker[T]
	raw      *retry.ChannelPublisher[json.RawMessage]
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// New wires a consumer and worker for handler on the given channels.
func New[T any](
	b bus.Bus,
	channels retry.Channels,
	handler retry.Handler[T],
	policy retry.Policy,
	opts Options,
) *Runner[T] {
	channels = channels.WithDefaults()
	publisher := retry.NewChannelPublisher[T](b, channels)

	return &Runner[T]{
		bus:      b,
		channels: channels,
		consumer: retry.NewConsumer[T](channels.Source, handler, publisher, policy),
		worker:   retry.NewWorker[T](channels.Source, handler, publisher, policy),
		raw:      retry.NewChannelPublisher[json.RawMessage](b, channels),
		opts:     opts.normalized(),
		now:      time.Now,
		log:      slog.Default().With("component", "runner", "channel", channels.Source),
	}
}

// Channels returns the resolved channel names.
func (r *Runner[T]) Channels() retry.Channels {
	return r.channels
}

// Run consumes the source and retry channels until ctx is cancelled.
func (r *Runner[T]) Run(ctx context.Context) error {
	source, err := r.bus.Consume(ctx, r.channels.Source)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", r.channels.Source, err)
	}
	retries, err := r.bus.Consume(ctx, r.channels.Retry)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", r.channels.Retry, err)
	}

	r.log.Info("Runner started", "retry", r.channels.Retry, "quarantine", r.channels.Quarantine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.runSource(gctx, source)
		return nil
	})
	g.Go(func() error {
		r.runRetry(gctx, retries)
		return nil
	})
	return g.Wait()
}

func (r *Runner[T]) runSource(ctx context.Context, msgs <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.handleSource(ctx, msg)
		}
	}
}

func (r *Runner[T]) handleSource(ctx context.Context, msg bus.Message) {
	var event T
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.quarantineUndecodable(ctx, msg, err)
		return
	}

	if err := r.consumer.Handle(ctx, msg.Key, event); err != nil {
		// Left unacknowledged so the bus redelivers it.
		r.log.Error("Failed to route failed event", "key", msg.Key, "error", err)
		return
	}
	r.ack(ctx, msg)
}

func (r *Runner[T]) runRetry(ctx context.Context, msgs <-chan bus.Message) {
	for {
		batch, ok := collect(ctx, msgs, r.opts.BatchSize, r.opts.BatchWait)
		if len(batch) > 0 {
			if ctx.Err() != nil {
				r.drain(ctx, batch)
				return
			}
			r.handleRetryBatch(ctx, batch)
		}
		if !ok {
			return
		}
	}
}

// drain routes a batch that was already taken off the bus when ctx ended, so
// buses that never redeliver do not lose it.
func (r *Runner[T]) drain(ctx context.Context, batch []bus.Message) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	r.log.Info("Draining retry batch on shutdown", "size", len(batch))
	r.handleRetryBatch(dctx, batch)
}

func (r *Runner[T]) handleRetryBatch(ctx context.Context, batch []bus.Message) {
	envs := make([]domain.DlqEnvelope[T], 0, len(batch))
	decoded := make([]bus.Message, 0, len(batch))

	for _, msg := range batch {
		var env domain.DlqEnvelope[T]
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			r.quarantineUndecodable(ctx, msg, err)
			continue
		}
		if env.Key == "" {
			env.Key = msg.Key
		}
		envs = append(envs, env)
		decoded = append(decoded, msg)
	}

	results := r.worker.ProcessBatch(ctx, envs)
	for i, res := range results {
		if res.Err != nil {
			r.log.Error("Failed to route retry envelope",
				"key", decoded[i].Key, "outcome", res.Outcome.String(), "error", res.Err)
			continue
		}
		r.ack(ctx, decoded[i])
	}
}

// quarantineUndecodable keeps a payload that cannot be decoded by sending it to
// quarantine as a raw envelope.
func (r *Runner[T]) quarantineUndecodable(ctx context.Context, msg bus.Message, decodeErr error) {
	raw := json.RawMessage(msg.Payload)
	if !json.Valid(msg.Payload) {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			r.log.Error("Failed to encode undecodable payload", "key", msg.Key, "error", err)
			return
		}
		raw = quoted
	}

	failure := fmt.Errorf("failed to decode payload: %w: %v", domain.ErrInvalidArgument, decodeErr)
	env := domain.NewEnvelope(msg.Key, msg.Channel, raw, failure, r.now())
	if err := r.raw.PublishQuarantine(ctx, env); err != nil {
		r.log.Error("Failed to quarantine undecodable payload", "key", msg.Key, "error", err)
		return
	}
	r.log.Warn("Undecodable payload quarantined", "key", msg.Key, "channel", msg.Channel, "error", decodeErr)
	r.ack(ctx, msg)
}

func (r *Runner[T]) ack(ctx context.Context, msg bus.Message) {
	if err := msg.Ack(ctx); err != nil {
		r.log.Warn("Failed to ack message", "key", msg.Key, "id", msg.ID, "error", err)
	}
}

// collect blocks for the first message, then gathers more until size is
// reached or wait elapses. ok is false once ctx is done or msgs is closed; the
// messages gathered so far are still returned.
func collect(
	ctx context.Context,
	msgs <-chan bus.Message,
	size int,
	wait time.Duration,
) (batch []bus.Message, ok bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case msg, open := <-msgs:
		if !open {
			return nil, false
		}
		batch = append(batch, msg)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(batch) < size {
		select {
		case <-ctx.Done():
			return batch, false
		case msg, open := <-msgs:
			if !open {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch, true
		}
	}
	return batch, true
}
