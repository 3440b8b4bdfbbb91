package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/delivery/classify"
	"github.com/vietddude/tollgate/internal/delivery/retry"
	"github.com/vietddude/tollgate/internal/infra/bus"
)

type usageEvent struct {
	SubscriptionID string `json:"subscription_id"`
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startRunner[T any](t *testing.T, b *bus.Memory, handler retry.Handler[T], policy retry.Policy) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New[T](b, retry.Channels{Source: "usage"}, handler, policy, Options{BatchSize: 10, BatchWait: 20 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunner_SuccessAcksSource(t *testing.T) {
	b := bus.NewMemory()
	var calls atomic.Int32
	handler := func(ctx context.Context, key string, event usageEvent) error {
		calls.Add(1)
		return nil
	}
	startRunner[usageEvent](t, b, handler, retry.DefaultPolicy())

	if err := b.Publish(context.Background(), "usage", "sub-1", []byte(`{"subscription_id":"sub-1"}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(b.Acked("usage")) == 1 })
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if len(b.Published("usage.retry")) != 0 || len(b.Published("usage.dlq")) != 0 {
		t.Error("expected no retry or quarantine emissions")
	}
}

func TestRunner_TransientFailuresEndInQuarantine(t *testing.T) {
	b := bus.NewMemory()
	var calls atomic.Int32
	handler := func(ctx context.Context, key string, event usageEvent) error {
		calls.Add(1)
		return errors.New("database is locked")
	}
	startRunner[usageEvent](t, b, handler, retry.Policy{MaxAttempts: 3})

	if err := b.Publish(context.Background(), "usage", "sub-1", []byte(`{"subscription_id":"sub-1"}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(b.Published("usage.dlq")) == 1 })

	var env domain.DlqEnvelope[usageEvent]
	if err := json.Unmarshal(b.Published("usage.dlq")[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.AttemptCount != 3 {
		t.Errorf("expected attempt 3, got %d", env.AttemptCount)
	}
	if env.OriginalEvent.SubscriptionID != "sub-1" || env.Key != "sub-1" {
		t.Errorf("original event lost: %+v", env)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls.Load())
	}
	if got := len(b.Published("usage.retry")); got != 2 {
		t.Errorf("expected 2 retry emissions, got %d", got)
	}
}

func TestRunner_UndecodablePayloadQuarantined(t *testing.T) {
	b := bus.NewMemory()
	var calls atomic.Int32
	handler := func(ctx context.Context, key string, event usageEvent) error {
		calls.Add(1)
		return nil
	}
	startRunner[usageEvent](t, b, handler, retry.DefaultPolicy())

	if err := b.Publish(context.Background(), "usage", "sub-1", []byte(`not json`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(b.Published("usage.dlq")) == 1 })

	var env domain.DlqEnvelope[string]
	if err := json.Unmarshal(b.Published("usage.dlq")[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.OriginalEvent != "not json" {
		t.Errorf("expected raw payload preserved, got %q", env.OriginalEvent)
	}
	if env.AttemptCount != 1 {
		t.Errorf("expected attempt 1, got %d", env.AttemptCount)
	}
	if calls.Load() != 0 {
		t.Errorf("handler must not run for undecodable payloads")
	}
	waitFor(t, func() bool { return len(b.Acked("usage")) == 1 })
}

func TestRunner_QuarantineBacklogDoesNotStall(t *testing.T) {
	b := bus.NewMemory()
	handler := func(ctx context.Context, key string, event usageEvent) error {
		return fmt.Errorf("subscriptionId must not be null: %w", domain.ErrMissingValue)
	}
	startRunner[usageEvent](t, b, handler, retry.DefaultPolicy())

	const events = 2500
	for i := 0; i < events; i++ {
		if err := b.Publish(context.Background(), "usage", "sub-1", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(b.Acked("usage")) < events {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d source events acked", len(b.Acked("usage")), events)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(b.Published("usage.dlq")); got != events {
		t.Errorf("expected %d quarantined envelopes, got %d", events, got)
	}
	if got := len(b.Published("usage.retry")); got != 0 {
		t.Errorf("expected no retries for permanent failures, got %d", got)
	}
}

func TestRunner_DrainsRetryBatchOnShutdown(t *testing.T) {
	b := bus.NewMemory()
	var calls atomic.Int32
	handler := func(ctx context.Context, key string, event usageEvent) error {
		calls.Add(1)
		return nil
	}
	r := New[usageEvent](b, retry.Channels{Source: "usage"}, handler,
		retry.Policy{MaxAttempts: 10, Classifier: classify.Classify},
		Options{BatchSize: 10, BatchWait: time.Minute})

	env := domain.NewEnvelope("sub-1", "usage", usageEvent{SubscriptionID: "sub-1"},
		errors.New("database is locked"), time.Now())
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var acked atomic.Bool
	msgs := make(chan bus.Message, 1)
	msgs <- bus.NewMessage("1", "usage.retry", "sub-1", payload, func(context.Context) error {
		acked.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	r.runRetry(ctx, msgs)

	if calls.Load() != 1 {
		t.Errorf("expected the pulled envelope to be handled, got %d calls", calls.Load())
	}
	if !acked.Load() {
		t.Error("expected the drained message to be acked")
	}
}

func TestCollect_StopsAtSize(t *testing.T) {
	msgs := make(chan bus.Message, 5)
	for i := 0; i < 5; i++ {
		msgs <- bus.NewMessage("", "c", "k", nil, nil)
	}

	batch, ok := collect(context.Background(), msgs, 3, time.Second)
	if !ok || len(batch) != 3 {
		t.Fatalf("expected 3 messages, got %d (ok=%v)", len(batch), ok)
	}
}

func TestCollect_ReturnsPartialAfterWait(t *testing.T) {
	msgs := make(chan bus.Message, 1)
	msgs <- bus.NewMessage("", "c", "k", nil, nil)

	batch, ok := collect(context.Background(), msgs, 10, 20*time.Millisecond)
	if !ok || len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d (ok=%v)", len(batch), ok)
	}
}

func TestCollect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, ok := collect(ctx, make(chan bus.Message), 10, time.Second)
	if ok || batch != nil {
		t.Fatalf("expected no batch after cancel, got %d (ok=%v)", len(batch), ok)
	}
}

func TestCollect_CancelledMidBatchKeepsMessages(t *testing.T) {
	msgs := make(chan bus.Message, 2)
	msgs <- bus.NewMessage("1", "c", "k", nil, nil)
	msgs <- bus.NewMessage("2", "c", "k", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	batch, ok := collect(ctx, msgs, 10, time.Minute)
	if ok {
		t.Fatal("expected ok=false after cancel")
	}
	if len(batch) != 2 || batch[0].ID != "1" || batch[1].ID != "2" {
		t.Fatalf("expected both pulled messages returned, got %d", len(batch))
	}
}
