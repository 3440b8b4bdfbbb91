package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/tollgate/internal/core/domain"
	"github.com/vietddude/tollgate/internal/delivery/classify"
	"github.com/vietddude/tollgate/internal/metrics"
)

// Outcome is what happened to one retry envelope.
type Outcome int

const (
	// OutcomeDone means the handler succeeded and the envelope was dropped.
	OutcomeDone Outcome = iota
	// OutcomeRequeued means the envelope went back to the retry channel.
	OutcomeRequeued
	// OutcomeQuarantined means the envelope reached the quarantine channel.
	OutcomeQuarantined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Result is the per-envelope result of a batch. Err is set when the updated
// envelope could not be emitted; Outcome then names the intended destination.
type Result struct {
	Outcome Outcome
	Err     error
}

// Worker re-runs the business handler for envelopes from the retry channel.
type Worker[T any] struct {
	channel   string
	handler   Handler[T]
	publisher EnvelopePublisher[T]
	policy    Policy
	now       Clock
	log       *slog.Logger
}

// NewWorker creates a retry worker. channel is the subsystem's source channel,
// used for labelling.
func NewWorker[T any](
	channel string,
	handler Handler[T],
	publisher EnvelopePublisher[T],
	policy Policy,
) *Worker[T] {
	return &Worker[T]{
		channel:   channel,
		handler:   handler,
		publisher: publisher,
		policy:    policy.normalized(),
		now:       time.Now,
		log:       slog.Default().With("component", "retry_worker", "channel", channel),
	}
}

// SetClock overrides the time source.
func (w *Worker[T]) SetClock(now Clock) {
	w.now = now
}

// ProcessBatch handles each envelope independently and in order. A failure on
// one envelope never blocks the others.
func (w *Worker[T]) ProcessBatch(ctx context.Context, batch []domain.DlqEnvelope[T]) []Result {
	results := make([]Result, len(batch))
	for i, env := range batch {
		results[i] = w.Process(ctx, env)
	}
	return results
}

// Process handles a single retry envelope.
func (w *Worker[T]) Process(ctx context.Context, env domain.DlqEnvelope[T]) Result {
	handleErr := w.handler(ctx, env.Key, env.OriginalEvent)
	if handleErr == nil {
		metrics.RetriesProcessed.WithLabelValues(w.channel, OutcomeDone.String()).Inc()
		w.log.Debug("Retry succeeded", "key", env.Key, "attempt", env.AttemptCount+1)
		return Result{Outcome: OutcomeDone}
	}

	category := w.policy.Classifier(handleErr)
	next := env.NextFailure(handleErr, w.now())

	if category == classify.CategoryPermanent || next.AttemptCount >= w.policy.MaxAttempts {
		reason := string(category)
		if category != classify.CategoryPermanent {
			reason = "max_attempts"
		}
		if err := w.publisher.PublishQuarantine(ctx, next); err != nil {
			metrics.PublishErrors.WithLabelValues(w.channel).Inc()
			return Result{
				Outcome: OutcomeQuarantined,
				Err:     fmt.Errorf("failed to quarantine envelope %s: %w", env.Key, err),
			}
		}
		metrics.RetriesProcessed.WithLabelValues(w.channel, OutcomeQuarantined.String()).Inc()
		metrics.EnvelopesQuarantined.WithLabelValues(w.channel, reason).Inc()
		metrics.QuarantineAttempts.WithLabelValues(w.channel).Observe(float64(next.AttemptCount))
		w.log.Warn("Envelope quarantined",
			"key", next.Key,
			"attempts", next.AttemptCount,
			"reason", reason,
			"error", handleErr,
			"first_failed_at", next.FirstFailedAt,
		)
		return Result{Outcome: OutcomeQuarantined}
	}

	if err := w.publisher.PublishRetry(ctx, next); err != nil {
		metrics.PublishErrors.WithLabelValues(w.channel).Inc()
		return Result{
			Outcome: OutcomeRequeued,
			Err:     fmt.Errorf("failed to requeue envelope %s: %w", env.Key, err),
		}
	}
	metrics.RetriesProcessed.WithLabelValues(w.channel, OutcomeRequeued.String()).Inc()
	w.log.Info("Envelope requeued", "key", next.Key, "attempts", next.AttemptCount, "error", handleErr)
	return Result{Outcome: OutcomeRequeued}
}
