// Package retry implements bounded retry with poison-message quarantine.
//
// A Consumer runs the business handler for freshly delivered events and routes
// failures to the retry or quarantine channel. A Worker consumes the retry
// channel, re-runs the same handler and requeues or quarantines envelopes.
// Requeued envelopes become eligible again on the bus's next delivery; no
// delay is inserted between rounds.
package retry

import (
	"context"
	"time"

	"github.com/vietddude/tollgate/internal/delivery/classify"
)

// DefaultMaxAttempts is the retry ceiling when none is configured.
const DefaultMaxAttempts = 10

// Handler is the business handler for an event type. It must be idempotent:
// the bus delivers at least once.
type Handler[T any] func(ctx context.Context, key string, event T) error

// Policy bounds retries and classifies failures.
type Policy struct {
	MaxAttempts int
	Classifier  classify.Classifier
}

// DefaultPolicy returns the standard policy: 10 attempts, default classifier.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Classifier:  classify.Classify,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Classifier == nil {
		p.Classifier = classify.Classify
	}
	return p
}

// Clock returns the current time. Tests replace it.
type Clock func() time.Time
