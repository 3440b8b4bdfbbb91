package domain

import (
	"errors"
	"fmt"
	"time"
)

// DlqEnvelope wraps an event that failed handling together with its retry
// bookkeeping. It travels on the retry and quarantine channels.
type DlqEnvelope[T any] struct {
	OriginalEvent   T         `json:"original_event"`
	Key             string    `json:"key"`
	AttemptCount    int       `json:"attempt_count"`
	ErrorMessage    string    `json:"error_message"`
	ErrorClassName  string    `json:"error_class_name"`
	FirstFailedAt   time.Time `json:"first_failed_at"`
	LastFailedAt    time.Time `json:"last_failed_at"`
	OriginalChannel string    `json:"original_channel"`
}

// NewEnvelope builds the envelope for the first failed attempt of an event.
func NewEnvelope[T any](key, channel string, event T, err error, now time.Time) DlqEnvelope[T] {
	return DlqEnvelope[T]{
		OriginalEvent:   event,
		Key:             key,
		AttemptCount:    1,
		ErrorMessage:    errorMessage(err),
		ErrorClassName:  ErrorClassName(err),
		FirstFailedAt:   now,
		LastFailedAt:    now,
		OriginalChannel: channel,
	}
}

// NextFailure returns a copy of the envelope recording one more failed attempt.
// FirstFailedAt is carried over untouched.
func (e DlqEnvelope[T]) NextFailure(err error, now time.Time) DlqEnvelope[T] {
	next := e
	next.AttemptCount = e.AttemptCount + 1
	next.ErrorMessage = errorMessage(err)
	next.ErrorClassName = ErrorClassName(err)
	if now.Before(e.LastFailedAt) {
		now = e.LastFailedAt
	}
	next.LastFailedAt = now
	return next
}

// ErrorClassName reports the dynamic type of the innermost wrapped error.
func ErrorClassName(err error) string {
	if err == nil {
		return ""
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return fmt.Sprintf("%T", err)
		}
		err = inner
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
