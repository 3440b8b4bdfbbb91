package domain

import "errors"

// Failure kinds. Errors wrapping these are never worth retrying.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMissingValue    = errors.New("missing required value")
)

// Lookup and ledger errors surfaced by the budget engine.
var (
	ErrModelNotFound        = errors.New("model pricing not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrCounterNotFound      = errors.New("usage counter not found")
	ErrCounterExists        = errors.New("usage counter already exists")
)
