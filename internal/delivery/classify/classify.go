// Package classify decides whether a failed event is worth retrying.
package classify

import (
	"errors"
	"strings"

	"github.com/vietddude/tollgate/internal/core/domain"
)

// FailureCategory is the retry classification of an error.
type FailureCategory string

const (
	CategoryPermanent FailureCategory = "permanent"
	CategoryTransient FailureCategory = "transient"
)

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

// permanentPatterns mark malformed or stale input. Matched case-insensitively.
var permanentPatterns = []string{
	"not found",
	"cannot be null",
	"must not be null",
	"invalid uuid",
}

// Classify treats invalid-argument and missing-value failures, and errors whose
// message matches a permanent pattern, as permanent. Everything else is
// transient, including a nil error or an empty message.
func Classify(err error) FailureCategory {
	if err == nil {
		return CategoryTransient
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrMissingValue) {
		return CategoryPermanent
	}

	msg := strings.ToLower(err.Error())
	if msg == "" {
		return CategoryTransient
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return CategoryPermanent
		}
	}
	return CategoryTransient
}
