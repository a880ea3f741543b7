package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// Kind is the typed failure class an Invoker reports.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Error is the typed error an Invoker returns.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Throttled marks err as an explicit overload signal from the service.
func Throttled(err error) error { return &Error{Kind: KindThrottled, Err: err} }

// Transient marks err as a recoverable network, timeout or 5xx-class failure.
func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }

// Permanent marks err as non-retryable for this backend.
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

// Classify maps an invocation error to an attempt outcome. parent is the
// caller's context: its cancellation is reported as cancelled, while a
// deadline hit by the attempt itself is transient. Untyped errors are
// permanent so they are never retried blindly.
func Classify(parent context.Context, err error) models.Outcome {
	if err == nil {
		return models.OutcomeSuccess
	}
	if parent != nil && parent.Err() != nil {
		return models.OutcomeCancelled
	}
	var be *Error
	if errors.As(err, &be) {
		switch be.Kind {
		case KindThrottled:
			return models.OutcomeThrottled
		case KindTransient:
			return models.OutcomeTransient
		default:
			return models.OutcomePermanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTransient
	}
	if errors.Is(err, context.Canceled) {
		return models.OutcomeCancelled
	}
	return models.OutcomePermanent
}
