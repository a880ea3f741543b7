// Package retry decides what happens after a failed backend attempt:
// retry after an exponential backoff with jitter, fail over to another
// backend, or give up.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// Action is the decision for the next step of a stage.
type Action int

const (
	// ActionComplete means the attempt succeeded; nothing to retry.
	ActionComplete Action = iota
	// ActionRetry means try the same backend again after Decision.After.
	ActionRetry
	// ActionFail means this backend cannot serve the document; escalate.
	ActionFail
	// ActionGiveUp means the attempt budget is spent.
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "give-up"
	}
}

// Decision is the outcome of NextAction.
type Decision struct {
	Action Action
	After  time.Duration
}

// Policy holds retry parameters.
type Policy struct {
	// MaxAttempts is the attempt budget per (document, stage). The first
	// call counts as attempt 1.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential part of the backoff.
	MaxDelay time.Duration
	// Jitter returns a uniform random duration in [0, max]. Nil uses
	// math/rand/v2.
	Jitter func(max time.Duration) time.Duration
}

// DefaultPolicy returns 5 attempts, 1s base delay and a 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// NextAction maps (attemptNumber, outcome) to the next step. Permanent and
// cancelled outcomes fail immediately; throttled and transient outcomes are
// retried until attemptNumber reaches MaxAttempts.
func (p Policy) NextAction(attempt int, outcome models.Outcome) Decision {
	switch outcome {
	case models.OutcomeSuccess:
		return Decision{Action: ActionComplete}
	case models.OutcomeThrottled, models.OutcomeTransient:
		if attempt >= p.MaxAttempts {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionRetry, After: p.Backoff(attempt)}
	default:
		return Decision{Action: ActionFail}
	}
}

// Backoff returns BaseDelay*2^(n-1) capped at MaxDelay, plus uniform jitter
// in [0, that value].
func (p Policy) Backoff(n int) time.Duration {
	d := p.exponential(n)
	if d <= 0 {
		return 0
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = uniform
	}
	return d + jitter(d)
}

func (p Policy) exponential(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d >= 1<<61 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func uniform(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
