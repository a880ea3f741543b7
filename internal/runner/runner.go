// Package runner runs one pipeline stage of one document to success or
// terminal failure, composing backend selection, admission control, circuit
// breaking, retries and the attempt executor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/documentorchestrator/internal/admission"
	"github.com/Lllllllleong/documentorchestrator/internal/backend"
	"github.com/Lllllllleong/documentorchestrator/internal/breaker"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/retry"
	"github.com/Lllllllleong/documentorchestrator/internal/selector"
)

var (
	// ErrAllBackendsUnavailable is the stage-level terminal failure returned
	// when every candidate backend is open or exhausted.
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")
	// ErrRetriesExhausted is returned when the attempt budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrPermanent wraps a permanent failure reported by a backend.
	ErrPermanent = errors.New("permanent backend failure")
)

// Options are the hot-reloadable settings of a Runner.
type Options struct {
	Catalog  selector.Catalog
	Policies map[models.Stage]selector.Policy
	Retry    retry.Policy
	// AdmissionTimeout bounds a single wait for an admission ticket. Zero
	// waits until the context is done.
	AdmissionTimeout time.Duration
	// AttemptTimeout is the deadline of one backend call.
	AttemptTimeout time.Duration
}

// Runner is shared by every document; each Run call is independent.
type Runner struct {
	opts      atomic.Pointer[Options]
	admission *admission.Controller
	breaker   *breaker.Breaker
	executor  *backend.Executor
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

// New returns a runner. The admission controller and breaker are the
// cross-document shared state and must be shared by every runner.
func New(opts Options, adm *admission.Controller, brk *breaker.Breaker, exec *backend.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{admission: adm, breaker: brk, executor: exec, sleep: sleepContext, logger: logger}
	r.Update(opts)
	return r
}

// WithSleep replaces the backoff sleep; tests only.
func (r *Runner) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Runner {
	r.sleep = fn
	return r
}

// Update swaps the options. Runs in progress keep the options they started
// with.
func (r *Runner) Update(opts Options) {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	r.opts.Store(&opts)
}

// Options returns the current options.
func (r *Runner) Options() Options {
	return *r.opts.Load()
}

// Run drives in.Stage for in.DocumentID. Backends are escalated
// automatically: one that fails permanently, or whose circuit opens, is
// excluded and selection runs again. The attempt budget is shared by every
// backend tried and continues from in.PriorAttempts. Admission rejections do
// not consume attempts.
func (r *Runner) Run(ctx context.Context, in backend.Input) models.StageOutcome {
	opts := r.Options()
	log := r.logger.With("documentId", in.DocumentID, "stage", in.Stage)
	out := models.StageOutcome{DocumentID: in.DocumentID, Stage: in.Stage}
	policy := opts.Policies[in.Stage]
	holder := in.DocumentID + "/" + string(in.Stage)

	excluded := map[string]bool{}
	attempt := in.PriorAttempts
	var (
		current      models.Backend
		selected     bool
		circuitSkips int
		rejections   int
		lastErr      error
	)

	fail := func(err error) models.StageOutcome {
		out.Status = models.StageFailedRun
		out.Err = err
		log.Error("Stage failed.", "attempts", len(out.Attempts), "error", err)
		return out
	}
	cancelled := func(b models.Backend, record bool) models.StageOutcome {
		out.Status = models.StageCancelled
		out.Err = ctx.Err()
		if record {
			out.Attempts = append(out.Attempts, models.AttemptRecord{
				ID:         uuid.NewString(),
				DocumentID: in.DocumentID,
				Stage:      in.Stage,
				BackendID:  b.ID,
				Attempt:    attempt + 1,
				StartedAt:  time.Now(),
				Outcome:    models.OutcomeCancelled,
				Error:      ctx.Err().Error(),
			})
		}
		log.Warn("Stage cancelled.", "backendId", b.ID, "attempts", len(out.Attempts))
		return out
	}

	for {
		if attempt >= opts.Retry.MaxAttempts {
			err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
			if lastErr != nil {
				err = fmt.Errorf("%w: %w", err, lastErr)
			}
			return fail(err)
		}

		if !selected {
			b, err := selector.Select(opts.Catalog, in.Stage, in.Profile, policy, excluded)
			switch {
			case err == nil:
			case circuitSkips > 0 && lastErr != nil:
				return fail(fmt.Errorf("%w: %w; %w", ErrAllBackendsUnavailable, breaker.ErrBackendUnavailable, lastErr))
			case circuitSkips > 0:
				return fail(fmt.Errorf("%w: %w", ErrAllBackendsUnavailable, breaker.ErrBackendUnavailable))
			case lastErr != nil:
				return fail(fmt.Errorf("%w: %w", ErrAllBackendsUnavailable, lastErr))
			default:
				return fail(err)
			}
			if r.breaker.IsOpen(b.ID) {
				log.Info("Skipping backend with open circuit.", "backendId", b.ID)
				excluded[b.ID] = true
				circuitSkips++
				continue
			}
			current, selected = b, true
		}

		ticket, err := r.admission.Acquire(ctx, admission.Request{Holder: holder, Scopes: scopesFor(current)}, opts.AdmissionTimeout)
		if err != nil {
			switch {
			case errors.Is(err, admission.ErrRejected):
				rejections++
				wait := opts.Retry.Backoff(rejections)
				log.Info("Admission rejected, backing off.", "backendId", current.ID, "wait", wait.String())
				if r.sleep(ctx, wait) != nil {
					return cancelled(current, true)
				}
				continue
			case ctx.Err() != nil:
				return cancelled(current, true)
			default:
				return fail(err)
			}
		}
		rejections = 0

		permit, err := r.breaker.Allow(current.ID)
		if err != nil {
			ticket.Release()
			log.Info("Backend circuit rejected the call.", "backendId", current.ID, "error", err)
			excluded[current.ID] = true
			circuitSkips++
			selected = false
			continue
		}

		attempt++
		res, rec := r.executor.Execute(ctx, in, current, attempt, opts.AttemptTimeout)
		ticket.Release()
		r.breaker.Record(current.ID, permit, rec.Outcome)
		out.Attempts = append(out.Attempts, rec)

		if rec.Outcome == models.OutcomeCancelled {
			return cancelled(current, false)
		}

		decision := opts.Retry.NextAction(attempt, rec.Outcome)
		switch decision.Action {
		case retry.ActionComplete:
			out.Status = models.StageSucceeded
			out.BackendID = current.ID
			out.Result = res
			log.Info("Stage succeeded.", "backendId", current.ID, "attempt", attempt, "costUnits", rec.CostUnits)
			return out

		case retry.ActionRetry:
			lastErr = fmt.Errorf("backend %s: %s: %s", current.ID, rec.Outcome, rec.Error)
			if r.breaker.IsOpen(current.ID) {
				log.Warn("Circuit opened, escalating.", "backendId", current.ID)
				excluded[current.ID] = true
				circuitSkips++
				selected = false
				continue
			}
			log.Info("Retrying backend.", "backendId", current.ID, "attempt", attempt, "wait", decision.After.String())
			if r.sleep(ctx, decision.After) != nil {
				return cancelled(current, true)
			}

		case retry.ActionFail:
			lastErr = fmt.Errorf("%w: backend %s: %s", ErrPermanent, current.ID, rec.Error)
			log.Warn("Backend failed permanently, escalating.", "backendId", current.ID, "attempt", attempt)
			excluded[current.ID] = true
			selected = false

		case retry.ActionGiveUp:
			return fail(fmt.Errorf("%w after %d attempts: backend %s: %s", ErrRetriesExhausted, attempt, current.ID, rec.Error))
		}
	}
}

func scopesFor(b models.Backend) []admission.Scope {
	scopes := []admission.Scope{admission.GlobalScope(), admission.BackendScope(b.ID)}
	if b.ResourceClass != "" {
		scopes = append(scopes, admission.ClassScope(b.ResourceClass))
	}
	return scopes
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
