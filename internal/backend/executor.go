// Package backend defines the contract every processing engine implements and
// the executor that runs a single, deadline-bounded attempt against it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// Input is what a stage hands to a backend.
type Input struct {
	DocumentID string
	Stage      models.Stage
	Profile    models.Profile
	// Pages are the ordered page object URIs of the document.
	Pages []string
	// Outputs maps completed stages to the location of their output.
	Outputs map[string]string
	// PriorAttempts is the number of attempts already committed for this
	// stage; attempt numbering and the attempt budget continue from it.
	PriorAttempts int
}

// Invoker is implemented by every concrete engine. It must honour ctx's
// deadline and return errors built with Throttled, Transient or Permanent.
type Invoker interface {
	Invoke(ctx context.Context, in Input, b models.Backend) (models.StageResult, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, in Input, b models.Backend) (models.StageResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, in Input, b models.Backend) (models.StageResult, error) {
	return f(ctx, in, b)
}

// Registry resolves a backend's Engine to its Invoker.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: map[string]Invoker{}}
}

// Register binds engine to inv, replacing any previous binding.
func (r *Registry) Register(engine string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[engine] = inv
}

// Get returns the invoker for engine.
func (r *Registry) Get(engine string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[engine]
	return inv, ok
}

// Executor invokes one backend call with a deadline and converts the raw
// result into an AttemptRecord.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor returns an executor resolving engines through registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger, now: time.Now}
}

// Execute runs attempt number attempt of in.Stage on b, bounded by timeout
// (zero means only ctx bounds it). It never returns an error: failures are
// reported through the record's Outcome and Error fields.
func (e *Executor) Execute(ctx context.Context, in Input, b models.Backend, attempt int, timeout time.Duration) (models.StageResult, models.AttemptRecord) {
	start := e.now()
	rec := models.AttemptRecord{
		ID:         uuid.NewString(),
		DocumentID: in.DocumentID,
		Stage:      in.Stage,
		BackendID:  b.ID,
		Attempt:    attempt,
		StartedAt:  start,
	}

	inv, ok := e.registry.Get(b.Engine)
	if !ok {
		rec.Outcome = models.OutcomePermanent
		rec.Error = fmt.Sprintf("no invoker registered for engine %q", b.Engine)
		return models.StageResult{}, rec
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := invokeSafely(callCtx, inv, in, b)
	rec.Latency = e.now().Sub(start)
	rec.Outcome = Classify(ctx, err)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		// The attempt deadline fired, whatever the engine made of it.
		rec.Outcome = models.OutcomeTransient
	}
	if err != nil {
		rec.Error = err.Error()
		e.logger.Warn("Backend attempt failed.",
			"documentId", in.DocumentID, "stage", in.Stage, "backendId", b.ID,
			"attempt", attempt, "outcome", rec.Outcome, "error", err)
		return models.StageResult{}, rec
	}

	rec.CostUnits = res.CostUnits
	if rec.CostUnits == 0 && b.UnitCost > 0 {
		pages := in.Profile.PageCount
		if pages < 1 {
			pages = 1
		}
		rec.CostUnits = b.UnitCost * float64(pages)
		res.CostUnits = rec.CostUnits
	}
	return res, rec
}

// invokeSafely turns an engine panic into a permanent failure so a buggy
// backend cannot take the admission ticket down with it.
func invokeSafely(ctx context.Context, inv Invoker, in Input, b models.Backend) (res models.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("backend %s panicked: %v", b.ID, r))
		}
	}()
	return inv.Invoke(ctx, in, b)
}
