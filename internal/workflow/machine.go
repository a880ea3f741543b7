// Package workflow drives documents through the ordered pipeline stages and
// persists every transition so that a restart resumes at the last committed
// stage.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentorchestrator/internal/admission"
	"github.com/Lllllllleong/documentorchestrator/internal/backend"
	"github.com/Lllllllleong/documentorchestrator/internal/ledger"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// StageRunner runs one stage of one document.
type StageRunner interface {
	Run(ctx context.Context, in backend.Input) models.StageOutcome
}

// Machine is the document state machine. Each document is an independent
// instance persisted in the Store; the Machine itself only guards against the
// same document being driven twice by this process.
type Machine struct {
	store  Store
	docs   DocumentStore
	runner StageRunner
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time

	skipAssess        atomic.Bool
	resumeConcurrency atomic.Int64

	mu      sync.Mutex
	running map[string]bool
}

// New returns a machine. docs may be nil when stage outputs are not
// persisted.
func New(store Store, docs DocumentStore, runner StageRunner, l *ledger.Ledger, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = ledger.New()
	}
	m := &Machine{
		store:   store,
		docs:    docs,
		runner:  runner,
		ledger:  l,
		logger:  logger,
		now:     time.Now,
		running: map[string]bool{},
	}
	m.resumeConcurrency.Store(4)
	return m
}

// SetSkipAssess makes ASSESS transition directly to COMPLETED.
func (m *Machine) SetSkipAssess(skip bool) { m.skipAssess.Store(skip) }

// SetResumeConcurrency bounds how many documents Resume drives at once.
func (m *Machine) SetResumeConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	m.resumeConcurrency.Store(int64(n))
}

// Ledger returns the cost ledger fed by committed outcomes.
func (m *Machine) Ledger() *ledger.Ledger { return m.ledger }

// Submit creates the QUEUED record for doc. A missing profile is loaded from
// the document store.
func (m *Machine) Submit(ctx context.Context, doc models.Document) (*models.DocumentRecord, error) {
	if doc.ID == "" {
		return nil, errors.New("document id is required")
	}
	if doc.Profile.IsZero() && m.docs != nil {
		p, err := m.docs.LoadProfile(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		doc.Profile = p
	}
	rec := models.NewDocumentRecord(doc, m.now())
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Info("Document queued.", "documentId", doc.ID, "pages", len(doc.Pages))
	return rec, nil
}

type runConfig struct {
	executionID string
}

// RunOption customizes a single Run.
type RunOption func(*runConfig)

// WithExecution records the id of the workflow execution driving the run.
func WithExecution(id string) RunOption {
	return func(c *runConfig) { c.executionID = id }
}

func (m *Machine) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[id] {
		return false
	}
	m.running[id] = true
	return true
}

func (m *Machine) unclaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

// Run drives document id from its last committed stage until it reaches a
// terminal stage or ctx is done. Every stage outcome is committed, attempt
// history included, before the next stage starts. On cancellation the
// cancelled attempt is committed and ctx.Err() is returned.
func (m *Machine) Run(ctx context.Context, id string, opts ...RunOption) (*models.DocumentRecord, error) {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}
	if !m.claim(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer m.unclaim(id)

	rec, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("documentId", id)
	if rec.Stage.IsTerminal() {
		return rec, nil
	}

	// Commits outlive the caller's context so that a cancelled run still
	// leaves a consistent record behind.
	commitCtx := context.WithoutCancel(ctx)

	if rec.Stage == models.StageQueued || (cfg.executionID != "" && rec.WorkflowExecution != cfg.executionID) {
		if rec.Stage == models.StageQueued {
			rec.Stage = rec.Stage.Next()
			rec.Status = models.StatusInProgress
			rec.StartedAt = m.now()
		}
		if cfg.executionID != "" {
			rec.WorkflowExecution = cfg.executionID
		}
		if err := m.commit(commitCtx, rec); err != nil {
			return nil, err
		}
		log.Info("Document started.", "stage", rec.Stage)
	}

	for !rec.Stage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		stage := rec.Stage

		if stage == models.StageAssess && m.skipAssess.Load() {
			rec.SkippedStages = append(rec.SkippedStages, stage)
			m.complete(rec)
			if err := m.commit(commitCtx, rec); err != nil {
				return nil, err
			}
			log.Info("Stage skipped.", "stage", stage)
			continue
		}

		in, err := m.input(ctx, rec, stage)
		if err != nil {
			return rec, err
		}
		out := m.runner.Run(ctx, in)

		if out.Status == models.StageFailedRun && errors.Is(out.Err, admission.ErrDuplicateHolder) {
			return rec, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}

		var persistErr error
		switch out.Status {
		case models.StageSucceeded:
			loc, err := m.persist(commitCtx, id, stage, out.Result)
			if err != nil {
				// The stage stays current; the successful attempt is kept in
				// the history and the stage is re-run on resumption.
				persistErr = fmt.Errorf("failed to persist %s result: %w", stage, err)
				break
			}
			m.advance(rec, stage, loc, out)
		case models.StageFailedRun:
			rec.Stage = models.StageFailed
			rec.Status = models.StatusFailed
			rec.FailedStage = stage
			rec.ErrorDetails = out.Err.Error()
			rec.EndedAt = m.now()
		}
		rec.Attempts = append(rec.Attempts, out.Attempts...)
		rec.TotalCost += out.Cost()

		if err := m.commit(commitCtx, rec); err != nil {
			return nil, err
		}
		m.ledger.RecordAll(out.Attempts)

		switch {
		case persistErr != nil:
			log.Error("Stage result not persisted.", "stage", stage, "error", persistErr)
			return rec, persistErr
		case out.Status == models.StageCancelled:
			log.Warn("Document run cancelled.", "stage", stage)
			return rec, out.Err
		case rec.Stage == models.StageFailed:
			log.Error("Document failed.", "stage", stage, "error", rec.ErrorDetails)
		default:
			log.Info("Stage committed.", "stage", stage, "next", rec.Stage, "backendId", out.BackendID)
		}
	}
	return rec, nil
}

func (m *Machine) input(ctx context.Context, rec *models.DocumentRecord, stage models.Stage) (backend.Input, error) {
	profile := rec.Profile
	if profile.IsZero() && m.docs != nil {
		p, err := m.docs.LoadProfile(ctx, rec.ID)
		if err != nil {
			return backend.Input{}, fmt.Errorf("failed to load profile: %w", err)
		}
		profile = p
	}
	outputs := make(map[string]string, len(rec.Outputs))
	for k, v := range rec.Outputs {
		outputs[k] = v
	}
	return backend.Input{
		DocumentID:    rec.ID,
		Stage:         stage,
		Profile:       profile,
		Pages:         append([]string(nil), rec.Pages...),
		Outputs:       outputs,
		PriorAttempts: len(rec.AttemptsFor(stage)),
	}, nil
}

func (m *Machine) persist(ctx context.Context, id string, stage models.Stage, res models.StageResult) (string, error) {
	if m.docs == nil {
		return "", nil
	}
	return m.docs.PersistStageResult(ctx, id, stage, res)
}

func (m *Machine) advance(rec *models.DocumentRecord, stage models.Stage, loc string, out models.StageOutcome) {
	if loc != "" {
		if rec.Outputs == nil {
			rec.Outputs = map[string]string{}
		}
		rec.Outputs[string(stage)] = loc
		rec.OutputLocation = loc
	}
	if n := out.Result.PagesProcessed; n > 0 {
		rec.PagesProcessed = n
	}
	if n := out.Result.SectionsIdentified; n > 0 {
		rec.SectionsIdentified = n
	}
	rec.Stage = stage.Next()
	if rec.Stage == models.StageCompleted {
		m.complete(rec)
	}
}

func (m *Machine) complete(rec *models.DocumentRecord) {
	rec.Stage = models.StageCompleted
	rec.Status = models.StatusCompleted
	rec.EndedAt = m.now()
}

func (m *Machine) commit(ctx context.Context, rec *models.DocumentRecord) error {
	rec.UpdatedAt = m.now()
	if err := m.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", rec.ID, err)
	}
	return nil
}

// Resume drives every non-terminal document, a bounded number at a time, and
// returns how many runs finished without error. Documents already running in
// this process are skipped.
func (m *Machine) Resume(ctx context.Context) (int, error) {
	ids, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active documents: %w", err)
	}

	var (
		mu      sync.Mutex
		errs    []error
		resumed atomic.Int64
	)
	var g errgroup.Group
	g.SetLimit(int(m.resumeConcurrency.Load()))
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.Run(ctx, id)
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				return nil
			case err != nil:
				m.logger.Error("Failed to resume document.", "documentId", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
				return nil
			}
			resumed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("Resumption finished.", "candidates", len(ids), "resumed", resumed.Load(), "errors", len(errs))
	return int(resumed.Load()), errors.Join(errs...)
}
