// Package services wires the orchestration core to Google Cloud and exposes
// the operations the Cloud Functions entry points call.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"

	"github.com/Lllllllleong/documentorchestrator/internal/admission"
	"github.com/Lllllllleong/documentorchestrator/internal/backend"
	"github.com/Lllllllleong/documentorchestrator/internal/breaker"
	"github.com/Lllllllleong/documentorchestrator/internal/config"
	"github.com/Lllllllleong/documentorchestrator/internal/gcp"
	"github.com/Lllllllleong/documentorchestrator/internal/ledger"
	"github.com/Lllllllleong/documentorchestrator/internal/logging"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/runner"
	"github.com/Lllllllleong/documentorchestrator/internal/status"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

// ConfigPollInterval is how often a config file named by ORCHESTRATOR_CONFIG
// is checked for changes.
const ConfigPollInterval = 30 * time.Second

// Orchestrator owns one instance of every shared component: the admission
// controller, circuit breaker, stage runner, state machine and status store.
type Orchestrator struct {
	Admission *admission.Controller
	Breaker   *breaker.Breaker
	Runner    *runner.Runner
	Machine   *workflow.Machine
	Status    *status.Store
	Ledger    *ledger.Ledger

	logger  *slog.Logger
	closers []func() error
}

// NewOrchestrator builds the core from cfg. Engines are resolved through
// registry by each backend's Engine name.
func NewOrchestrator(cfg config.Config, store workflow.Store, docs workflow.DocumentStore, registry *backend.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	adm := admission.New(cfg.Limits(), logger)
	brk := breaker.New(cfg.BreakerConfig(), logger)
	run := runner.New(cfg.RunnerOptions(), adm, brk, backend.NewExecutor(registry, logger), logger)
	l := ledger.New()
	machine := workflow.New(store, docs, run, l, logger)
	machine.SetSkipAssess(cfg.SkipAssess)
	machine.SetResumeConcurrency(cfg.ResumeConcurrency)

	return &Orchestrator{
		Admission: adm,
		Breaker:   brk,
		Runner:    run,
		Machine:   machine,
		Status:    status.New(store),
		Ledger:    l,
		logger:    logger,
	}
}

// Apply pushes a reloaded configuration to every component. In-flight
// attempts keep their tickets and finish under the settings they started
// with.
func (o *Orchestrator) Apply(cfg config.Config) {
	o.Admission.SetLimits(cfg.Limits())
	o.Breaker.SetConfig(cfg.BreakerConfig())
	o.Runner.Update(cfg.RunnerOptions())
	o.Machine.SetSkipAssess(cfg.SkipAssess)
	o.Machine.SetResumeConcurrency(cfg.ResumeConcurrency)
	o.logger.Info("Configuration applied.",
		"globalLimit", cfg.Concurrency.Global,
		"backends", len(cfg.Backends),
		"maxAttempts", cfg.Retry.MaxAttempts)
}

// RunDocument drives one document to a terminal stage, or until ctx is done,
// and returns its status.
func (o *Orchestrator) RunDocument(ctx context.Context, req *models.RunDocumentRequest) (*models.DocumentStatus, error) {
	if req.DocumentID == "" {
		return nil, errors.New("documentId is required")
	}
	logCtx := o.logger.With("documentId", req.DocumentID, "executionId", req.ExecutionID)
	logCtx.Info("Starting document run.")

	if _, err := o.Machine.Run(ctx, req.DocumentID, workflow.WithExecution(req.ExecutionID)); err != nil {
		logCtx.Error("Document run did not finish.", "error", err)
		return nil, err
	}
	st, err := o.Status.Lookup(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}
	logCtx.Info("Document run finished.", "stage", st.Stage, "totalCost", st.TotalCost)
	return &st, nil
}

// ResumeDocuments drives every document left unfinished by a crash or
// redeploy.
func (o *Orchestrator) ResumeDocuments(ctx context.Context) (*models.ResumeDocumentsResponse, error) {
	n, err := o.Machine.Resume(ctx)
	res := &models.ResumeDocumentsResponse{Status: "success", Resumed: n}
	if err != nil {
		res.Status = "partial"
	}
	return res, err
}

// Lookup returns the status projection for documentID.
func (o *Orchestrator) Lookup(ctx context.Context, documentID string) (*models.DocumentStatus, error) {
	st, err := o.Status.Lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Close releases the cloud clients opened by NewOrchestratorFromEnv.
func (o *Orchestrator) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i]())
	}
	return errors.Join(errs...)
}

// Environment bundles the cloud clients and stores built from configuration.
type Environment struct {
	Config       config.Config
	Logger       *slog.Logger
	Orchestrator *Orchestrator
	Storage      *storage.Client
	Records      *gcp.FirestoreStore
	Documents    *gcp.GCSDocumentStore
}

// NewEnvironment loads configuration, creates the Firestore, Storage and
// Vertex AI clients and builds an Orchestrator over them. When the config
// comes from a file, the file is watched for changes until ctx is done.
func NewEnvironment(ctx context.Context) (*Environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.GCP.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.GCP.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		_ = firestoreClient.Close()
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	docs, err := gcp.NewGCSDocumentStore(storageClient, cfg.GCP.SplitPagesBucket, cfg.GCP.ResultsBucket)
	if err != nil {
		closeAll(firestoreClient, storageClient)
		return nil, err
	}
	vertexClient, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.VertexAIRegion)
	if err != nil {
		closeAll(firestoreClient, storageClient)
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	registry := backend.NewRegistry()
	registry.Register(gcp.EngineVertex, gcp.NewVertexInvoker(vertexClient, func(ctx context.Context, uri string) ([]byte, error) {
		return gcp.ReadObject(ctx, storageClient, uri)
	}))

	records := gcp.NewFirestoreStore(firestoreClient, cfg.GCP.Collection)
	o := NewOrchestrator(cfg, records, docs, registry, logger)
	o.closers = append(o.closers, firestoreClient.Close, storageClient.Close, vertexClient.Close)

	if path := gcp.GetEnv(config.PathEnv, ""); path != "" {
		go func() {
			if err := config.Watch(ctx, path, ConfigPollInterval, o.Apply, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Config watcher stopped.", "error", err)
			}
		}()
	}

	logger.Info("Orchestrator initialized.", "projectId", cfg.GCP.ProjectID, "backends", len(cfg.Backends))
	return &Environment{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: o,
		Storage:      storageClient,
		Records:      records,
		Documents:    docs,
	}, nil
}

// NewIngestorFromEnvironment builds the ingestion service on env's clients
// and a Cloud Workflows trigger.
func NewIngestorFromEnvironment(ctx context.Context, env *Environment) (*Ingestor, error) {
	if env.Config.GCP.SplitPagesBucket == "" {
		return nil, fmt.Errorf("SPLIT_PAGES_BUCKET environment variable must be set")
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	env.Orchestrator.closers = append(env.Orchestrator.closers, executionsClient.Close)

	gcpCfg := env.Config.GCP
	trigger := NewWorkflowTrigger(executionsClient, gcpCfg.ProjectID, gcpCfg.WorkflowLocation, gcpCfg.WorkflowID)
	env.Logger.Info("Ingestor initialized.", "workflowId", gcpCfg.WorkflowID)
	return NewIngestor(env.Storage, gcpCfg.SplitPagesBucket, env.Records, env.Documents, env.Orchestrator.Machine, trigger), nil
}

func closeAll(firestoreClient *firestore.Client, storageClient *storage.Client) {
	_ = firestoreClient.Close()
	_ = storageClient.Close()
}
