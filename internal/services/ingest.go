package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentorchestrator/internal/gcp"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/retry"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

// Structural quality reported for a PDF that passes strict validation, and
// for one that only opens in relaxed mode.
const (
	QualityStrict  = 1.0
	QualityRelaxed = 0.5
)

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket   string            `json:"bucket"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// Trigger hands a submitted document to whatever drives it through the
// pipeline and returns an execution id.
type Trigger interface {
	Trigger(ctx context.Context, documentID string, pageCount int) (string, error)
}

// WorkflowTrigger starts a Cloud Workflows execution that calls the runner
// function for the document.
type WorkflowTrigger struct {
	client *executions.Client
	parent string
}

func NewWorkflowTrigger(client *executions.Client, projectID, location, workflowID string) *WorkflowTrigger {
	return &WorkflowTrigger{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

func (t *WorkflowTrigger) Trigger(ctx context.Context, documentID string, pageCount int) (string, error) {
	payload, err := workflowPayload(documentID, pageCount)
	if err != nil {
		return "", err
	}
	exec, err := t.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: t.parent,
		Execution: &executionspb.Execution{
			Argument: payload,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}

func workflowPayload(documentID string, pageCount int) (string, error) {
	b, err := json.Marshal(map[string]interface{}{
		"documentId": documentID,
		"pageCount":  pageCount,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return string(b), nil
}

// Ingestor turns an uploaded PDF into a QUEUED document: it deduplicates by
// content hash, profiles and splits the file, uploads the pages and hands the
// document to the workflow.
type Ingestor struct {
	storageClient *storage.Client
	pagesBucket   string
	records       workflow.Store
	docs          *gcp.GCSDocumentStore
	machine       *workflow.Machine
	trigger       Trigger
	upload        retry.Policy
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewIngestor(storageClient *storage.Client, pagesBucket string, records workflow.Store, docs *gcp.GCSDocumentStore, machine *workflow.Machine, trigger Trigger) *Ingestor {
	return &Ingestor{
		storageClient: storageClient,
		pagesBucket:   pagesBucket,
		records:       records,
		docs:          docs,
		machine:       machine,
		trigger:       trigger,
		upload:        retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 8 * time.Second},
		sleep:         sleepContext,
	}
}

func (f *Ingestor) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if !isPDF(e.Name) {
		logCtx.Info("Object is not a PDF. Skipping.")
		return nil
	}

	tempDir, err := os.MkdirTemp("", "document-ingest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	size, err := f.streamGCSObject(ctx, e.Bucket, e.Name, sourcePath)
	if err != nil {
		logCtx.Error("Failed to download source PDF", "error", err)
		return err
	}

	fileHash, err := calculateFileHash(sourcePath)
	if err != nil {
		logCtx.Error("Failed to calculate file hash", "error", err)
		return fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	existing, err := f.records.FindByHash(ctx, fileHash)
	switch {
	case err == nil:
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", existing.ID)
		return nil
	case !errors.Is(err, workflow.ErrNotFound):
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}

	doc := models.Document{
		ID:               uuid.NewString(),
		OriginalFilename: e.Name,
		FileHash:         fileHash,
	}
	logCtx = logCtx.With("documentId", doc.ID)

	prepared, err := preparePDF(sourcePath, filepath.Join(tempDir, "optimized.pdf"))
	if err != nil {
		return f.handleError(ctx, logCtx, doc, "failed to prepare PDF", err)
	}
	logCtx.Info("PDF optimized and split locally.", "pageCount", prepared.pageCount, "quality", prepared.quality)

	pages, err := f.uploadSplitPages(ctx, logCtx, doc.ID, prepared)
	if err != nil {
		return f.handleError(ctx, logCtx, doc, "one or more pages failed to upload", err)
	}

	doc.Pages = pages
	doc.Profile = models.Profile{
		Language:  strings.ToLower(e.Metadata["language"]),
		Quality:   prepared.quality,
		SizeBytes: size,
		PageCount: prepared.pageCount,
	}
	if err := f.docs.SaveProfile(ctx, doc.ID, doc.Profile); err != nil {
		return f.handleError(ctx, logCtx, doc, "failed to save profile", err)
	}

	if _, err := f.machine.Submit(ctx, doc); err != nil {
		logCtx.Error("Failed to submit document", "error", err)
		return err
	}

	execID, err := f.trigger.Trigger(ctx, doc.ID, prepared.pageCount)
	if err != nil {
		return f.handleError(ctx, logCtx, doc, "failed to trigger workflow execution", err)
	}
	logCtx.Info("Hand-off to workflow complete.", "executionId", execID)
	return nil
}

type preparedPDF struct {
	pageCount int
	quality   float64
	pagePaths []string
}

// preparePDF validates, optimizes and splits source into single pages next to
// optimized.
func preparePDF(source, optimized string) (preparedPDF, error) {
	quality := QualityStrict
	strict := model.NewDefaultConfiguration()
	strict.ValidationMode = model.ValidationStrict
	if err := api.ValidateFile(source, strict); err != nil {
		quality = QualityRelaxed
	}

	if err := optimizePDF(source, optimized); err != nil {
		return preparedPDF{}, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return preparedPDF{}, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return preparedPDF{}, errors.New("PDF has no pages")
	}
	if err := api.SplitFile(optimized, filepath.Dir(optimized), 1, nil); err != nil {
		return preparedPDF{}, fmt.Errorf("failed to split PDF: %w", err)
	}

	base := strings.TrimSuffix(optimized, filepath.Ext(optimized))
	paths := make([]string, pageCount)
	for i := range paths {
		paths[i] = splitPagePath(base, i+1)
	}
	return preparedPDF{pageCount: pageCount, quality: quality, pagePaths: paths}, nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func splitPagePath(base string, page int) string {
	return fmt.Sprintf("%s_%d.pdf", base, page)
}

func pageObject(documentID string, page int) string {
	return fmt.Sprintf("%s/%05d.pdf", documentID, page)
}

func (f *Ingestor) uploadSplitPages(ctx context.Context, logCtx *slog.Logger, documentID string, p preparedPDF) ([]string, error) {
	logCtx.Info("Starting concurrent upload of pages.", "pageCount", p.pageCount)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)

	uris := make([]string, p.pageCount)
	for i, local := range p.pagePaths {
		object := pageObject(documentID, i+1)
		uris[i] = fmt.Sprintf("gs://%s/%s", f.pagesBucket, object)
		eg.Go(func() error {
			if err := f.uploadFile(gctx, local, object); err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	logCtx.Info("All pages uploaded successfully.")
	return uris, nil
}

func (f *Ingestor) uploadFile(ctx context.Context, localPath, destObject string) error {
	var lastErr error
	for attempt := 1; attempt <= f.upload.MaxAttempts; attempt++ {
		err := func() error {
			localFileReader, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFileReader.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			gcsWriter := f.storageClient.Bucket(f.pagesBucket).Object(destObject).NewWriter(writeCtx)
			if _, err := io.Copy(gcsWriter, localFileReader); err != nil {
				_ = gcsWriter.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := gcsWriter.Close(); err != nil {
				return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
			}
			return nil
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt == f.upload.MaxAttempts {
			break
		}
		backoff := f.upload.Backoff(attempt)
		slog.Warn("Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", attempt,
			"maxAttempts", f.upload.MaxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := f.sleep(ctx, backoff); err != nil {
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", destObject, "error", err)
			return err
		}
	}
	slog.Error("Upload failed after all retries.", "gcsObject", destObject, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}

// handleError records the document as FAILED so a re-upload of the same
// file is recognised as a duplicate and the failure is visible in status.
func (f *Ingestor) handleError(ctx context.Context, logCtx *slog.Logger, doc models.Document, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.markFailed(context.WithoutCancel(ctx), doc, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to record FAILED status after a processing error.", "updateError", err)
	}
	return errors.New(fullError)
}

func (f *Ingestor) markFailed(ctx context.Context, doc models.Document, details string) error {
	now := time.Now()
	rec, err := f.records.Load(ctx, doc.ID)
	if errors.Is(err, workflow.ErrNotFound) {
		rec = models.NewDocumentRecord(doc, now)
		failRecord(rec, details, now)
		return f.records.Create(ctx, rec)
	}
	if err != nil {
		return err
	}
	failRecord(rec, details, now)
	return f.records.Commit(ctx, rec)
}

func failRecord(rec *models.DocumentRecord, details string, now time.Time) {
	rec.FailedStage = rec.Stage
	rec.Stage = models.StageFailed
	rec.Status = models.StatusFailed
	rec.ErrorDetails = details
	rec.EndedAt = now
	rec.UpdatedAt = now
}

func (f *Ingestor) streamGCSObject(ctx context.Context, bucket, object, destPath string) (int64, error) {
	gcsReader, err := f.storageClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer gcsReader.Close()
	localFile, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	n, err := io.Copy(localFile, gcsReader)
	if err != nil {
		return 0, fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return n, nil
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
