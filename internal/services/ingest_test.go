package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

func TestIsPDF(t *testing.T) {
	assert.True(t, isPDF("uploads/spec.pdf"))
	assert.True(t, isPDF("SPEC.PDF"))
	assert.False(t, isPDF("notes.txt"))
	assert.False(t, isPDF("pdf"))
}

func TestObjectNaming(t *testing.T) {
	assert.Equal(t, "doc-1/00007.pdf", pageObject("doc-1", 7))
	assert.Equal(t, "/tmp/x/optimized_3.pdf", splitPagePath("/tmp/x/optimized", 3))
}

func TestCalculateFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	h, err := calculateFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)

	_, err = calculateFileHash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestWorkflowPayload(t *testing.T) {
	raw, err := workflowPayload("doc-1", 12)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "doc-1", got["documentId"])
	assert.EqualValues(t, 12, got["pageCount"])
}

func TestPreparePDF_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.pdf")
	require.NoError(t, os.WriteFile(src, []byte("this is not a pdf"), 0o644))
	_, err := preparePDF(src, filepath.Join(dir, "optimized.pdf"))
	assert.Error(t, err)
}

func TestMarkFailed(t *testing.T) {
	store := workflow.NewMemoryStore()
	f := &Ingestor{records: store}
	doc := models.Document{ID: "doc-1", FileHash: "h1", OriginalFilename: "a.pdf"}
	ctx := context.Background()

	require.NoError(t, f.markFailed(ctx, doc, "failed to prepare PDF: broken xref"))
	rec, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, rec.Stage)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, models.StageQueued, rec.FailedStage)
	assert.Equal(t, "failed to prepare PDF: broken xref", rec.ErrorDetails)

	dup, err := store.FindByHash(ctx, "h1")
	require.NoError(t, err, "a failed upload still deduplicates")
	assert.Equal(t, "doc-1", dup.ID)
}

func TestMarkFailed_ExistingRecord(t *testing.T) {
	store := workflow.NewMemoryStore()
	ctx := context.Background()
	doc := models.Document{ID: "doc-1", FileHash: "h1"}
	require.NoError(t, store.Create(ctx, models.NewDocumentRecord(doc, time.Now())))

	f := &Ingestor{records: store}
	require.NoError(t, f.markFailed(ctx, doc, "failed to trigger workflow execution: denied"))

	rec, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.EqualValues(t, 2, rec.Version)
}

func TestHandleErrorReturnsMessage(t *testing.T) {
	store := workflow.NewMemoryStore()
	f := &Ingestor{records: store}
	err := f.handleError(context.Background(), slog.New(slog.DiscardHandler), models.Document{ID: "doc-1"}, "failed to split PDF", errors.New("bad page tree"))
	assert.EqualError(t, err, "failed to split PDF: bad page tree")
	_, loadErr := store.Load(context.Background(), "doc-1")
	assert.NoError(t, loadErr)
}
