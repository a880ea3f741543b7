// Package status serves the read-only projection of a document's progress
// and cost.
package status

import (
	"context"
	"time"

	"github.com/Lllllllleong/documentorchestrator/internal/ledger"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

// Store projects committed document records into status views.
type Store struct {
	records workflow.Store
}

// New returns a status store over records.
func New(records workflow.Store) *Store {
	return &Store{records: records}
}

// Lookup returns the projection of the latest committed state of
// documentID. Unknown ids yield workflow.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, documentID string) (models.DocumentStatus, error) {
	rec, err := s.records.Load(ctx, documentID)
	if err != nil {
		return models.DocumentStatus{}, err
	}
	// Cost comes from the committed attempt history only.
	summary := ledger.Summarize(documentID, rec.Attempts)

	return models.DocumentStatus{
		DocumentID:         documentID,
		Stage:              rec.Stage,
		Status:             rec.Status,
		StartTime:          timePtr(rec.StartedAt),
		EndTime:            timePtr(rec.EndedAt),
		PagesProcessed:     rec.PagesProcessed,
		SectionsIdentified: rec.SectionsIdentified,
		OutputLocation:     rec.OutputLocation,
		FailedStage:        rec.FailedStage,
		ErrorDetails:       rec.ErrorDetails,
		TotalCost:          summary.Total,
		CostByStage:        summary.ByStage,
		Attempts:           len(rec.Attempts),
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
