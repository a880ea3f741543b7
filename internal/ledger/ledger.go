// Package ledger accumulates the cost of backend attempts per document, stage
// and backend.
package ledger

import (
	"fmt"
	"sync"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// Summary is the cost breakdown of one document.
type Summary struct {
	DocumentID string                   `json:"documentId"`
	Total      float64                  `json:"total"`
	ByStage    map[models.Stage]float64 `json:"byStage"`
	ByBackend  map[string]float64       `json:"byBackend"`
	Attempts   int                      `json:"attempts"`
}

type totals struct {
	total     float64
	byStage   map[models.Stage]float64
	byBackend map[string]float64
	attempts  int
}

// Ledger is append-only: a record is counted once, keyed by its attempt id,
// and totals are only ever added to. It is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	seen      map[string]struct{}
	docs      map[string]*totals
	byBackend map[string]float64
	pipeline  float64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		seen:      map[string]struct{}{},
		docs:      map[string]*totals{},
		byBackend: map[string]float64{},
	}
}

func key(rec models.AttemptRecord) string {
	if rec.ID != "" {
		return rec.ID
	}
	return fmt.Sprintf("%s/%s/%d", rec.DocumentID, rec.Stage, rec.Attempt)
}

// Record adds rec's cost. It returns false when rec was already recorded,
// which makes replaying an attempt stream harmless.
func (l *Ledger) Record(rec models.AttemptRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(rec)
}

// RecordAll records every entry of recs and returns how many were new.
func (l *Ledger) RecordAll(recs []models.AttemptRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if l.recordLocked(rec) {
			n++
		}
	}
	return n
}

func (l *Ledger) recordLocked(rec models.AttemptRecord) bool {
	k := key(rec)
	if _, dup := l.seen[k]; dup {
		return false
	}
	l.seen[k] = struct{}{}

	t, ok := l.docs[rec.DocumentID]
	if !ok {
		t = &totals{byStage: map[models.Stage]float64{}, byBackend: map[string]float64{}}
		l.docs[rec.DocumentID] = t
	}
	t.attempts++
	t.total += rec.CostUnits
	t.byStage[rec.Stage] += rec.CostUnits
	t.byBackend[rec.BackendID] += rec.CostUnits
	l.byBackend[rec.BackendID] += rec.CostUnits
	l.pipeline += rec.CostUnits
	return true
}

// TotalFor returns the cost of every recorded attempt of documentID.
func (l *Ledger) TotalFor(documentID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.docs[documentID]; ok {
		return t.total
	}
	return 0
}

// TotalForStage returns the cost of documentID's attempts in stage.
func (l *Ledger) TotalForStage(documentID string, stage models.Stage) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.docs[documentID]; ok {
		return t.byStage[stage]
	}
	return 0
}

// TotalForBackend returns the cost charged to backendID across all documents.
func (l *Ledger) TotalForBackend(backendID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byBackend[backendID]
}

// PipelineTotal returns the cost of every recorded attempt.
func (l *Ledger) PipelineTotal() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pipeline
}

// Summary returns the breakdown for documentID.
func (l *Ledger) Summary(documentID string) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Summary{
		DocumentID: documentID,
		ByStage:    map[models.Stage]float64{},
		ByBackend:  map[string]float64{},
	}
	t, ok := l.docs[documentID]
	if !ok {
		return s
	}
	s.Total = t.total
	s.Attempts = t.attempts
	for k, v := range t.byStage {
		s.ByStage[k] = v
	}
	for k, v := range t.byBackend {
		s.ByBackend[k] = v
	}
	return s
}

// Summarize computes documentID's breakdown from recs alone. Each attempt is
// counted once and nothing outlives the call.
func Summarize(documentID string, recs []models.AttemptRecord) Summary {
	l := New()
	l.RecordAll(recs)
	return l.Summary(documentID)
}
