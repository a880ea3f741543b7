package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrAlreadyExists  = errors.New("document already exists")
	ErrConflict       = errors.New("document was modified concurrently")
	ErrAlreadyRunning = errors.New("document is already running")
)

// Store persists one record per document. Implementations must be durable
// and strongly consistent for single-document reads after a commit.
type Store interface {
	// Create inserts rec, failing with ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, rec *models.DocumentRecord) error
	// Load returns the latest committed record or ErrNotFound.
	Load(ctx context.Context, id string) (*models.DocumentRecord, error)
	// Commit replaces the stored record if its version still equals
	// rec.Version, then increments rec.Version. Otherwise it returns
	// ErrConflict and stores nothing.
	Commit(ctx context.Context, rec *models.DocumentRecord) error
	// FindByHash returns a record with the given file hash or ErrNotFound.
	FindByHash(ctx context.Context, hash string) (*models.DocumentRecord, error)
	// ListActive returns the ids of every non-terminal document.
	ListActive(ctx context.Context) ([]string, error)
}

// DocumentStore holds document content and stage results.
type DocumentStore interface {
	LoadProfile(ctx context.Context, id string) (models.Profile, error)
	// PersistStageResult stores result and returns its location.
	PersistStageResult(ctx context.Context, id string, stage models.Stage, result models.StageResult) (string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.DocumentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*models.DocumentRecord{}}
}

func (s *MemoryStore) Create(_ context.Context, rec *models.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}
	rec.Version = 1
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*models.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Commit(_ context.Context, rec *models.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	if cur.Version != rec.Version {
		return fmt.Errorf("%w: %s (have version %d, stored %d)", ErrConflict, rec.ID, rec.Version, cur.Version)
	}
	rec.Version++
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) (*models.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if hash != "" && rec.FileHash == hash {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
}

func (s *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.records {
		if !rec.Stage.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
