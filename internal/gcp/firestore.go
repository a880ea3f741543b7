package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

var errStaleVersion = errors.New("stale version")

// FirestoreStore keeps one document per DocumentRecord, keyed by document id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore returns a store over collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

var _ workflow.Store = (*FirestoreStore)(nil)

func (s *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) Create(ctx context.Context, rec *models.DocumentRecord) error {
	next := rec.Clone()
	next.Version = 1
	if _, err := s.doc(rec.ID).Create(ctx, next); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", workflow.ErrAlreadyExists, rec.ID)
		}
		return fmt.Errorf("failed to create document %s: %w", rec.ID, err)
	}
	rec.Version = 1
	return nil
}

func (s *FirestoreStore) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	snap, err := s.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return decodeRecord(snap)
}

// Commit compares versions and writes inside one transaction so two
// processes racing on the same document cannot both win.
func (s *FirestoreStore) Commit(ctx context.Context, rec *models.DocumentRecord) error {
	ref := s.doc(rec.ID)
	next := rec.Clone()
	next.Version = rec.Version + 1

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `firestore:"version"`
		}
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("failed to decode version: %w", err)
		}
		if stored.Version != rec.Version {
			return fmt.Errorf("%w: stored %d, committing %d", errStaleVersion, stored.Version, rec.Version)
		}
		return tx.Set(ref, next)
	})
	switch {
	case err == nil:
		rec.Version = next.Version
		return nil
	case errors.Is(err, errStaleVersion):
		return fmt.Errorf("%w: %s: %v", workflow.ErrConflict, rec.ID, err)
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, rec.ID)
	default:
		return fmt.Errorf("failed to commit document %s: %w", rec.ID, err)
	}
}

func (s *FirestoreStore) FindByHash(ctx context.Context, hash string) (*models.DocumentRecord, error) {
	docs, err := s.client.Collection(s.collection).Where("fileHash", "==", hash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: hash %s", workflow.ErrNotFound, hash)
	}
	return decodeRecord(docs[0])
}

// ListActive returns the ids of documents still QUEUED or IN_PROGRESS.
func (s *FirestoreStore) ListActive(ctx context.Context) ([]string, error) {
	active := []string{string(models.StatusQueued), string(models.StatusInProgress)}
	iter := s.client.Collection(s.collection).Where("status", "in", active).Select().Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list active documents: %w", err)
		}
		ids = append(ids, snap.Ref.ID)
	}
	slog.Debug("Listed active documents.", "collection", s.collection, "count", len(ids))
	return ids, nil
}

func decodeRecord(snap *firestore.DocumentSnapshot) (*models.DocumentRecord, error) {
	var rec models.DocumentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	rec.ID = snap.Ref.ID
	if rec.Outputs == nil {
		rec.Outputs = map[string]string{}
	}
	return &rec, nil
}
