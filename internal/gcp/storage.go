package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not an error: the first write wins.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		slog.Error("Failed to copy content to GCS object.", "object", objectName, "error", err)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		slog.Error("Failed to close GCS writer.", "object", objectName, "error", err)
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ProfileObject is the name of the profile written at ingestion.
func ProfileObject(documentID string) string {
	return documentID + "/profile.json"
}

// ResultObject names the object holding a stage result. OCR output is the
// aggregated master markdown; every other stage stores JSON.
func ResultObject(documentID string, stage models.Stage) string {
	if stage == models.StageOCR {
		return documentID + "/master.md"
	}
	return fmt.Sprintf("%s/%s.json", documentID, strings.ToLower(string(stage)))
}

// ParseGCSURI splits gs://bucket/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs uri %q lacks bucket or object", uri)
	}
	return bucket, object, nil
}

// stageEnvelope is the metadata stored next to every stage result.
type stageEnvelope struct {
	DocumentID         string       `json:"documentId"`
	Stage              models.Stage `json:"stage"`
	MimeType           string       `json:"mimeType"`
	Location           string       `json:"location"`
	CostUnits          float64      `json:"costUnits"`
	PagesProcessed     int          `json:"pagesProcessed,omitempty"`
	SectionsIdentified int          `json:"sectionsIdentified,omitempty"`
}

// GCSDocumentStore keeps document profiles in the split pages bucket and
// stage results in the results bucket.
type GCSDocumentStore struct {
	client        *storage.Client
	pagesBucket   string
	resultsBucket string
}

// NewGCSDocumentStore returns a store over the two buckets.
func NewGCSDocumentStore(client *storage.Client, pagesBucket, resultsBucket string) (*GCSDocumentStore, error) {
	if pagesBucket == "" || resultsBucket == "" {
		return nil, fmt.Errorf("SPLIT_PAGES_BUCKET and RESULTS_BUCKET must be set")
	}
	return &GCSDocumentStore{client: client, pagesBucket: pagesBucket, resultsBucket: resultsBucket}, nil
}

// SaveProfile writes the profile observed at ingestion.
func (s *GCSDocumentStore) SaveProfile(ctx context.Context, id string, p models.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	return SaveToGCSAtomically(ctx, s.client.Bucket(s.pagesBucket), ProfileObject(id), data)
}

// LoadProfile reads the profile written at ingestion.
func (s *GCSDocumentStore) LoadProfile(ctx context.Context, id string) (models.Profile, error) {
	r, err := s.client.Bucket(s.pagesBucket).Object(ProfileObject(id)).NewReader(ctx)
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to open profile for %s: %w", id, err)
	}
	defer r.Close()

	var p models.Profile
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return models.Profile{}, fmt.Errorf("failed to decode profile for %s: %w", id, err)
	}
	return p, nil
}

// PersistStageResult writes the stage output and its metadata envelope and
// returns the gs:// location of the output. Writes are idempotent: a stage
// re-run after a crash keeps the output that was persisted first.
func (s *GCSDocumentStore) PersistStageResult(ctx context.Context, id string, stage models.Stage, result models.StageResult) (string, error) {
	bucket := s.client.Bucket(s.resultsBucket)
	object := ResultObject(id, stage)
	location := fmt.Sprintf("gs://%s/%s", s.resultsBucket, object)

	if err := SaveToGCSAtomically(ctx, bucket, object, result.Output); err != nil {
		return "", err
	}

	env, err := json.Marshal(stageEnvelope{
		DocumentID:         id,
		Stage:              stage,
		MimeType:           result.MimeType,
		Location:           location,
		CostUnits:          result.CostUnits,
		PagesProcessed:     result.PagesProcessed,
		SectionsIdentified: result.SectionsIdentified,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s envelope: %w", stage, err)
	}
	envObject := fmt.Sprintf("%s/%s.meta.json", id, strings.ToLower(string(stage)))
	if err := SaveToGCSAtomically(ctx, bucket, envObject, env); err != nil {
		return "", err
	}

	slog.Info("Stage result persisted.", "documentId", id, "stage", stage, "location", location)
	return location, nil
}

// ReadObject returns the content of a gs:// object.
func ReadObject(ctx context.Context, client *storage.Client, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}
