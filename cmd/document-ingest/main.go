package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentorchestrator/internal/services"
)

var (
	ingestorInstance *services.Ingestor
	once             sync.Once
	initErr          error
)

func init() {
	// Replaced by the configured logger once the environment is built.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.CloudEvent("IngestDocument", ingestDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// ingestDocument handles storage finalize events for uploaded PDFs.
func ingestDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		env, err := services.NewEnvironment(context.Background())
		if err != nil {
			initErr = err
			return
		}
		ingestorInstance, initErr = services.NewIngestorFromEnvironment(context.Background(), env)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process; returning one marks the
	// invocation failed so the event is redelivered.
	return ingestorInstance.Process(ctx, gcsEvent)
}
