package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentorchestrator/internal/services"
	"github.com/Lllllllleong/documentorchestrator/internal/workflow"
)

var (
	orchestrator *services.Orchestrator
	once         sync.Once
	initErr      error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.HTTP("HandleDocumentStatus", handleDocumentStatus)
}

func main() {}

// handleDocumentStatus serves GET ?documentId=<id>.
func handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	once.Do(func() {
		env, err := services.NewEnvironment(context.Background())
		if err != nil {
			initErr = err
			return
		}
		orchestrator = env.Orchestrator
	})
	if initErr != nil {
		slog.Error("Critical: Status service initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}

	res, err := orchestrator.Lookup(r.Context(), documentID)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		http.Error(w, "Not Found: unknown document", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Status lookup failed", "error", err, "documentId", documentID)
		http.Error(w, "Internal Server Error: lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", documentID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
