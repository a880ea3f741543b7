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

	"github.com/Lllllllleong/documentorchestrator/internal/models"
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

	functions.HTTP("HandleRunDocument", handleRunDocument)
	functions.HTTP("HandleResumeDocuments", handleResumeDocuments)
}

func main() {}

func initialize() error {
	once.Do(func() {
		env, err := services.NewEnvironment(context.Background())
		if err != nil {
			initErr = err
			return
		}
		orchestrator = env.Orchestrator
	})
	return initErr
}

// handleRunDocument drives one document through the pipeline. It is called
// by the Cloud Workflow started at ingestion.
func handleRunDocument(w http.ResponseWriter, r *http.Request) {
	if err := initialize(); err != nil {
		slog.Error("Critical: Orchestrator initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.RunDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}

	res, err := orchestrator.RunDocument(r.Context(), &req)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		http.Error(w, "Not Found: unknown document", http.StatusNotFound)
		return
	case errors.Is(err, workflow.ErrAlreadyRunning):
		http.Error(w, "Conflict: document is already running", http.StatusConflict)
		return
	case err != nil:
		// The workflow retries the call; the next run resumes at the last
		// committed stage.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, res, "documentId", req.DocumentID, "executionId", req.ExecutionID)
}

// handleResumeDocuments restarts every unfinished document after a crash or
// redeploy.
func handleResumeDocuments(w http.ResponseWriter, r *http.Request) {
	if err := initialize(); err != nil {
		slog.Error("Critical: Orchestrator initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	res, err := orchestrator.ResumeDocuments(r.Context())
	if err != nil {
		slog.Error("Resumption finished with errors", "error", err, "resumed", res.Resumed)
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any, logAttrs ...any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", append([]any{"error", err}, logAttrs...)...)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
