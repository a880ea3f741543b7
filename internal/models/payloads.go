package models

import "time"

// These structs define the JSON payloads exchanged between the Cloud Workflow
// and the orchestrator functions.

// RunDocumentRequest is the input for the document-runner function.
type RunDocumentRequest struct {
	DocumentID  string `json:"documentId"`
	ExecutionID string `json:"executionId"`
}

// ResumeDocumentsResponse is the output of the resume entry point.
type ResumeDocumentsResponse struct {
	Status  string `json:"status"`
	Resumed int    `json:"resumed"`
}

// DocumentStatus is the read-only projection served by the status lookup.
type DocumentStatus struct {
	DocumentID         string            `json:"documentId"`
	Stage              Stage             `json:"stage"`
	Status             Status            `json:"status"`
	StartTime          *time.Time        `json:"startTime,omitempty"`
	EndTime            *time.Time        `json:"endTime,omitempty"`
	PagesProcessed     int               `json:"pagesProcessed"`
	SectionsIdentified int               `json:"sectionsIdentified"`
	OutputLocation     string            `json:"outputLocation,omitempty"`
	FailedStage        Stage             `json:"failedStage,omitempty"`
	ErrorDetails       string            `json:"errorDetails,omitempty"`
	TotalCost          float64           `json:"totalCost"`
	CostByStage        map[Stage]float64 `json:"costByStage,omitempty"`
	Attempts           int               `json:"attempts"`
}
