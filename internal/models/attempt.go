package models

import "time"

// Outcome classifies a single backend invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeThrottled Outcome = "throttled"
	OutcomeTransient Outcome = "transient-error"
	OutcomePermanent Outcome = "permanent-error"
	OutcomeCancelled Outcome = "cancelled"
)

// AttemptRecord is the immutable audit entry for one invocation attempt.
// Attempt numbers are per (document, stage) and continue across resumptions.
type AttemptRecord struct {
	ID         string        `firestore:"id" json:"id"`
	DocumentID string        `firestore:"documentId" json:"documentId"`
	Stage      Stage         `firestore:"stage" json:"stage"`
	BackendID  string        `firestore:"backendId" json:"backendId"`
	Attempt    int           `firestore:"attempt" json:"attempt"`
	StartedAt  time.Time     `firestore:"startedAt" json:"startedAt"`
	Outcome    Outcome       `firestore:"outcome" json:"outcome"`
	Latency    time.Duration `firestore:"latencyNanos" json:"latencyNanos"`
	CostUnits  float64       `firestore:"costUnits" json:"costUnits"`
	Error      string        `firestore:"error,omitempty" json:"error,omitempty"`
}

// StageStatus is the final status of one StageRunner invocation.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailedRun StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// StageResult is what a backend produced for a stage.
type StageResult struct {
	// Output is the stage payload (markdown, classification JSON, fields...).
	Output []byte `json:"output,omitempty"`
	// MimeType describes Output.
	MimeType string `json:"mimeType,omitempty"`
	// CostUnits is the usage the backend reported for the call.
	CostUnits float64 `json:"costUnits,omitempty"`
	// PagesProcessed is reported by OCR backends.
	PagesProcessed int `json:"pagesProcessed,omitempty"`
	// SectionsIdentified is reported by classification backends.
	SectionsIdentified int `json:"sectionsIdentified,omitempty"`
}

// StageOutcome is returned by the StageRunner and committed atomically by the
// state machine.
type StageOutcome struct {
	DocumentID string
	Stage      Stage
	Status     StageStatus
	BackendID  string // winning backend, empty unless Status is StageSucceeded
	Result     StageResult
	Attempts   []AttemptRecord
	Err        error // cause when Status is not StageSucceeded
}

// Cost sums the cost units of all attempts in the outcome.
func (o StageOutcome) Cost() float64 {
	var total float64
	for _, a := range o.Attempts {
		total += a.CostUnits
	}
	return total
}
