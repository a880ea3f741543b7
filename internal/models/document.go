package models

import "time"

// Stage is one phase of document interpretation. Pipeline stages run in the
// order given by PipelineStages; QUEUED, COMPLETED and FAILED are the
// bookends a document record can also occupy.
type Stage string

const (
	StageQueued    Stage = "QUEUED"
	StageOCR       Stage = "OCR"
	StageClassify  Stage = "CLASSIFY"
	StageExtract   Stage = "EXTRACT"
	StageAssess    Stage = "ASSESS"
	StageCompleted Stage = "COMPLETED"
	StageFailed    Stage = "FAILED"
)

// PipelineStages lists the stages that are executed by a backend, in order.
var PipelineStages = []Stage{StageOCR, StageClassify, StageExtract, StageAssess}

// Next returns the stage that follows s on success. Terminal stages return
// themselves.
func (s Stage) Next() Stage {
	switch s {
	case StageQueued:
		return StageOCR
	case StageOCR:
		return StageClassify
	case StageClassify:
		return StageExtract
	case StageExtract:
		return StageAssess
	case StageAssess:
		return StageCompleted
	default:
		return s
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsPipeline reports whether s is executed by a backend.
func (s Stage) IsPipeline() bool {
	for _, p := range PipelineStages {
		if p == s {
			return true
		}
	}
	return false
}

// ParseStage converts a configuration string into a Stage.
func ParseStage(v string) (Stage, bool) {
	s := Stage(v)
	switch s {
	case StageQueued, StageOCR, StageClassify, StageExtract, StageAssess, StageCompleted, StageFailed:
		return s, true
	}
	return "", false
}

// Status is the coarse lifecycle state exposed to callers.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Profile carries the observable traits of a document that drive backend
// selection. It is a plain value; selection never inspects anything else.
type Profile struct {
	Language  string  `firestore:"language,omitempty" json:"language,omitempty" yaml:"language,omitempty"`
	Quality   float64 `firestore:"quality,omitempty" json:"quality,omitempty" yaml:"quality,omitempty"`
	SizeBytes int64   `firestore:"sizeBytes,omitempty" json:"sizeBytes,omitempty" yaml:"sizeBytes,omitempty"`
	PageCount int     `firestore:"pageCount,omitempty" json:"pageCount,omitempty" yaml:"pageCount,omitempty"`
}

// IsZero reports whether no trait has been observed yet.
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// Document is what ingestion hands to the orchestrator.
type Document struct {
	ID               string
	OriginalFilename string
	FileHash         string
	Pages            []string // ordered page object URIs
	Profile          Profile
}

// DocumentRecord is the persisted unit of crash recovery: the current stage,
// the full attempt history and the cumulative cost of one document. It is
// mutated only by the workflow state machine.
type DocumentRecord struct {
	ID                 string            `firestore:"-" json:"id"`
	FileHash           string            `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	OriginalFilename   string            `firestore:"originalFilename,omitempty" json:"originalFilename,omitempty"`
	Pages              []string          `firestore:"pages,omitempty" json:"pages,omitempty"`
	Profile            Profile           `firestore:"profile" json:"profile"`
	Stage              Stage             `firestore:"stage" json:"stage"`
	Status             Status            `firestore:"status" json:"status"`
	FailedStage        Stage             `firestore:"failedStage,omitempty" json:"failedStage,omitempty"`
	ErrorDetails       string            `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	SkippedStages      []Stage           `firestore:"skippedStages,omitempty" json:"skippedStages,omitempty"`
	Attempts           []AttemptRecord   `firestore:"attempts,omitempty" json:"attempts,omitempty"`
	Outputs            map[string]string `firestore:"outputs,omitempty" json:"outputs,omitempty"`
	OutputLocation     string            `firestore:"outputLocation,omitempty" json:"outputLocation,omitempty"`
	PagesProcessed     int               `firestore:"pagesProcessed,omitempty" json:"pagesProcessed,omitempty"`
	SectionsIdentified int               `firestore:"sectionsIdentified,omitempty" json:"sectionsIdentified,omitempty"`
	TotalCost          float64           `firestore:"totalCost" json:"totalCost"`
	WorkflowExecution  string            `firestore:"workflowExecutionId,omitempty" json:"workflowExecutionId,omitempty"`
	CreatedAt          time.Time         `firestore:"createdAt" json:"createdAt"`
	StartedAt          time.Time         `firestore:"startedAt,omitempty" json:"startedAt,omitempty"`
	EndedAt            time.Time         `firestore:"endedAt,omitempty" json:"endedAt,omitempty"`
	UpdatedAt          time.Time         `firestore:"updatedAt" json:"updatedAt"`
	Version            int64             `firestore:"version" json:"version"`
}

// NewDocumentRecord returns a QUEUED record for doc.
func NewDocumentRecord(doc Document, now time.Time) *DocumentRecord {
	return &DocumentRecord{
		ID:               doc.ID,
		FileHash:         doc.FileHash,
		OriginalFilename: doc.OriginalFilename,
		Pages:            append([]string(nil), doc.Pages...),
		Profile:          doc.Profile,
		Stage:            StageQueued,
		Status:           StatusQueued,
		Outputs:          map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AttemptsFor returns the committed attempts for stage, in order.
func (r *DocumentRecord) AttemptsFor(stage Stage) []AttemptRecord {
	var out []AttemptRecord
	for _, a := range r.Attempts {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (r *DocumentRecord) Clone() *DocumentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Pages = append([]string(nil), r.Pages...)
	c.SkippedStages = append([]Stage(nil), r.SkippedStages...)
	c.Attempts = append([]AttemptRecord(nil), r.Attempts...)
	c.Outputs = make(map[string]string, len(r.Outputs))
	for k, v := range r.Outputs {
		c.Outputs[k] = v
	}
	return &c
}
