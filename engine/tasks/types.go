// Package tasks implements the background job lifecycle: submission,
// status, pause/resume/cancel, and the bounded worker pool that drives
// jobs through the ingestion orchestrator.
package tasks

import (
	"errors"
	"time"
)

// Status is a job's position in the state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrIllegalTransition is returned when a control operation is attempted
// from a state that does not permit it.
var ErrIllegalTransition = errors.New("illegal_transition")

// ErrNotFound is returned when a job id has no known record.
var ErrNotFound = errors.New("job not found")

// FileInfo identifies the uploaded source file a job processes.
type FileInfo struct {
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	FileName string `json:"filename"`
}

// Configuration is the schema and embedding setup a job was submitted with.
type Configuration struct {
	SchemaConfig      map[string]any `json:"schema_config"`
	EmbeddingProvider string         `json:"embedding_provider"`
	EmbeddingModel    string         `json:"embedding_model"`
	ProviderKey       string         `json:"provider_key,omitempty"`
	Results           map[string]any `json:"results,omitempty"`
}

// JobProgress is the lightweight progress snapshot cached on the job
// record itself, distinct from the fuller history kept by the
// progress tracker.
type JobProgress struct {
	ItemsProcessed      int    `json:"items_processed"`
	ItemsTotal          *int   `json:"items_total,omitempty"`
	ChunksProcessed     int    `json:"chunks_processed"`
	EmbeddingsGenerated int    `json:"embeddings_generated"`
	CurrentPhase        string `json:"current_phase"`
	ErrorCount          int    `json:"error_count"`
}

// ErrorRecord captures why a job failed.
type ErrorRecord struct {
	Message     string    `json:"error_message"`
	Type        string    `json:"error_type"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Job is a submitted ingestion job's full record, the unit stored in
// the job store and returned by the status API.
type Job struct {
	ID            string         `json:"job_id"`
	TenantID      string         `json:"tenant_id"`
	Status        Status         `json:"status"`
	FileInfo      FileInfo       `json:"file_info"`
	Configuration Configuration  `json:"configuration"`
	Progress      JobProgress    `json:"progress"`
	ErrorInfo     *ErrorRecord   `json:"error_info,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// canTransition reports whether moving from a legal source state is
// permitted for a given control action.
func canPause(s Status) bool  { return s == StatusRunning }
func canResume(s Status) bool { return s == StatusPaused }
func canCancel(s Status) bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}
