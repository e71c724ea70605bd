// Package checkpoint persists per-job processing state to a shared
// key-value store so an interrupted ingestion job can resume from its
// last known-good position instead of restarting from scratch.
package checkpoint

import "time"

// Checkpoint captures enough state to resume a job mid-file: the byte
// offset to seek to and the counters to seed the resumed run with.
type Checkpoint struct {
	JobID               string         `json:"job_id"`
	FilePath            string         `json:"file_path"`
	FileOffset          int64          `json:"file_offset"`
	ItemsProcessed      int            `json:"items_processed"`
	ChunksProcessed     int            `json:"chunks_processed"`
	EmbeddingsGenerated int            `json:"embeddings_generated"`
	ProcessingState     map[string]any `json:"processing_state,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// FailedBatch records a batch that failed durably enough to need
// operator attention or a later automatic retry.
type FailedBatch struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	BatchData  map[string]any `json:"batch_data"`
	ErrorInfo  map[string]any `json:"error_info"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	LastRetry  *time.Time     `json:"last_retry_at,omitempty"`
}

// RecoveryContext is what the orchestrator needs to decide how to
// resume a job: the last checkpoint, and whether a prior batch needs
// to be retried before moving on.
type RecoveryContext struct {
	Checkpoint           Checkpoint `json:"checkpoint"`
	ShouldRetryLastBatch bool       `json:"should_retry_last_batch"`
	RetryCount           int        `json:"retry_count"`
	MaxRetries           int        `json:"max_retries"`
}

// CanRetry reports whether another retry attempt is still permitted.
func (r RecoveryContext) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// RecoveryReport summarizes what a job has to recover, without
// committing to a resume.
type RecoveryReport struct {
	Recoverable         bool    `json:"recoverable"`
	Reason              string  `json:"reason,omitempty"`
	CheckpointAgeHours  float64 `json:"checkpoint_age_hours,omitempty"`
	ItemsProcessed      int     `json:"items_processed,omitempty"`
	ChunksProcessed     int     `json:"chunks_processed,omitempty"`
	EmbeddingsGenerated int     `json:"embeddings_generated,omitempty"`
	FailedBatches       int     `json:"failed_batches_count"`
	FailedItems         int     `json:"failed_items_count"`
}
