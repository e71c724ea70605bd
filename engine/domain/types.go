// Package domain defines the submission-boundary types and validation for
// the ingestion pipeline. It is the validation gate a request crosses
// before a job record is ever created.
package domain

// SubmitRequest is the input to job submission, gathered from the control
// surface (HTTP layer or CLI) before a tasks.Job is built.
type SubmitRequest struct {
	TenantID string `json:"tenant_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	Filename string `json:"filename"`

	SchemaJSON map[string]any  `json:"schema_json"`
	Embedding  EmbeddingConfig `json:"embedding"`
}

// EmbeddingConfig names the embedding provider and model a job should use,
// carried from submission through to the embed client factory.
type EmbeddingConfig struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	APIKey            string `json:"api_key,omitempty"`
	MaxTokensPerChunk int    `json:"max_tokens_per_chunk,omitempty"`
}

// MaxFileSizeBytes bounds a single ingestion file. The pipeline itself is
// memory-bounded regardless of file size, but control-plane uploads are
// capped to keep a single tenant from monopolizing shared disk.
const MaxFileSizeBytes int64 = 50 << 30 // 50 GiB

// validFormats and validChunkStrategies mirror engine/parser's Format and
// ChunkStrategy constants. Duplicated here (as plain strings, not the
// parser types) so this package has no dependency on engine/parser: it
// validates the submission envelope, not the decoded schema shape.
var validFormats = map[string]bool{
	"json_array": true,
	"ndjson":     true,
}

var validChunkStrategies = map[string]bool{
	"none":        true,
	"recursive":   true,
	"token_aware": true,
}

// maxValidationErrors caps how many validation errors ValidateSubmitRequest
// collects before giving up, matching the submission API's documented
// "first 20 validation errors" contract.
const maxValidationErrors = 20
