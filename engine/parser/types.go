package parser

// Format is the on-disk shape of the ingested file.
type Format string

const (
	FormatJSONArray Format = "json_array"
	FormatNDJSON    Format = "ndjson"
)

// ChunkStrategy selects how extracted content is split into ProcessedItems.
type ChunkStrategy string

const (
	ChunkNone       ChunkStrategy = "none"
	ChunkRecursive  ChunkStrategy = "recursive"
	ChunkTokenAware ChunkStrategy = "token_aware"
)

// Mapping describes where content and metadata live inside each decoded
// JSON object, as dot/bracket paths (see engine/jsonpath).
type Mapping struct {
	ContentPath   string            `json:"content_path"`
	MetadataPaths map[string]string `json:"metadata_paths,omitempty"`
}

// ChunkConfig parameterizes the chunking strategy. MaxChars/Overlap apply to
// ChunkRecursive; MaxTokens/OverlapTokens/ModelName apply to ChunkTokenAware.
type ChunkConfig struct {
	Strategy      ChunkStrategy `json:"strategy"`
	MaxChars      int           `json:"max_chars,omitempty"`
	Overlap       int           `json:"overlap,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	OverlapTokens int           `json:"overlap_tokens,omitempty"`
	ModelName     string        `json:"model_name,omitempty"`
}

const (
	defaultMaxChars = 1200
	defaultOverlap  = 150
)

// SchemaConfig is the per-job description of how to read and extract from a
// source file: format, optional schema validator, field mapping, chunking.
type SchemaConfig struct {
	Format            Format          `json:"format"`
	JSONSchemaDraft07 map[string]any  `json:"json_schema,omitempty"`
	Mapping           Mapping         `json:"mapping"`
	Chunking          ChunkConfig     `json:"chunking"`
}

// ProcessedItem is one chunk of extracted content plus its metadata. It is
// produced lazily by Parser.Next and never persisted as such.
type ProcessedItem struct {
	Text        string
	Metadata    map[string]any
	SourceIndex int
	ChunkIndex  int
}

// Stats tracks streaming progress counters, mirroring what the orchestrator
// surfaces to the progress tracker.
type Stats struct {
	ItemsProcessed    int
	BytesProcessed    int64
	ErrorsEncountered int
	CurrentPhase      string
}

// FileStats is a cheap pre-scan summary produced by QuickStats, used to seed
// the progress tracker's expected item count before a full streaming pass.
type FileStats struct {
	FileSizeBytes   int64
	DetectedFormat  Format
	EstimatedItems  int
	FilePath        string
}
