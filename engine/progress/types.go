// Package progress tracks a job's phase and throughput in memory and
// writes through to a shared store at a bounded rate, so a status
// query from another process sees reasonably fresh numbers without
// every counter update paying a round trip.
package progress

import "time"

// Phase names a stage of the ingestion pipeline.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseParsing      Phase = "parsing"
	PhaseExtracting   Phase = "extracting"
	PhaseChunking     Phase = "chunking"
	PhaseEmbedding    Phase = "embedding"
	PhaseStoring      Phase = "storing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
	PhasePaused       Phase = "paused"
	PhaseCancelled    Phase = "cancelled"
)

// PhaseRecord is one entry in a job's append-only phase history.
type PhaseRecord struct {
	Phase             Phase      `json:"phase"`
	ItemsProcessed    int        `json:"items_processed"`
	ItemsTotal        *int       `json:"items_total,omitempty"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	BytesProcessed    int64      `json:"bytes_processed"`
	ErrorsEncountered int        `json:"errors_encountered"`
}

// ElapsedTime returns how long this phase has run, or has run for if
// it's still open.
func (p PhaseRecord) ElapsedTime(now time.Time) time.Duration {
	if p.StartTime.IsZero() {
		return 0
	}
	end := now
	if p.EndTime != nil {
		end = *p.EndTime
	}
	return end.Sub(p.StartTime)
}

// Percentage returns this phase's completion percentage, or nil if it
// has no known total.
func (p PhaseRecord) Percentage() *float64 {
	if p.ItemsTotal == nil || *p.ItemsTotal <= 0 {
		return nil
	}
	pct := (float64(p.ItemsProcessed) / float64(*p.ItemsTotal)) * 100
	if pct > 100 {
		pct = 100
	}
	return &pct
}

// ItemsPerSecond returns this phase's own processing rate.
func (p PhaseRecord) ItemsPerSecond(now time.Time) float64 {
	elapsed := p.ElapsedTime(now).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.ItemsProcessed) / elapsed
}

// Snapshot is a job's full progress state: running counters, phase
// history, timing, and derived throughput metrics.
type Snapshot struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`

	ItemsProcessed      int   `json:"items_processed"`
	ItemsExpected       *int  `json:"items_expected,omitempty"`
	ChunksCreated       int   `json:"chunks_created"`
	EmbeddingsGenerated int   `json:"embeddings_generated"`
	VectorsStored       int   `json:"vectors_stored"`
	BytesProcessed      int64 `json:"bytes_processed"`
	ErrorsTotal         int   `json:"errors_total"`

	CurrentPhase Phase         `json:"current_phase"`
	PhaseHistory []PhaseRecord `json:"phase_history"`

	StartTime           time.Time  `json:"start_time"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	LastUpdate          time.Time  `json:"last_update"`

	AvgProcessingRate   float64        `json:"avg_processing_rate"`
	PeakProcessingRate  float64        `json:"peak_processing_rate"`
	EmbeddingBatchStats map[string]any `json:"embedding_batch_stats,omitempty"`
}

// ElapsedTime returns total time since tracking started.
func (s Snapshot) ElapsedTime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// OverallPercentage returns completion percentage against ItemsExpected,
// or nil if no total is known.
func (s Snapshot) OverallPercentage() *float64 {
	if s.ItemsExpected == nil || *s.ItemsExpected <= 0 {
		return nil
	}
	pct := (float64(s.ItemsProcessed) / float64(*s.ItemsExpected)) * 100
	if pct > 100 {
		pct = 100
	}
	return &pct
}

// EstimatedRemaining estimates time to completion from the average
// rate, or nil if there isn't enough information yet.
func (s Snapshot) EstimatedRemaining() *time.Duration {
	if s.ItemsExpected == nil || s.ItemsProcessed <= 0 || s.AvgProcessingRate <= 0 {
		return nil
	}
	remaining := float64(*s.ItemsExpected-s.ItemsProcessed) / s.AvgProcessingRate
	if remaining < 0 {
		remaining = 0
	}
	d := time.Duration(remaining * float64(time.Second))
	return &d
}

// Counters is the set of running totals Update can move forward. A nil
// field leaves that counter unchanged.
type Counters struct {
	ItemsProcessed      *int
	ChunksCreated       *int
	EmbeddingsGenerated *int
	VectorsStored       *int
	BytesProcessed      *int64
	ErrorsEncountered   *int
}

// Detailed is the rendering returned by Tracker.Detailed: current
// counters, timing, derived metrics, and the full phase breakdown.
type Detailed struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`

	Overall struct {
		ItemsProcessed      int      `json:"items_processed"`
		ItemsExpected       *int     `json:"items_expected,omitempty"`
		Percentage          *float64 `json:"percentage,omitempty"`
		ChunksCreated       int      `json:"chunks_created"`
		EmbeddingsGenerated int      `json:"embeddings_generated"`
		VectorsStored       int      `json:"vectors_stored"`
		BytesProcessed      int64    `json:"bytes_processed"`
		ErrorsTotal         int      `json:"errors_total"`
	} `json:"overall"`

	Timing struct {
		StartTime           time.Time      `json:"start_time"`
		ElapsedSeconds      float64        `json:"elapsed_seconds"`
		EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
		EstimatedRemaining  *time.Duration `json:"estimated_remaining,omitempty"`
		LastUpdate          time.Time      `json:"last_update"`
	} `json:"timing"`

	Performance struct {
		AvgProcessingRate   float64        `json:"avg_processing_rate"`
		PeakProcessingRate  float64        `json:"peak_processing_rate"`
		EmbeddingBatchStats map[string]any `json:"embedding_batch_stats,omitempty"`
	} `json:"performance"`

	CurrentPhase *PhaseDetail  `json:"current_phase,omitempty"`
	PhaseHistory []PhaseDetail `json:"phase_history"`
}

// PhaseDetail is the rendered view of a PhaseRecord.
type PhaseDetail struct {
	Phase          Phase    `json:"phase"`
	ItemsProcessed int      `json:"items_processed"`
	ItemsTotal     *int     `json:"items_total,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_time"`
	ItemsPerSecond float64  `json:"items_per_second"`
	Errors         int      `json:"errors"`
	Completed      bool     `json:"completed"`
}
