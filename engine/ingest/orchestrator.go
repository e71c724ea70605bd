// Package ingest implements the ingestion orchestrator: the glue that
// drives one job's file through parsing, batching, embedding and vector
// storage, checkpointing its progress so an interruption can resume
// instead of restarting, and retrying the whole run a bounded number of
// times when a step fails transiently.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/engine/batch"
	"github.com/ragline/ragline/engine/checkpoint"
	"github.com/ragline/ragline/engine/embedclient"
	"github.com/ragline/ragline/engine/parser"
	"github.com/ragline/ragline/engine/progress"
	"github.com/ragline/ragline/engine/tasks"
	"github.com/ragline/ragline/engine/tokencount"
	"github.com/ragline/ragline/engine/vectorstore"
	"github.com/ragline/ragline/pkg/ingesterr"
)

const (
	// maxJobAttempts bounds the whole-run retry loop; retry lives here,
	// at the orchestrator layer, not inside any individual client call.
	maxJobAttempts = 3

	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 60 * time.Second

	defaultMetric = vectorstore.MetricCosine
)

// VectorStoreFactory resolves the tenant-scoped collection a job writes
// its vectors into. Collections are per-tenant, so this is looked up
// per job rather than held as a single shared Store.
type VectorStoreFactory func(ctx context.Context, tenantID string) (*vectorstore.Store, error)

// EmbedClientFactory builds the embedding client a job's configuration
// calls for (provider, model, credentials all vary per job).
type EmbedClientFactory func(job tasks.Job) (*embedclient.Client, error)

// Deps wires the orchestrator to the components built in earlier stages.
type Deps struct {
	Checkpoints *checkpoint.Store
	Progress    *progress.Tracker
	VectorStore VectorStoreFactory
	EmbedClient EmbedClientFactory
	Logger      *slog.Logger

	// RetryBaseDelay/RetryMaxDelay parameterize the job-level retry
	// backoff; zero values fall back to 2s/60s. Exposed mainly so tests
	// don't have to sleep through production-sized backoffs.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Orchestrator is the ingestion pipeline's run loop, compatible with
// tasks.RunFunc so it can be injected straight into a tasks.Manager.
type Orchestrator struct {
	deps Deps
}

// New builds an Orchestrator around deps.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RetryBaseDelay <= 0 {
		deps.RetryBaseDelay = defaultRetryBaseDelay
	}
	if deps.RetryMaxDelay <= 0 {
		deps.RetryMaxDelay = defaultRetryMaxDelay
	}
	return &Orchestrator{deps: deps}
}

// Run drives job to completion, retrying the whole attempt up to
// maxJobAttempts times with exponential backoff (capped at 60s) on a
// non-cancellation failure, forcing a checkpoint before each retry so
// the next attempt resumes instead of restarting.
func (o *Orchestrator) Run(ctx context.Context, job tasks.Job) (tasks.Job, error) {
	logger := o.deps.Logger
	delay := o.deps.RetryBaseDelay

	var lastErr error
	for attempt := 1; attempt <= maxJobAttempts; attempt++ {
		result, err := o.attempt(ctx, job)
		if err == nil {
			return result, nil
		}
		job = result

		if errors.Is(err, context.Canceled) || ingesterr.Is(err, ingesterr.KindCancelled) {
			return job, err
		}

		lastErr = err
		if attempt == maxJobAttempts {
			break
		}

		logger.Warn("ingest: attempt failed, will retry", "job", job.ID, "attempt", attempt,
			"max_attempts", maxJobAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > o.deps.RetryMaxDelay {
			delay = o.deps.RetryMaxDelay
		}
	}

	return job, fmt.Errorf("ingest: job %s exhausted %d attempts: %w", job.ID, maxJobAttempts, lastErr)
}

// attempt is a single end-to-end pass over job's file: parse, batch,
// embed, store, checkpoint. Errors raised once the file is being read are
// checkpointed (forced) before they are returned, so the next attempt
// resumes past them; setup errors (schema, clients, opening the file) are
// returned without a checkpoint.
func (o *Orchestrator) attempt(ctx context.Context, job tasks.Job) (tasks.Job, error) {
	logger := o.deps.Logger

	schema, err := decodeSchema(job.Configuration.SchemaConfig)
	if err != nil {
		return job, err
	}

	embedder, err := o.deps.EmbedClient(job)
	if err != nil {
		return job, fmt.Errorf("ingest: building embed client: %w", err)
	}
	store, err := o.deps.VectorStore(ctx, job.TenantID)
	if err != nil {
		return job, fmt.Errorf("ingest: resolving vector store: %w", err)
	}

	rc, err := o.deps.Checkpoints.RecoveryContext(ctx, job.ID, maxJobAttempts)
	if err != nil {
		logger.Warn("ingest: failed to load recovery context, starting fresh", "job", job.ID, "error", err)
		rc = nil
	}

	run := &run{
		orch:     o,
		job:      job,
		schema:   schema,
		embedder: embedder,
		store:    store,
		logger:   logger,
	}
	if rc != nil && rc.Checkpoint.FilePath == job.FileInfo.FilePath {
		run.itemsProcessed = rc.Checkpoint.ItemsProcessed
		run.chunksProcessed = rc.Checkpoint.ChunksProcessed
		run.embeddingsGenerated = rc.Checkpoint.EmbeddingsGenerated
		run.fileOffset = rc.Checkpoint.FileOffset
		logger.Info("ingest: resuming from checkpoint", "job", job.ID,
			"items_processed", run.itemsProcessed, "file_offset", run.fileOffset)
	}

	return run.execute(ctx)
}

// run holds the mutable state of one attempt.
type run struct {
	orch     *Orchestrator
	job      tasks.Job
	schema   parser.SchemaConfig
	embedder *embedclient.Client
	store    *vectorstore.Store
	logger   *slog.Logger

	fileOffset          int64
	itemsProcessed      int
	chunksProcessed     int
	embeddingsGenerated int
	errorsTotal         int

	collectionReady bool
	lastSourceIndex int
	sawFirstItem    bool
}

func (r *run) execute(ctx context.Context) (tasks.Job, error) {
	jobID := r.job.ID

	file, err := parser.Open(r.job.FileInfo.FilePath)
	if err != nil {
		return r.job, err
	}
	defer file.Close()

	var reader io.Reader = file
	if r.fileOffset > 0 {
		seeker, ok := file.(io.Seeker)
		if !ok {
			r.logger.Warn("ingest: checkpointed offset present but file is not seekable, restarting from the beginning",
				"job", jobID)
			r.fileOffset, r.itemsProcessed, r.chunksProcessed, r.embeddingsGenerated = 0, 0, 0, 0
		} else if _, err := seeker.Seek(r.fileOffset, io.SeekStart); err != nil {
			return r.job, fmt.Errorf("ingest: seeking to checkpointed offset %d: %w", r.fileOffset, err)
		}
	}
	counted := &countingReader{r: reader, n: r.fileOffset}
	reader = counted

	counter := tokencount.New(r.job.Configuration.EmbeddingModel, r.logger)
	bm := batch.New(counter, r.logger)

	p, err := parser.New(reader, r.schema, counter, r.logger)
	if err != nil {
		return r.job, err
	}

	var expected *int
	if fs, err := parser.QuickStats(r.job.FileInfo.FilePath); err == nil {
		expected = &fs.EstimatedItems
	}
	if _, err := r.orch.deps.Progress.Start(ctx, jobID, r.job.TenantID, expected); err != nil {
		r.logger.Warn("ingest: failed to start progress tracking", "job", jobID, "error", err)
	}
	if _, err := r.orch.deps.Progress.UpdatePhase(ctx, jobID, progress.PhaseParsing, nil); err != nil {
		r.logger.Warn("ingest: failed to update phase", "job", jobID, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.checkpoint(ctx, true)
			return r.job, ctx.Err()
		default:
		}

		item, ok, err := p.Next()
		if err != nil {
			r.checkpoint(ctx, true)
			return r.job, err
		}
		if !ok {
			break
		}

		if !r.sawFirstItem || item.ChunkIndex == 0 && item.SourceIndex != r.lastSourceIndex {
			r.itemsProcessed++
			r.lastSourceIndex = item.SourceIndex
			r.sawFirstItem = true
		}

		completed, err := bm.TryAdd(item)
		if err != nil {
			r.checkpoint(ctx, true)
			return r.job, err
		}
		if completed != nil {
			if err := r.processBatch(ctx, completed); err != nil {
				r.checkpoint(ctx, true)
				return r.job, err
			}
		}

		r.fileOffset = counted.n
		r.checkpoint(ctx, false)
	}

	tail, err := bm.Flush()
	if err != nil {
		r.checkpoint(ctx, true)
		return r.job, err
	}
	if tail != nil {
		if err := r.processBatch(ctx, tail); err != nil {
			r.checkpoint(ctx, true)
			return r.job, err
		}
	}

	if _, err := r.orch.deps.Progress.UpdatePhase(ctx, jobID, progress.PhaseFinalizing, nil); err != nil {
		r.logger.Warn("ingest: failed to update phase", "job", jobID, "error", err)
	}
	if err := r.orch.deps.Checkpoints.DeleteCheckpoint(ctx, jobID); err != nil {
		r.logger.Warn("ingest: failed to delete checkpoint on completion", "job", jobID, "error", err)
	}
	if _, err := r.orch.deps.Progress.Finish(ctx, jobID, true); err != nil {
		r.logger.Warn("ingest: failed to finalize progress tracking", "job", jobID, "error", err)
	}

	stats := p.Stats()
	r.errorsTotal = stats.ErrorsEncountered

	r.job.Status = tasks.StatusCompleted
	r.job.Progress = tasks.JobProgress{
		ItemsProcessed:      r.itemsProcessed,
		ChunksProcessed:     r.chunksProcessed,
		EmbeddingsGenerated: r.embeddingsGenerated,
		CurrentPhase:        string(progress.PhaseCompleted),
		ErrorCount:          r.errorsTotal,
	}
	return r.job, nil
}

// processBatch embeds a completed batch and upserts the resulting
// vectors, saving a FailedBatch record on any embed, collection or upsert
// failure, recoverable or not, so it can be inspected or retried out of band.
func (r *run) processBatch(ctx context.Context, b *batch.Batch) error {
	vectors, dim, err := r.embedder.EmbedBatchWithRetry(ctx, b)
	if err != nil {
		r.saveFailedBatch(ctx, b, err)
		return err
	}

	if !r.collectionReady {
		if _, err := r.store.EnsureCollection(ctx, dim, defaultMetric, []string{"text", "metadata"}); err != nil {
			r.saveFailedBatch(ctx, b, err)
			return fmt.Errorf("ingest: ensuring collection: %w", err)
		}
		r.collectionReady = true
	}

	texts := b.Texts()
	metas := b.Metadatas()
	rows := make([]vectorstore.Row, len(vectors))
	for i, vec := range vectors {
		metaJSON, merr := json.Marshal(metas[i])
		if merr != nil {
			metaJSON = []byte("{}")
		}
		rows[i] = vectorstore.Row{
			ID:     uuid.NewString(),
			Text:   texts[i],
			Vector: vec,
			Metadata: map[string]any{
				"text":     texts[i],
				"metadata": string(metaJSON),
			},
		}
	}

	result, err := r.store.Upsert(ctx, rows)
	if err != nil {
		r.saveFailedBatch(ctx, b, err)
		return fmt.Errorf("ingest: upserting batch %s: %w", b.ID, err)
	}
	if result.InsertedCount < result.RequestedCount {
		r.logger.Warn("ingest: partial vector store insert", "job", r.job.ID, "batch", b.ID,
			"inserted", result.InsertedCount, "requested", result.RequestedCount)
	}

	r.chunksProcessed += b.Size()
	r.embeddingsGenerated += len(vectors)

	chunks, embeds := r.chunksProcessed, r.embeddingsGenerated
	if _, err := r.orch.deps.Progress.Update(ctx, r.job.ID, progress.Counters{
		ChunksCreated:       &chunks,
		EmbeddingsGenerated: &embeds,
	}, false); err != nil {
		r.logger.Warn("ingest: failed to update progress", "job", r.job.ID, "error", err)
	}

	return nil
}

func (r *run) saveFailedBatch(ctx context.Context, b *batch.Batch, cause error) {
	payload := map[string]any{
		"batch_id": b.ID,
		"texts":    toAnySlice(b.Texts()),
	}
	errInfo := map[string]any{"message": cause.Error()}
	if _, err := r.orch.deps.Checkpoints.SaveFailedBatch(ctx, r.job.ID, payload, errInfo); err != nil {
		r.logger.Error("ingest: failed to record failed batch", "job", r.job.ID, "batch", b.ID, "error", err)
	}
}

// checkpoint persists the run's current position, gated by the
// checkpoint store's own interval unless force is set.
func (r *run) checkpoint(ctx context.Context, force bool) {
	cp := checkpoint.Checkpoint{
		JobID:               r.job.ID,
		FilePath:            r.job.FileInfo.FilePath,
		FileOffset:          r.fileOffset,
		ItemsProcessed:      r.itemsProcessed,
		ChunksProcessed:     r.chunksProcessed,
		EmbeddingsGenerated: r.embeddingsGenerated,
	}
	if _, err := r.orch.deps.Checkpoints.SaveCheckpoint(ctx, cp, force); err != nil {
		r.logger.Warn("ingest: failed to save checkpoint", "job", r.job.ID, "error", err)
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// countingReader tracks bytes read so the orchestrator can checkpoint a
// resumable file offset without the parser needing to know about it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
