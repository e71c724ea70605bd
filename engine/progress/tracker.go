package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ragline/ragline/pkg/metrics"
)

const (
	progressBucket = "ingest_progress"
	// TTL covers a generous post-completion window for status queries.
	TTL = 7 * 24 * time.Hour

	defaultUpdateInterval = 5 * time.Second
)

var met = metrics.New()

var (
	mItemsProcessed = met.Counter("ragline_progress_items_processed_total", "Items processed across all tracked jobs")
	mErrorsTotal    = met.Counter("ragline_progress_errors_total", "Errors recorded across all tracked jobs")
	// mAvgRate and mPeakRate reflect the most recently updated job, not a
	// fleet aggregate; with one job dominating the update rate they track
	// that job closely enough to be useful as a liveness signal.
	mAvgRate  = met.Gauge("ragline_progress_avg_processing_rate", "Average items/sec on the most recently updated job")
	mPeakRate = met.Gauge("ragline_progress_peak_processing_rate", "Peak items/sec observed on the most recently updated job")
)

// Metrics returns this package's metrics registry for exposition alongside
// the rest of the binary's /metrics output.
func Metrics() *metrics.Registry { return met }

// Tracker keeps per-job Snapshots in memory and writes through to a
// JetStream KV bucket at most every update interval, except on phase
// transitions and explicit force updates which are always persisted.
type Tracker struct {
	kv             jetstream.KeyValue
	updateInterval time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*Snapshot
}

// Open creates (or reuses) the progress KV bucket.
func Open(ctx context.Context, js jetstream.JetStream, updateInterval time.Duration, logger *slog.Logger) (*Tracker, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: progressBucket, TTL: TTL})
	if err != nil {
		return nil, fmt.Errorf("progress: open bucket: %w", err)
	}
	return NewWithBucket(kv, updateInterval, logger), nil
}

// NewWithBucket builds a Tracker around an already-open KV bucket,
// bypassing Open. Used by tests and by callers managing their own
// JetStream context.
func NewWithBucket(kv jetstream.KeyValue, updateInterval time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	return &Tracker{kv: kv, updateInterval: updateInterval, logger: logger, active: map[string]*Snapshot{}}
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Start begins tracking jobID for tenant, optionally with a known
// expected item count, and persists the initial snapshot immediately.
func (t *Tracker) Start(ctx context.Context, jobID, tenantID string, expected *int) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		JobID:        jobID,
		TenantID:     tenantID,
		ItemsExpected: clonePtr(expected),
		CurrentPhase: PhaseInitializing,
		PhaseHistory: []PhaseRecord{{Phase: PhaseInitializing, StartTime: now, ItemsTotal: clonePtr(expected)}},
		StartTime:    now,
		LastUpdate:   now,
	}

	t.mu.Lock()
	t.active[jobID] = snap
	t.mu.Unlock()

	if err := t.persist(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// UpdatePhase transitions jobID to newPhase, closing out the previous
// phase's elapsed time. Phase transitions are always persisted.
func (t *Tracker) UpdatePhase(ctx context.Context, jobID string, newPhase Phase, itemsTotal *int) (bool, error) {
	snap, err := t.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	t.mu.Lock()
	now := time.Now().UTC()
	if n := len(snap.PhaseHistory); n > 0 && snap.PhaseHistory[n-1].EndTime == nil {
		snap.PhaseHistory[n-1].EndTime = &now
	}
	snap.PhaseHistory = append(snap.PhaseHistory, PhaseRecord{
		Phase:      newPhase,
		StartTime:  now,
		ItemsTotal: clonePtr(itemsTotal),
	})
	snap.CurrentPhase = newPhase
	t.mu.Unlock()

	if err := t.persist(ctx, snap); err != nil {
		return false, err
	}
	t.logger.Debug("progress: phase transition", "job", jobID, "phase", newPhase)
	return true, nil
}

// Update advances jobID's counters. Persistence is rate-limited to the
// tracker's update interval unless force is set.
func (t *Tracker) Update(ctx context.Context, jobID string, c Counters, force bool) (bool, error) {
	snap, err := t.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	t.mu.Lock()
	now := time.Now().UTC()
	if !force && now.Sub(snap.LastUpdate) < t.updateInterval {
		t.mu.Unlock()
		return false, nil
	}

	prevItems, prevErrors := snap.ItemsProcessed, snap.ErrorsTotal

	if c.ItemsProcessed != nil {
		snap.ItemsProcessed = *c.ItemsProcessed
	}
	if c.ChunksCreated != nil {
		snap.ChunksCreated = *c.ChunksCreated
	}
	if c.EmbeddingsGenerated != nil {
		snap.EmbeddingsGenerated = *c.EmbeddingsGenerated
	}
	if c.VectorsStored != nil {
		snap.VectorsStored = *c.VectorsStored
	}
	if c.BytesProcessed != nil {
		snap.BytesProcessed = *c.BytesProcessed
	}
	if c.ErrorsEncountered != nil {
		snap.ErrorsTotal = *c.ErrorsEncountered
	}

	if n := len(snap.PhaseHistory); n > 0 {
		cur := &snap.PhaseHistory[n-1]
		if c.ItemsProcessed != nil {
			cur.ItemsProcessed = *c.ItemsProcessed
		}
		if c.BytesProcessed != nil {
			cur.BytesProcessed = *c.BytesProcessed
		}
		if c.ErrorsEncountered != nil {
			cur.ErrorsEncountered = *c.ErrorsEncountered
		}
	}

	t.updatePerformanceMetrics(snap, now)
	t.updateTimeEstimate(snap, now)
	snap.LastUpdate = now

	if d := snap.ItemsProcessed - prevItems; d > 0 {
		mItemsProcessed.Add(int64(d))
	}
	if d := snap.ErrorsTotal - prevErrors; d > 0 {
		mErrorsTotal.Add(int64(d))
	}
	mAvgRate.Set(int64(snap.AvgProcessingRate))
	mPeakRate.Set(int64(snap.PeakProcessingRate))

	t.mu.Unlock()

	if err := t.persist(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) updatePerformanceMetrics(snap *Snapshot, now time.Time) {
	elapsed := snap.ElapsedTime(now).Seconds()
	if elapsed <= 0 || snap.ItemsProcessed <= 0 {
		return
	}
	snap.AvgProcessingRate = float64(snap.ItemsProcessed) / elapsed
	if snap.AvgProcessingRate > snap.PeakProcessingRate {
		snap.PeakProcessingRate = snap.AvgProcessingRate
	}
}

func (t *Tracker) updateTimeEstimate(snap *Snapshot, now time.Time) {
	if snap.ItemsExpected == nil || snap.AvgProcessingRate <= 0 || snap.ItemsProcessed <= 0 {
		return
	}
	remaining := float64(*snap.ItemsExpected-snap.ItemsProcessed) / snap.AvgProcessingRate
	eta := now.Add(time.Duration(remaining * float64(time.Second)))
	snap.EstimatedCompletion = &eta
}

// UpdateEmbeddingStats merges batch_stats into the job's embedding
// statistics map and persists immediately.
func (t *Tracker) UpdateEmbeddingStats(ctx context.Context, jobID string, batchStats map[string]any) (bool, error) {
	snap, err := t.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	t.mu.Lock()
	if snap.EmbeddingBatchStats == nil {
		snap.EmbeddingBatchStats = map[string]any{}
	}
	for k, v := range batchStats {
		snap.EmbeddingBatchStats[k] = v
	}
	t.mu.Unlock()

	if err := t.persist(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the current in-memory (or store-backed) snapshot
// for jobID, or nil if it isn't tracked.
func (t *Tracker) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	return t.get(ctx, jobID)
}

// Detailed renders jobID's full progress view: counters, timing,
// derived rate/ETA metrics, and phase history.
func (t *Tracker) Detailed(ctx context.Context, jobID string) (*Detailed, error) {
	snap, err := t.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()

	var d Detailed
	d.JobID = snap.JobID
	d.TenantID = snap.TenantID
	d.Overall.ItemsProcessed = snap.ItemsProcessed
	d.Overall.ItemsExpected = clonePtr(snap.ItemsExpected)
	d.Overall.Percentage = snap.OverallPercentage()
	d.Overall.ChunksCreated = snap.ChunksCreated
	d.Overall.EmbeddingsGenerated = snap.EmbeddingsGenerated
	d.Overall.VectorsStored = snap.VectorsStored
	d.Overall.BytesProcessed = snap.BytesProcessed
	d.Overall.ErrorsTotal = snap.ErrorsTotal

	d.Timing.StartTime = snap.StartTime
	d.Timing.ElapsedSeconds = snap.ElapsedTime(now).Seconds()
	d.Timing.EstimatedCompletion = clonePtr(snap.EstimatedCompletion)
	d.Timing.EstimatedRemaining = snap.EstimatedRemaining()
	d.Timing.LastUpdate = snap.LastUpdate

	d.Performance.AvgProcessingRate = snap.AvgProcessingRate
	d.Performance.PeakProcessingRate = snap.PeakProcessingRate
	d.Performance.EmbeddingBatchStats = snap.EmbeddingBatchStats

	d.PhaseHistory = make([]PhaseDetail, len(snap.PhaseHistory))
	for i, p := range snap.PhaseHistory {
		d.PhaseHistory[i] = PhaseDetail{
			Phase:          p.Phase,
			ItemsProcessed: p.ItemsProcessed,
			ItemsTotal:     clonePtr(p.ItemsTotal),
			Percentage:     p.Percentage(),
			ElapsedSeconds: p.ElapsedTime(now).Seconds(),
			ItemsPerSecond: p.ItemsPerSecond(now),
			Errors:         p.ErrorsEncountered,
			Completed:      p.EndTime != nil,
		}
	}
	if n := len(d.PhaseHistory); n > 0 {
		d.CurrentPhase = &d.PhaseHistory[n-1]
	}
	return &d, nil
}

// Finish closes the current phase, marks the job completed or error,
// persists the final snapshot, and drops it from the in-memory cache.
func (t *Tracker) Finish(ctx context.Context, jobID string, success bool) (bool, error) {
	snap, err := t.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	t.mu.Lock()
	now := time.Now().UTC()
	if n := len(snap.PhaseHistory); n > 0 && snap.PhaseHistory[n-1].EndTime == nil {
		snap.PhaseHistory[n-1].EndTime = &now
	}
	if success {
		snap.CurrentPhase = PhaseCompleted
	} else {
		snap.CurrentPhase = PhaseError
	}
	t.mu.Unlock()

	if err := t.persist(ctx, snap); err != nil {
		return false, err
	}

	t.mu.Lock()
	delete(t.active, jobID)
	t.mu.Unlock()

	t.logger.Info("progress: finished tracking", "job", jobID, "success", success)
	return true, nil
}

// CleanupOld removes progress snapshots started before cutoff.
func (t *Tracker) CleanupOld(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := t.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("progress: list keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		entry, err := t.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(entry.Value(), &snap); err != nil {
			continue
		}
		if snap.StartTime.Before(cutoff) {
			if err := t.kv.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (t *Tracker) get(ctx context.Context, jobID string) (*Snapshot, error) {
	t.mu.Lock()
	if snap, ok := t.active[jobID]; ok {
		t.mu.Unlock()
		return snap, nil
	}
	t.mu.Unlock()

	entry, err := t.kv.Get(ctx, jobID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: load %s: %w", jobID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("progress: decode %s: %w", jobID, err)
	}

	t.mu.Lock()
	t.active[jobID] = &snap
	t.mu.Unlock()
	return &snap, nil
}

func (t *Tracker) persist(ctx context.Context, snap *Snapshot) error {
	t.mu.Lock()
	data, err := json.Marshal(snap)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("progress: marshal %s: %w", snap.JobID, err)
	}
	if _, err := t.kv.Put(ctx, snap.JobID, data); err != nil {
		return fmt.Errorf("progress: persist %s: %w", snap.JobID, err)
	}
	return nil
}
