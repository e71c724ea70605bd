package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	checkpointBucket  = "ingest_checkpoints"
	failedBatchBucket = "ingest_failed_batches"

	// CheckpointTTL and FailedBatchTTL are bucket-wide max-ages: each Put
	// resets the clock for that key, so an actively-progressing job's
	// checkpoint never expires mid-run.
	CheckpointTTL  = 7 * 24 * time.Hour
	FailedBatchTTL = 24 * time.Hour
)

// Store is a job's checkpoint/recovery state backed by two JetStream KV
// buckets: one for checkpoints, one for failed batches pending retry.
// A job has at most one writer; no cross-job locking is needed.
type Store struct {
	checkpoints   jetstream.KeyValue
	failedBatches jetstream.KeyValue
	interval      int
	logger        *slog.Logger
}

// Open creates (or reuses) the two backing KV buckets and returns a
// Store that checkpoints every interval items unless forced.
func Open(ctx context.Context, js jetstream.JetStream, interval int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100
	}

	checkpoints, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: checkpointBucket,
		TTL:    CheckpointTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open checkpoint bucket: %w", err)
	}
	failedBatches, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: failedBatchBucket,
		TTL:    FailedBatchTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open failed-batch bucket: %w", err)
	}

	return &Store{checkpoints: checkpoints, failedBatches: failedBatches, interval: interval, logger: logger}, nil
}

// NewWithBuckets builds a Store around already-open KV buckets, bypassing
// Open. Used by tests and by callers managing their own JetStream context.
func NewWithBuckets(checkpoints, failedBatches jetstream.KeyValue, interval int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100
	}
	return &Store{checkpoints: checkpoints, failedBatches: failedBatches, interval: interval, logger: logger}
}

// SaveCheckpoint writes cp unless the interval gate rejects it: writes
// happen only when force is set or items_processed is a multiple of the
// configured interval. Returns whether a write actually occurred.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint, force bool) (bool, error) {
	if !force && (s.interval == 0 || cp.ItemsProcessed%s.interval != 0) {
		return false, nil
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return false, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if _, err := s.checkpoints.Put(ctx, cp.JobID, data); err != nil {
		return false, fmt.Errorf("checkpoint: save %s: %w", cp.JobID, err)
	}
	s.logger.Debug("checkpoint: saved", "job", cp.JobID, "items_processed", cp.ItemsProcessed)
	return true, nil
}

// LoadCheckpoint returns the job's checkpoint, or nil if none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	entry, err := s.checkpoints.Get(ctx, jobID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", jobID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", jobID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a job's checkpoint, called on successful
// completion. Deleting an absent checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	err := s.checkpoints.Delete(ctx, jobID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("checkpoint: delete %s: %w", jobID, err)
	}
	return nil
}

// SaveFailedBatch records a batch that failed processing, keyed
// "{jobID}_{unixSeconds}" to match the original service's id scheme.
func (s *Store) SaveFailedBatch(ctx context.Context, jobID string, payload, errInfo map[string]any) (string, error) {
	id := fmt.Sprintf("%s_%d", jobID, time.Now().Unix())
	fb := FailedBatch{ID: id, JobID: jobID, BatchData: payload, ErrorInfo: errInfo, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(fb)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal failed batch: %w", err)
	}
	if _, err := s.failedBatches.Put(ctx, id, data); err != nil {
		return "", fmt.Errorf("checkpoint: save failed batch %s: %w", id, err)
	}
	s.logger.Warn("checkpoint: saved failed batch", "job", jobID, "failed_batch_id", id)
	return id, nil
}

// ListFailedBatches returns every failed batch recorded for jobID.
func (s *Store) ListFailedBatches(ctx context.Context, jobID string) ([]FailedBatch, error) {
	keys, err := s.failedBatches.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list failed batch keys: %w", err)
	}

	prefix := jobID + "_"
	var batches []FailedBatch
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.failedBatches.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: get failed batch %s: %w", key, err)
		}
		var fb FailedBatch
		if err := json.Unmarshal(entry.Value(), &fb); err != nil {
			s.logger.Warn("checkpoint: skipping malformed failed batch", "key", key, "error", err)
			continue
		}
		batches = append(batches, fb)
	}
	return batches, nil
}

// RetryFailedBatch returns the batch's payload and increments its retry
// count, or returns nil payload when the cap has been reached.
func (s *Store) RetryFailedBatch(ctx context.Context, id string, maxRetries int) (map[string]any, error) {
	entry, err := s.failedBatches.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get failed batch %s: %w", id, err)
	}
	var fb FailedBatch
	if err := json.Unmarshal(entry.Value(), &fb); err != nil {
		return nil, fmt.Errorf("checkpoint: decode failed batch %s: %w", id, err)
	}
	if fb.RetryCount >= maxRetries {
		s.logger.Warn("checkpoint: failed batch exceeded max retries", "id", id, "retry_count", fb.RetryCount)
		return nil, nil
	}

	fb.RetryCount++
	now := time.Now().UTC()
	fb.LastRetry = &now
	data, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal failed batch %s: %w", id, err)
	}
	if _, err := s.failedBatches.Put(ctx, id, data); err != nil {
		return nil, fmt.Errorf("checkpoint: refresh failed batch %s: %w", id, err)
	}
	return fb.BatchData, nil
}

// MarkBatchRecovered deletes a failed batch once it has been
// successfully reprocessed.
func (s *Store) MarkBatchRecovered(ctx context.Context, id string) error {
	err := s.failedBatches.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("checkpoint: mark recovered %s: %w", id, err)
	}
	return nil
}

// RecoveryContext builds the state an orchestrator needs to resume jobID,
// or nil if there is nothing to recover.
func (s *Store) RecoveryContext(ctx context.Context, jobID string, maxRetries int) (*RecoveryContext, error) {
	cp, err := s.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	failed, err := s.ListFailedBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &RecoveryContext{
		Checkpoint:           *cp,
		ShouldRetryLastBatch: len(failed) > 0,
		MaxRetries:           maxRetries,
	}, nil
}

// EstimateRecoveryProgress reports what would be recovered for jobID
// without committing to resuming it.
func (s *Store) EstimateRecoveryProgress(ctx context.Context, jobID string) (RecoveryReport, error) {
	cp, err := s.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return RecoveryReport{}, err
	}
	failed, err := s.ListFailedBatches(ctx, jobID)
	if err != nil {
		return RecoveryReport{}, err
	}
	if cp == nil {
		return RecoveryReport{Recoverable: false, Reason: "no checkpoint found", FailedBatches: len(failed)}, nil
	}

	failedItems := 0
	for _, fb := range failed {
		if texts, ok := fb.BatchData["texts"].([]any); ok {
			failedItems += len(texts)
		}
	}

	return RecoveryReport{
		Recoverable:         true,
		CheckpointAgeHours:  time.Since(cp.CreatedAt).Hours(),
		ItemsProcessed:      cp.ItemsProcessed,
		ChunksProcessed:     cp.ChunksProcessed,
		EmbeddingsGenerated: cp.EmbeddingsGenerated,
		FailedBatches:       len(failed),
		FailedItems:         failedItems,
	}, nil
}

// CleanupOld deletes checkpoints and failed batches created before
// cutoff, returning how many entries were removed. The TTL on each
// bucket already expires entries automatically; this call exists for
// an operator-triggered sweep ahead of that.
func (s *Store) CleanupOld(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0

	ckKeys, err := s.checkpoints.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return removed, fmt.Errorf("checkpoint: list checkpoint keys: %w", err)
	}
	for _, key := range ckKeys {
		cp, err := s.LoadCheckpoint(ctx, key)
		if err != nil || cp == nil {
			continue
		}
		if cp.CreatedAt.Before(cutoff) {
			if err := s.DeleteCheckpoint(ctx, key); err == nil {
				removed++
			}
		}
	}

	fbKeys, err := s.failedBatches.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return removed, fmt.Errorf("checkpoint: list failed batch keys: %w", err)
	}
	for _, key := range fbKeys {
		entry, err := s.failedBatches.Get(ctx, key)
		if err != nil {
			continue
		}
		var fb FailedBatch
		if err := json.Unmarshal(entry.Value(), &fb); err != nil {
			continue
		}
		if fb.CreatedAt.Before(cutoff) {
			if err := s.MarkBatchRecovered(ctx, key); err == nil {
				removed++
			}
		}
	}

	s.logger.Info("checkpoint: cleanup complete", "removed", removed, "cutoff", cutoff)
	return removed, nil
}
