package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ragline/ragline/pkg/repo"
)

const (
	jobBucket     = "processing_task"
	controlBucket = "task_control"

	queueKey  = "task_queue"
	activeKey = "active_tasks"

	// JobTTL matches the original service's 48-hour retention for task
	// records, independent of the completed/failed/cancelled sweep.
	JobTTL = 48 * time.Hour

	casMaxRetries = 20
)

// Store is the JobStore: a repo.Repository[Job, string] backed by a
// JetStream KV bucket, plus the shared FIFO queue and active-task set
// used for cross-process visibility (§6).
type Store struct {
	jobs    jetstream.KeyValue
	control jetstream.KeyValue
}

var _ repo.Repository[Job, string] = (*Store)(nil)

// OpenStore creates (or reuses) the backing KV buckets.
func OpenStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	jobs, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: jobBucket, TTL: JobTTL})
	if err != nil {
		return nil, fmt.Errorf("tasks: open job bucket: %w", err)
	}
	control, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: controlBucket})
	if err != nil {
		return nil, fmt.Errorf("tasks: open control bucket: %w", err)
	}
	return &Store{jobs: jobs, control: control}, nil
}

// NewStoreWithBuckets builds a Store around already-open KV buckets,
// bypassing OpenStore. Used by tests.
func NewStoreWithBuckets(jobs, control jetstream.KeyValue) *Store {
	return &Store{jobs: jobs, control: control}
}

// Get implements repo.Repository.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	entry, err := s.jobs.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("tasks: get %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return Job{}, fmt.Errorf("tasks: decode %s: %w", id, err)
	}
	return job, nil
}

// List implements repo.Repository. opts.Filter["tenant_id"] restricts to
// one tenant when present; Offset/Limit paginate the (unordered) result.
func (s *Store) List(ctx context.Context, opts repo.ListOpts) ([]Job, error) {
	keys, err := s.jobs.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: list keys: %w", err)
	}

	var tenant string
	if opts.Filter != nil {
		tenant, _ = opts.Filter["tenant_id"].(string)
	}

	var jobs []Job
	for _, key := range keys {
		job, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		if tenant != "" && job.TenantID != tenant {
			continue
		}
		jobs = append(jobs, job)
	}

	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// Create implements repo.Repository.
func (s *Store) Create(ctx context.Context, job Job) (Job, error) {
	return job, s.put(ctx, job)
}

// Update implements repo.Repository.
func (s *Store) Update(ctx context.Context, job Job) (Job, error) {
	return job, s.put(ctx, job)
}

// Delete implements repo.Repository.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.jobs.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("tasks: delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, job Job) error {
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("tasks: marshal %s: %w", job.ID, err)
	}
	if _, err := s.jobs.Put(ctx, job.ID, data); err != nil {
		return fmt.Errorf("tasks: put %s: %w", job.ID, err)
	}
	return nil
}

// casUpdate reads key, applies mutate to its current (possibly absent)
// value, and writes back with optimistic concurrency, retrying on a
// revision conflict. This is the KV analogue of an atomic get/set over
// a JSON-encoded list or set (§5 shared resources).
func casUpdate(ctx context.Context, kv jetstream.KeyValue, key string, mutate func([]byte) ([]byte, error)) error {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		entry, err := kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			next, merr := mutate(nil)
			if merr != nil {
				return merr
			}
			if _, err := kv.Create(ctx, key, next); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return fmt.Errorf("tasks: create %s: %w", key, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("tasks: get %s: %w", key, err)
		}

		next, merr := mutate(entry.Value())
		if merr != nil {
			return merr
		}
		if _, err := kv.Update(ctx, key, next, entry.Revision()); err != nil {
			continue // revision conflict: retry with a fresh read
		}
		return nil
	}
	return fmt.Errorf("tasks: cas update %s: exceeded %d retries", key, casMaxRetries)
}

func decodeStringList(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("tasks: decode list: %w", err)
	}
	return list, nil
}

// EnqueueJob appends id to the shared FIFO queue.
func (s *Store) EnqueueJob(ctx context.Context, id string) error {
	return casUpdate(ctx, s.control, queueKey, func(cur []byte) ([]byte, error) {
		list, err := decodeStringList(cur)
		if err != nil {
			return nil, err
		}
		list = append(list, id)
		return json.Marshal(list)
	})
}

// DequeueJob removes and returns the oldest queued id, or "" if the
// queue is empty.
func (s *Store) DequeueJob(ctx context.Context) (string, error) {
	var popped string
	err := casUpdate(ctx, s.control, queueKey, func(cur []byte) ([]byte, error) {
		list, err := decodeStringList(cur)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			popped = ""
			return json.Marshal(list)
		}
		popped = list[0]
		return json.Marshal(list[1:])
	})
	return popped, err
}

// RemoveFromQueue removes id from the queue if present, used when
// cancelling a still-queued job.
func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	return casUpdate(ctx, s.control, queueKey, func(cur []byte) ([]byte, error) {
		list, err := decodeStringList(cur)
		if err != nil {
			return nil, err
		}
		out := list[:0]
		for _, v := range list {
			if v != id {
				out = append(out, v)
			}
		}
		return json.Marshal(out)
	})
}

// AddActive records id in the shared active-task set.
func (s *Store) AddActive(ctx context.Context, id string) error {
	return casUpdate(ctx, s.control, activeKey, func(cur []byte) ([]byte, error) {
		list, err := decodeStringList(cur)
		if err != nil {
			return nil, err
		}
		for _, v := range list {
			if v == id {
				return json.Marshal(list)
			}
		}
		return json.Marshal(append(list, id))
	})
}

// RemoveActive removes id from the shared active-task set.
func (s *Store) RemoveActive(ctx context.Context, id string) error {
	return casUpdate(ctx, s.control, activeKey, func(cur []byte) ([]byte, error) {
		list, err := decodeStringList(cur)
		if err != nil {
			return nil, err
		}
		out := list[:0]
		for _, v := range list {
			if v != id {
				out = append(out, v)
			}
		}
		return json.Marshal(out)
	})
}

// ActiveIDs returns the current active-task set.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	entry, err := s.control.Get(ctx, activeKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: get active set: %w", err)
	}
	return decodeStringList(entry.Value())
}
