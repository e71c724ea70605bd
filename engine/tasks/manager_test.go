package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeEntry implements jetstream.KeyValueEntry for a single in-memory value.
type fakeEntry struct {
	jetstream.KeyValueEntry
	key      string
	value    []byte
	revision uint64
}

func (e *fakeEntry) Key() string      { return e.key }
func (e *fakeEntry) Value() []byte    { return e.value }
func (e *fakeEntry) Revision() uint64 { return e.revision }

// fakeKV implements the subset of jetstream.KeyValue this package uses,
// including revision-checked Create/Update for the CAS loop.
type fakeKV struct {
	jetstream.KeyValue
	mu       sync.Mutex
	data     map[string][]byte
	revision map[string]uint64
	seq      uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}, revision: map[string]uint64{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: v, revision: f.revision[key]}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.data[key] = value
	f.revision[key] = f.seq
	return f.seq, nil
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.seq++
	f.data[key] = value
	f.revision[key] = f.seq
	return f.seq, nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revision[key] != revision {
		return 0, errors.New("wrong last sequence")
	}
	f.seq++
	f.data[key] = value
	f.revision[key] = f.seq
	return f.seq, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(f.data, key)
	delete(f.revision, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestStore() *Store {
	return NewStoreWithBuckets(newFakeKV(), newFakeKV())
}

func blockingRun(block chan struct{}) RunFunc {
	return func(ctx context.Context, job Job) (Job, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return job, ctx.Err()
	}
}

func instantSuccess(ctx context.Context, job Job) (Job, error) {
	job.Progress.ItemsProcessed = 10
	return job, nil
}

func instantFailure(ctx context.Context, job Job) (Job, error) {
	return job, errors.New("boom")
}

func waitForStatus(t *testing.T, m *Manager, jobID string, want Status, timeout time.Duration) Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := m.Status(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return Job{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	store := newTestStore()
	m := NewWithStore(store, 2, instantSuccess, slog.Default())
	defer m.Shutdown()

	id, err := m.Submit(context.Background(), "tenant-a", FileInfo{FilePath: "/x.json"}, Configuration{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, m, id, StatusCompleted, time.Second)
	if job.Progress.ItemsProcessed != 10 {
		t.Fatalf("expected orchestrator result to persist, got %+v", job.Progress)
	}
}

func TestSubmitFailurePersistsErrorInfo(t *testing.T) {
	store := newTestStore()
	m := NewWithStore(store, 1, instantFailure, slog.Default())
	defer m.Shutdown()

	id, err := m.Submit(context.Background(), "tenant-a", FileInfo{}, Configuration{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, m, id, StatusFailed, time.Second)
	if job.ErrorInfo == nil || job.ErrorInfo.Message != "boom" {
		t.Fatalf("unexpected error info: %+v", job.ErrorInfo)
	}
}

func TestPauseIllegalFromQueued(t *testing.T) {
	store := newTestStore()
	block := make(chan struct{})
	defer close(block)
	m := NewWithStore(store, 1, blockingRun(block), slog.Default())
	defer m.Shutdown()

	// Job is written directly to the store, bypassing Submit, so no
	// worker ever picks it up: pause must fail purely on state, not races.
	job := Job{ID: "job1", TenantID: "t", Status: StatusQueued}
	if _, err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := m.Pause(context.Background(), "job1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestPauseThenResume(t *testing.T) {
	store := newTestStore()
	block := make(chan struct{})
	m := NewWithStore(store, 1, blockingRun(block), slog.Default())
	defer func() {
		close(block)
		m.Shutdown()
	}()

	id, err := m.Submit(context.Background(), "tenant-a", FileInfo{}, Configuration{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, m, id, StatusRunning, time.Second)

	if err := m.Pause(context.Background(), id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitForStatus(t, m, id, StatusPaused, time.Second)

	if err := m.Pause(context.Background(), id); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition pausing an already-paused job, got %v", err)
	}

	if err := m.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// Resume hands the job back to the still-blocked orchestrator.
	waitForStatus(t, m, id, StatusRunning, time.Second)
}

func TestCancelFromQueued(t *testing.T) {
	store := newTestStore()
	m := &Manager{store: store, logger: slog.Default(), cancels: map[string]context.CancelFunc{}}

	job := Job{ID: "job1", TenantID: "t", Status: StatusQueued}
	if _, err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.EnqueueJob(context.Background(), "job1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := m.Cancel(context.Background(), "job1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := store.Get(context.Background(), "job1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	qEntry, err := store.control.Get(context.Background(), queueKey)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	list, _ := decodeStringList(qEntry.Value())
	if len(list) != 0 {
		t.Fatalf("expected job removed from queue, got %v", list)
	}
}

func TestCancelIllegalFromTerminalState(t *testing.T) {
	store := newTestStore()
	m := &Manager{store: store, logger: slog.Default(), cancels: map[string]context.CancelFunc{}}

	job := Job{ID: "job1", TenantID: "t", Status: StatusCompleted}
	if _, err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Cancel(context.Background(), "job1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestResumeIllegalFromRunning(t *testing.T) {
	store := newTestStore()
	m := &Manager{store: store, logger: slog.Default(), cancels: map[string]context.CancelFunc{}}

	job := Job{ID: "job1", TenantID: "t", Status: StatusRunning}
	if _, err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Resume(context.Background(), "job1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestActiveReflectsRunningJobs(t *testing.T) {
	store := newTestStore()
	block := make(chan struct{})
	m := NewWithStore(store, 1, blockingRun(block), slog.Default())
	defer func() {
		close(block)
		m.Shutdown()
	}()

	id, err := m.Submit(context.Background(), "tenant-a", FileInfo{}, Configuration{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, m, id, StatusRunning, time.Second)

	active, err := m.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	found := false
	for _, a := range active {
		if a == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in active set, got %v", id, active)
	}
}

func TestCleanupCompletedRemovesOldTerminalJobs(t *testing.T) {
	store := newTestStore()
	m := NewWithStore(store, 1, instantSuccess, slog.Default())
	defer m.Shutdown()

	old := Job{ID: "old", TenantID: "t", Status: StatusFailed, UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := Job{ID: "fresh", TenantID: "t", Status: StatusCompleted, UpdatedAt: time.Now()}
	// Create stamps UpdatedAt with the current time, so the aged record is
	// written to the KV directly to keep its 48h-old timestamp.
	oldData, err := json.Marshal(old)
	if err != nil {
		t.Fatalf("marshal old: %v", err)
	}
	if _, err := store.jobs.Put(context.Background(), "old", oldData); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if _, err := store.Create(context.Background(), fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	removed, err := m.CleanupCompleted(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := store.Get(context.Background(), "fresh"); err != nil {
		t.Fatalf("expected fresh job to survive: %v", err)
	}
	if _, err := store.Get(context.Background(), "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job removed, got %v", err)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.EnqueueJob(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := store.DequeueJob(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("dequeue = %s, want %s", got, want)
		}
	}
	empty, err := store.DequeueJob(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if empty != "" {
		t.Fatalf("expected empty queue, got %s", empty)
	}
}

func TestAddActiveIsIdempotent(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	if err := store.AddActive(ctx, "job1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddActive(ctx, "job1"); err != nil {
		t.Fatalf("add again: %v", err)
	}
	ids, err := store.ActiveIDs(ctx)
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 active id, got %v", ids)
	}
}
