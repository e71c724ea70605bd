package batch

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ragline/ragline/engine/parser"
	"github.com/ragline/ragline/engine/tokencount"
	"github.com/ragline/ragline/pkg/ingesterr"
)

// Default safety-margin limits, strictly below the provider hard limits.
const (
	DefaultChunkLimit = 950
	DefaultTokenLimit = 9500
	HardChunkLimit    = 1000
	HardTokenLimit    = 10000
)

// Manager packs ProcessedItems into Batches one at a time, respecting the
// configured chunk/token safety margins. A Manager is not safe for
// concurrent TryAdd/Flush calls — the orchestrator drives it sequentially.
type Manager struct {
	chunkLimit int
	tokenLimit uint

	counter *tokencount.Counter
	sizer   *AdaptiveSizer
	logger  *slog.Logger

	mu      sync.Mutex
	current *Batch
	seq     int
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLimits overrides the default safety-margin limits (950 chunks / 9500
// tokens). Values are applied as given; a batch over the hard provider
// limits is refused when it is finalized.
func WithLimits(chunkLimit int, tokenLimit uint) Option {
	return func(m *Manager) {
		m.chunkLimit = chunkLimit
		m.tokenLimit = tokenLimit
	}
}

// New builds a Manager bound to counter for token accounting.
func New(counter *tokencount.Counter, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		chunkLimit: DefaultChunkLimit,
		tokenLimit: DefaultTokenLimit,
		counter:    counter,
		sizer:      NewAdaptiveSizer(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newBatch() *Batch {
	m.seq++
	return &Batch{
		ID:        fmt.Sprintf("batch_%06d", m.seq),
		CreatedAt: time.Now().UTC(),
	}
}

// TryAdd attempts to admit item into the current batch. If admitting it
// would exceed the chunk or token safety margin, the current batch is
// finalized and returned, and a new batch is started containing item. The
// finalized batch is recount-verified against the hard limits before being
// returned; a violation is an *ingesterr.Error of kind
// batch_invariant_violation and indicates a bug in the admission rule
// itself, not a normal operating condition.
func (m *Manager) TryAdd(item parser.ProcessedItem) (*Batch, error) {
	text := strings.TrimSpace(item.Text)
	if text == "" {
		m.logger.Warn("batch: rejecting empty/whitespace item",
			"source_index", item.SourceIndex, "chunk_index", item.ChunkIndex)
		return nil, nil
	}

	tokens := m.counter.Count(item.Text)
	m.sizer.Observe(item.Text, tokens)

	bi := BatchItem{
		Text:            item.Text,
		Metadata:        item.Metadata,
		SourceIndex:     item.SourceIndex,
		ChunkIndex:      item.ChunkIndex,
		EstimatedTokens: tokens,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		m.current = m.newBatch()
	}

	exceedsChunks := m.current.Size()+1 > m.chunkLimit
	exceedsTokens := m.current.TotalTokens+tokens > m.tokenLimit

	if (exceedsChunks || exceedsTokens) && m.current.Size() > 0 {
		completed, err := m.finalize(m.current)
		m.current = m.newBatch()
		m.current.Items = append(m.current.Items, bi)
		m.current.TotalTokens = tokens
		if err != nil {
			return nil, err
		}
		return completed, nil
	}

	m.current.Items = append(m.current.Items, bi)
	m.current.TotalTokens += tokens
	return nil, nil
}

// Flush finalizes and returns any remaining items as a final Batch, or nil
// if nothing is pending.
func (m *Manager) Flush() (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Size() == 0 {
		return nil, nil
	}
	completed, err := m.finalize(m.current)
	m.current = nil
	return completed, err
}

// finalize recounts tokens end-to-end and verifies the hard limits before a
// batch leaves the manager.
func (m *Manager) finalize(b *Batch) (*Batch, error) {
	var total uint
	for _, it := range b.Items {
		total += it.EstimatedTokens
	}
	b.TotalTokens = total

	if violations := hardLimitViolations(b); len(violations) > 0 {
		m.logger.Error("batch: emitted batch violates hard limits, refusing to dispatch",
			"batch_id", b.ID, "violations", violations)
		return nil, ingesterr.New(ingesterr.KindBatchInvariantViolation,
			fmt.Sprintf("batch %s violates hard limits: %s", b.ID, strings.Join(violations, "; ")), nil)
	}
	return b, nil
}

// Validate returns the list of hard-limit violations for b, or nil if it is
// valid. Unlike finalize, this never mutates manager state — it is a
// diagnostic the orchestrator or a caller can run independently.
func Validate(b *Batch) []string {
	violations := hardLimitViolations(b)

	empties := 0
	for _, it := range b.Items {
		if strings.TrimSpace(it.Text) == "" {
			empties++
		}
	}
	if empties > 0 {
		violations = append(violations, fmt.Sprintf("%d empty-text items", empties))
	}
	return violations
}

func hardLimitViolations(b *Batch) []string {
	var violations []string
	if b.Size() > HardChunkLimit {
		violations = append(violations, fmt.Sprintf("size %d exceeds hard chunk limit %d", b.Size(), HardChunkLimit))
	}
	if b.TotalTokens > HardTokenLimit {
		violations = append(violations, fmt.Sprintf("tokens %d exceeds hard token limit %d", b.TotalTokens, HardTokenLimit))
	}
	return violations
}

// OptimizeOrder returns a copy of items sorted by descending estimated
// token count, for bin-packing in a one-shot (non-streaming) batching call.
// The streaming admission path in TryAdd never reorders items — FIFO is an
// invariant there.
func OptimizeOrder(items []parser.ProcessedItem, counter *tokencount.Counter) []parser.ProcessedItem {
	out := make([]parser.ProcessedItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return counter.Count(out[i].Text) > counter.Count(out[j].Text)
	})
	return out
}
