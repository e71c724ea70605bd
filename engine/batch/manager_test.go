package batch

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/ragline/ragline/engine/parser"
	"github.com/ragline/ragline/engine/tokencount"
	"github.com/ragline/ragline/pkg/ingesterr"
)

func newTestCounter() *tokencount.Counter {
	return tokencount.New("voyage-large-2", slog.Default())
}

func TestTryAddAccumulatesWithoutEmitting(t *testing.T) {
	m := New(newTestCounter(), slog.Default())
	batch, err := m.TryAdd(parser.ProcessedItem{Text: "hello", SourceIndex: 0})
	if err != nil {
		t.Fatalf("TryAdd: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected no batch emitted yet, got %+v", batch)
	}
}

func TestFlushEmitsRemainder(t *testing.T) {
	m := New(newTestCounter(), slog.Default())
	if _, err := m.TryAdd(parser.ProcessedItem{Text: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryAdd(parser.ProcessedItem{Text: "b"}); err != nil {
		t.Fatal(err)
	}
	b, err := m.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b == nil || b.Size() != 2 {
		t.Fatalf("Flush() = %+v, want a batch of size 2", b)
	}

	again, err := m.Flush()
	if err != nil || again != nil {
		t.Fatalf("second Flush should be nil, got (%v, %v)", again, err)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	m := New(newTestCounter(), slog.Default())
	b, err := m.TryAdd(parser.ProcessedItem{Text: "   "})
	if err != nil || b != nil {
		t.Fatalf("TryAdd(whitespace) = (%v, %v), want (nil, nil)", b, err)
	}
	flushed, err := m.Flush()
	if err != nil || flushed != nil {
		t.Fatalf("Flush after only-whitespace input should be nil, got (%v, %v)", flushed, err)
	}
}

func TestChunkLimitTriggersEmission(t *testing.T) {
	m := New(newTestCounter(), slog.Default(), WithLimits(2, DefaultTokenLimit))
	var emitted *Batch
	for i := 0; i < 3; i++ {
		b, err := m.TryAdd(parser.ProcessedItem{Text: fmt.Sprintf("item-%d", i), SourceIndex: i})
		if err != nil {
			t.Fatalf("TryAdd: %v", err)
		}
		if b != nil {
			emitted = b
		}
	}
	if emitted == nil {
		t.Fatal("expected a batch to be emitted once chunk limit exceeded")
	}
	if emitted.Size() != 2 {
		t.Fatalf("emitted batch size = %d, want 2", emitted.Size())
	}
	final, err := m.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if final == nil || final.Size() != 1 {
		t.Fatalf("final batch = %+v, want size 1", final)
	}
}

func TestS4BatchPackingInvariant(t *testing.T) {
	m := New(newTestCounter(), slog.Default())
	totalItems := 2500
	var batches []*Batch
	for i := 0; i < totalItems; i++ {
		text := strings.Repeat("token ", 2) // ~a handful of tokens each
		b, err := m.TryAdd(parser.ProcessedItem{Text: text, SourceIndex: i})
		if err != nil {
			t.Fatalf("TryAdd: %v", err)
		}
		if b != nil {
			batches = append(batches, b)
		}
	}
	if final, err := m.Flush(); err != nil {
		t.Fatal(err)
	} else if final != nil {
		batches = append(batches, final)
	}

	sum := 0
	for _, b := range batches {
		if b.Size() > DefaultChunkLimit {
			t.Fatalf("batch %s size %d exceeds soft chunk limit", b.ID, b.Size())
		}
		if b.TotalTokens > DefaultTokenLimit {
			t.Fatalf("batch %s tokens %d exceeds soft token limit", b.ID, b.TotalTokens)
		}
		sum += b.Size()
	}
	if sum != totalItems {
		t.Fatalf("total items across batches = %d, want %d", sum, totalItems)
	}
}

func TestValidateReportsHardLimitViolation(t *testing.T) {
	items := make([]BatchItem, HardChunkLimit+1)
	for i := range items {
		items[i] = BatchItem{Text: "x", EstimatedTokens: 1}
	}
	b := &Batch{ID: "batch_000001", Items: items, TotalTokens: uint(len(items))}
	violations := Validate(b)
	if len(violations) == 0 {
		t.Fatal("expected hard chunk limit violation")
	}
}

func TestFinalizeRefusesHardLimitViolation(t *testing.T) {
	m := New(newTestCounter(), slog.Default(), WithLimits(HardChunkLimit+10, HardTokenLimit+10))
	for i := 0; i < HardChunkLimit+1; i++ {
		if _, err := m.TryAdd(parser.ProcessedItem{Text: "x", SourceIndex: i}); err != nil {
			t.Fatalf("TryAdd unexpectedly errored mid-stream: %v", err)
		}
	}
	_, err := m.Flush()
	if err == nil {
		t.Fatal("expected batch_invariant_violation on flush")
	}
	ierr, ok := ingesterr.As(err)
	if !ok || ierr.Kind != ingesterr.KindBatchInvariantViolation {
		t.Fatalf("expected batch_invariant_violation, got %v", err)
	}
}

func TestOptimizeOrderSortsDescending(t *testing.T) {
	counter := newTestCounter()
	items := []parser.ProcessedItem{
		{Text: "short"},
		{Text: strings.Repeat("much longer text here ", 20)},
		{Text: "tiny"},
	}
	ordered := OptimizeOrder(items, counter)
	for i := 1; i < len(ordered); i++ {
		if counter.Count(ordered[i-1].Text) < counter.Count(ordered[i].Text) {
			t.Fatalf("OptimizeOrder not descending at %d", i)
		}
	}
	// Original slice must be untouched.
	if items[0].Text != "short" {
		t.Fatal("OptimizeOrder mutated its input")
	}
}

func TestAdaptiveSizerEstimateCapacity(t *testing.T) {
	s := NewAdaptiveSizer()
	s.Observe(strings.Repeat("a", 100), 25) // 0.25 tokens/char
	remaining := []string{strings.Repeat("a", 100), strings.Repeat("a", 100), strings.Repeat("a", 100)}
	got := s.EstimateCapacity(remaining, 60)
	if got != 2 {
		t.Fatalf("EstimateCapacity = %d, want 2", got)
	}
}
