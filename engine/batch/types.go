// Package batch packs ProcessedItems into token/chunk-bounded Batches ready
// for dispatch to an embedding provider, enforcing the safety-margin and
// hard-limit invariants the provider API actually requires.
package batch

import "time"

// BatchItem is one chunk admitted into a Batch, with its token count
// counted once (via C1) and cached here.
type BatchItem struct {
	Text            string
	Metadata        map[string]any
	SourceIndex     int
	ChunkIndex      int
	EstimatedTokens uint
}

// Batch is an ordered, immutable-once-finalized group of items dispatched
// together to the embedding provider.
type Batch struct {
	ID          string
	Items       []BatchItem
	TotalTokens uint
	CreatedAt   time.Time
}

// Size is the chunk count of the batch.
func (b *Batch) Size() int { return len(b.Items) }

// Texts returns the batch's item texts, in order.
func (b *Batch) Texts() []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Text
	}
	return out
}

// Metadatas returns the batch's item metadata maps, in order.
func (b *Batch) Metadatas() []map[string]any {
	out := make([]map[string]any, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Metadata
	}
	return out
}
