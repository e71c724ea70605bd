// Package embedclient talks to an embedding provider, chosen per job, and
// wraps the raw call with the retry/backoff/cancellation/rate-limit policy
// the ingestion pipeline requires regardless of which provider is behind it.
package embedclient

import (
	"context"
	"time"
)

// Mode distinguishes an embedding call issued for a search query from one
// issued for a document being indexed; some providers embed these
// differently (asymmetric embeddings).
type Mode string

const (
	ModeQuery    Mode = "query"
	ModeDocument Mode = "document"
)

// Kind selects which concrete provider backs a Client.
type Kind string

const (
	KindLocalModel      Kind = "local_model"
	KindHostedProviderA Kind = "hosted_provider_a"
	KindHostedProviderB Kind = "hosted_provider_b"
)

// Provider is the polymorphic surface every embedding backend implements.
// A single call to Embed is one provider round trip; batching policy lives
// above this interface in Client.
type Provider interface {
	// Embed returns one vector per text, all of equal length, plus that
	// length as dim. The caller (Client) is responsible for invariant
	// checking and retry; Provider implementations return the first error
	// they hit, wrapped with enough context to classify it.
	Embed(ctx context.Context, texts []string, mode Mode) (vectors [][]float32, dim int, err error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Kind    Kind
	BaseURL string
	APIKey  string
	Model   string

	// RequestsPerMinute bounds call rate for hosted providers. Zero means
	// unbounded (appropriate for a local model with no external quota).
	RequestsPerMinute int

	// MaxAttempts, BaseDelay and MaxDelay parameterize EmbedBatchWithRetry.
	// Zero values fall back to the spec defaults (4 attempts, 1s/60s).
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}
