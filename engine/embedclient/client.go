package embedclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	ragbatch "github.com/ragline/ragline/engine/batch"
	"github.com/ragline/ragline/pkg/fn"
	"github.com/ragline/ragline/pkg/ingesterr"
	"github.com/ragline/ragline/pkg/resilience"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 60 * time.Second
)

// embedResult is the breaker-protected call's decoded payload.
type embedResult struct {
	vectors [][]float32
	dim     int
}

// Client wraps a Provider with the retry/backoff/cancellation/rate-limit
// policy every embedding call must honor, regardless of which concrete
// provider backs it.
type Client struct {
	provider    Provider
	limiter     *rate.Limiter // nil for providers with no external quota
	breaker     *resilience.Breaker
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}

// New builds a Client for cfg.Kind. RequestsPerMinute, if set, bounds
// hosted-provider call rate via a token-bucket limiter; MaxAttempts/
// BaseDelay/MaxDelay default to the spec's 4 attempts, 1s base, 60s cap.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var provider Provider
	switch cfg.Kind {
	case KindLocalModel:
		provider = newLocalModelProvider(cfg)
	case KindHostedProviderA:
		provider = newHostedProviderA(cfg)
	case KindHostedProviderB:
		provider = newHostedProviderB(cfg)
	default:
		return nil, fmt.Errorf("embedclient: unknown provider kind %q", cfg.Kind)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	return &Client{
		provider:    provider,
		limiter:     limiter,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}, nil
}

// NewWithProvider builds a Client around an already-constructed Provider,
// bypassing the Kind dispatch in New. Used by tests and by callers wiring a
// custom/mock provider.
func NewWithProvider(provider Provider, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Client{
		provider:    provider,
		limiter:     limiter,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}
}

// Embed performs a single provider round trip with no retry policy. Most
// callers want EmbedBatchWithRetry instead.
func (c *Client) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, int, error) {
	return c.provider.Embed(ctx, texts, mode)
}

// EmbedBatchWithRetry embeds a batch's texts, applying pre-dispatch hard
// limit validation, rate limiting, circuit breaking, retry classification,
// exponential backoff (base 1s, cap 60s, full doubling), and cancellation,
// then checks the result invariant: equal vector count and equal nonzero
// dimension across all vectors.
func (c *Client) EmbedBatchWithRetry(ctx context.Context, b *ragbatch.Batch) ([][]float32, int, error) {
	if violations := ragbatch.Validate(b); len(violations) > 0 {
		return nil, 0, ingesterr.New(ingesterr.KindBatchInvariantViolation,
			fmt.Sprintf("batch %s failed pre-dispatch validation: %v", b.ID, violations), nil)
	}

	texts := b.Texts()
	delay := c.baseDelay

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, 0, ingesterr.New(ingesterr.KindCancelled, "embedding cancelled before attempt", ctx.Err())
		default:
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, 0, ingesterr.New(ingesterr.KindCancelled, "embedding cancelled while rate-limited", err)
			}
		}

		result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[embedResult] {
			vectors, dim, err := c.provider.Embed(ctx, texts, ModeDocument)
			if err != nil {
				return fn.Err[embedResult](err)
			}
			return fn.Ok(embedResult{vectors: vectors, dim: dim})
		})

		if result.IsOk() {
			r := result.Must()
			if ierr := checkInvariant(r.vectors, r.dim, len(texts)); ierr != nil {
				return nil, 0, ierr
			}
			return r.vectors, r.dim, nil
		}

		_, err := result.Unwrap()
		lastErr = err
		if ctx.Err() != nil {
			return nil, 0, ingesterr.New(ingesterr.KindCancelled, "embedding cancelled mid-attempt", ctx.Err())
		}

		if !classify(err) {
			return nil, 0, ingesterr.New(ingesterr.KindEmbeddingFatal, "non-retryable embedding error", err)
		}

		if attempt == c.maxAttempts {
			break
		}

		c.logger.Warn("embedclient: retrying after transient error",
			"attempt", attempt, "max_attempts", c.maxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, 0, ingesterr.New(ingesterr.KindCancelled, "embedding cancelled during backoff", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	return nil, 0, ingesterr.New(ingesterr.KindEmbeddingTransient,
		"exhausted retry attempts", lastErr).WithRecoverable(false)
}

func checkInvariant(vectors [][]float32, dim, wantLen int) error {
	if len(vectors) != wantLen {
		return ingesterr.New(ingesterr.KindEmbeddingInvariant,
			fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), wantLen), nil)
	}
	if dim <= 0 {
		return ingesterr.New(ingesterr.KindEmbeddingInvariant, "provider returned zero-length vectors", nil)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return ingesterr.New(ingesterr.KindEmbeddingInvariant,
				fmt.Sprintf("vector %d has dim %d, want %d", i, len(v), dim), nil)
		}
	}
	return nil
}
