// Package tokencount provides deterministic, side-effect-free token
// counting against the BPE encodings used by the embedding providers the
// ingestion pipeline talks to.
package tokencount

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is used for any model not present in modelEncodings.
const defaultEncoding = "cl100k_base"

// modelEncodings maps an embedding model name to the BPE encoding that
// approximates its tokenizer. Unknown models fall back to defaultEncoding.
var modelEncodings = map[string]string{
	"voyage-large-2":         "cl100k_base",
	"voyage-large-2-instruct": "cl100k_base",
	"voyage-2":               "cl100k_base",
	"voyage-code-2":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
	"text-embedding-ada-002": "cl100k_base",
	"nomic-embed-text":       "cl100k_base",
	"bge-large-en":           "cl100k_base",
}

// Counter counts tokens for a fixed embedding model. A Counter is safe for
// concurrent use and holds no processing state — count(text) is pure.
type Counter struct {
	model    string
	encoding string
	logger   *slog.Logger

	mu  sync.Mutex
	enc *tiktoken.Tiktoken // lazily resolved, cached
	err error              // sticky: set once encoding resolution has failed
}

// New returns a Counter for the given embedding model name. The model is
// mapped to a BPE encoding via modelEncodings; unknown models use the
// general-purpose defaultEncoding.
func New(model string, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	encoding, ok := modelEncodings[model]
	if !ok {
		encoding = defaultEncoding
	}
	return &Counter{model: model, encoding: encoding, logger: logger}
}

func (c *Counter) encoder() (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		return c.enc, nil
	}
	if c.err != nil {
		return nil, c.err
	}
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.err = err
		return nil, err
	}
	c.enc = enc
	return enc, nil
}

// fallbackCount approximates token count as a quarter of the byte length,
// per spec: on encoding failure, fall back to len(text)/4.
func fallbackCount(text string) uint {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return uint(n)
}

// Count returns the token count of text under this counter's encoding.
func (c *Counter) Count(text string) uint {
	if text == "" {
		return 0
	}
	enc, err := c.encoder()
	if err != nil {
		c.logger.Warn("tokencount: encoder unavailable, using length heuristic",
			"model", c.model, "encoding", c.encoding, "error", err)
		return fallbackCount(text)
	}
	tokens := enc.Encode(text, nil, nil)
	return uint(len(tokens))
}

// Encode returns the raw BPE token ids for text, or nil if the encoder is
// unavailable. Used by token-aware chunking to window in token space.
func (c *Counter) Encode(text string) []int {
	enc, err := c.encoder()
	if err != nil {
		return nil
	}
	return enc.Encode(text, nil, nil)
}

// Decode renders a slice of BPE token ids back to text. Used by token-aware
// chunking to materialize a token window as a string chunk.
func (c *Counter) Decode(tokens []int) string {
	enc, err := c.encoder()
	if err != nil {
		return ""
	}
	return enc.Decode(tokens)
}

// EstimateBatch sums the token counts of texts.
func (c *Counter) EstimateBatch(texts []string) uint {
	var total uint
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// MaxFit returns the length of the largest prefix of texts whose cumulative
// token count is <= tokenLimit, found by binary search over prefix sums.
// Always returns >= 1 when texts is non-empty, even if the first item alone
// exceeds tokenLimit (the caller is responsible for rejecting or
// pre-chunking over-limit single items; MaxFit never silently drops work).
func (c *Counter) MaxFit(texts []string, tokenLimit uint) uint {
	if len(texts) == 0 {
		return 0
	}
	prefix := make([]uint, len(texts)+1)
	for i, t := range texts {
		prefix[i+1] = prefix[i] + c.Count(t)
	}
	// Largest k such that prefix[k] <= tokenLimit, via binary search over
	// the (monotonic) prefix-sum slice.
	lo, hi := 1, len(texts)
	best := 1
	for lo <= hi {
		mid := (lo + hi) / 2
		if prefix[mid] <= tokenLimit {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return uint(best)
}

// Model returns the embedding model this counter was built for.
func (c *Counter) Model() string { return c.model }

// Encoding returns the resolved BPE encoding name.
func (c *Counter) Encoding() string { return c.encoding }

// SupportedModels returns the known model names, sorted, for diagnostics.
func SupportedModels() []string {
	out := make([]string, 0, len(modelEncodings))
	for m := range modelEncodings {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
