package parser

import "github.com/ragline/ragline/engine/tokencount"

// chunkText splits text per cfg.Strategy. An empty text yields no chunks.
func chunkText(text string, cfg ChunkConfig, counter *tokencount.Counter) []string {
	if text == "" {
		return nil
	}
	switch cfg.Strategy {
	case "", ChunkNone:
		return []string{text}
	case ChunkRecursive:
		maxChars, overlap := cfg.MaxChars, cfg.Overlap
		if maxChars <= 0 {
			maxChars = defaultMaxChars
		}
		if overlap < 0 {
			overlap = defaultOverlap
		}
		return chunkRecursive(text, maxChars, overlap)
	case ChunkTokenAware:
		return chunkTokenAware(text, cfg, counter)
	default:
		return []string{text}
	}
}

// chunkRecursive produces greedy char windows of maxChars with overlap
// backoff between consecutive windows; the final window always ends exactly
// at len(text).
func chunkRecursive(text string, maxChars, overlap int) []string {
	runes := []rune(text)
	n := len(runes)
	if n <= maxChars {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + maxChars
		if end > n {
			end = n
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
		next := end - overlap
		if next < start+1 {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// chunkTokenAware mirrors chunkRecursive but windows over token counts
// rather than characters, using counter to encode/decode. If counter is
// nil, it degrades to char windows sized at 4 chars/token, per spec.
func chunkTokenAware(text string, cfg ChunkConfig, counter *tokencount.Counter) []string {
	maxTokens, overlapTokens := cfg.MaxTokens, cfg.OverlapTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}

	if counter == nil {
		return chunkRecursive(text, maxTokens*4, overlapTokens*4)
	}

	tokens := counter.Encode(text)
	n := len(tokens)
	if n == 0 {
		return []string{text}
	}
	if n <= maxTokens {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + maxTokens
		if end > n {
			end = n
		}
		chunks = append(chunks, counter.Decode(tokens[start:end]))
		if end == n {
			break
		}
		next := end - overlapTokens
		if next < start+1 {
			next = start + 1
		}
		start = next
	}
	return chunks
}
