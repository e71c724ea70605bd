package domain

import (
	"strconv"
	"strings"
)

// ValidateSubmitRequest checks a SubmitRequest before a job record is
// created. It collects up to maxValidationErrors errors rather than
// stopping at the first one, so a caller can report everything wrong with
// a submission in one round trip.
func ValidateSubmitRequest(req SubmitRequest) []error {
	var errs []error
	add := func(err error) bool {
		errs = append(errs, err)
		return len(errs) >= maxValidationErrors
	}

	if strings.TrimSpace(req.TenantID) == "" {
		if add(NewValidationError("tenant_id", req.TenantID, ErrMissingTenant)) {
			return errs
		}
	}
	if strings.TrimSpace(req.FilePath) == "" {
		if add(NewValidationError("file_path", req.FilePath, ErrMissingFilePath)) {
			return errs
		}
	}
	if strings.TrimSpace(req.Filename) == "" {
		if add(NewValidationError("filename", req.Filename, ErrMissingFilename)) {
			return errs
		}
	}
	if req.FileSize <= 0 {
		if add(NewValidationError("file_size", strconv.FormatInt(req.FileSize, 10), ErrInvalidFileSize)) {
			return errs
		}
	} else if req.FileSize > MaxFileSizeBytes {
		if add(NewValidationError("file_size", strconv.FormatInt(req.FileSize, 10), ErrFileTooLarge)) {
			return errs
		}
	}

	for _, err := range ValidateSchemaJSON(req.SchemaJSON) {
		if add(err) {
			return errs
		}
	}
	for _, err := range ValidateEmbeddingConfig(req.Embedding) {
		if add(err) {
			return errs
		}
	}

	return errs
}

// ValidateSchemaJSON checks the submission envelope's schema_json blob
// structurally: format, content path, and chunking strategy parameters.
// It does not compile the optional JSON-Schema draft-07 validator or walk
// mapping paths against real data — that happens once, inside the parser,
// when the file is actually read.
func ValidateSchemaJSON(raw map[string]any) []error {
	var errs []error

	if raw == nil {
		return []error{NewValidationError("schema_json", "", ErrMissingSchema)}
	}

	format, _ := raw["format"].(string)
	if !validFormats[format] {
		errs = append(errs, NewValidationError("format", format, ErrUnsupportedFormat))
	}

	mapping, _ := raw["mapping"].(map[string]any)
	contentPath, _ := mapping["content_path"].(string)
	if strings.TrimSpace(contentPath) == "" {
		errs = append(errs, NewValidationError("mapping.content_path", contentPath, ErrMissingContentPath))
	}

	chunking, _ := raw["chunking"].(map[string]any)
	strategy, _ := chunking["strategy"].(string)
	if strategy == "" {
		strategy = "none"
	}
	if !validChunkStrategies[strategy] {
		errs = append(errs, NewValidationError("chunking.strategy", strategy, ErrUnsupportedChunking))
		return errs
	}

	switch strategy {
	case "recursive":
		if !isPositiveNumber(chunking["max_chars"]) {
			errs = append(errs, NewValidationError("chunking.max_chars", "", ErrMissingChunkParams))
		}
	case "token_aware":
		if !isPositiveNumber(chunking["max_tokens"]) {
			errs = append(errs, NewValidationError("chunking.max_tokens", "", ErrMissingChunkParams))
		}
	}

	return errs
}

// ValidateEmbeddingConfig checks that a job names both a provider and a
// model; the provider's actual credentials are resolved and verified later
// by the embed client factory.
func ValidateEmbeddingConfig(cfg EmbeddingConfig) []error {
	var errs []error
	if strings.TrimSpace(cfg.Provider) == "" {
		errs = append(errs, NewValidationError("embedding.provider", cfg.Provider, ErrMissingProvider))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		errs = append(errs, NewValidationError("embedding.model", cfg.Model, ErrMissingModel))
	}
	return errs
}

// isPositiveNumber reports whether v decodes (as JSON numbers do, via
// encoding/json into map[string]any) to a float64 greater than zero.
func isPositiveNumber(v any) bool {
	n, ok := v.(float64)
	return ok && n > 0
}

