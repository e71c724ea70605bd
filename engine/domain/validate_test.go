package domain

import (
	"errors"
	"testing"
)

func validSchema() map[string]any {
	return map[string]any{
		"format":  "ndjson",
		"mapping": map[string]any{"content_path": "text"},
		"chunking": map[string]any{
			"strategy": "token_aware",
			"max_tokens": 400.0,
		},
	}
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		TenantID: "tenant-1",
		FilePath: "/data/tenant-1/corpus.ndjson",
		FileSize: 1024,
		Filename: "corpus.ndjson",
		SchemaJSON: validSchema(),
		Embedding:  EmbeddingConfig{Provider: "local_model", Model: "bge-small"},
	}
}

func TestValidateSubmitRequest_Valid(t *testing.T) {
	if errs := ValidateSubmitRequest(validRequest()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateSubmitRequest_MissingTenant(t *testing.T) {
	req := validRequest()
	req.TenantID = ""
	errs := ValidateSubmitRequest(req)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", errs)
	}
}

func TestValidateSubmitRequest_FileSize(t *testing.T) {
	req := validRequest()
	req.FileSize = 0
	errs := ValidateSubmitRequest(req)
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidFileSize) {
		t.Fatalf("expected ErrInvalidFileSize, got %v", errs)
	}

	req = validRequest()
	req.FileSize = MaxFileSizeBytes + 1
	errs = ValidateSubmitRequest(req)
	if len(errs) != 1 || !errors.Is(errs[0], ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", errs)
	}
}

func TestValidateSchemaJSON_MissingSchema(t *testing.T) {
	errs := ValidateSchemaJSON(nil)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingSchema) {
		t.Fatalf("expected ErrMissingSchema, got %v", errs)
	}
}

func TestValidateSchemaJSON_UnsupportedFormat(t *testing.T) {
	schema := validSchema()
	schema["format"] = "xml"
	errs := ValidateSchemaJSON(schema)
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", errs)
	}
}

func TestValidateSchemaJSON_MissingContentPath(t *testing.T) {
	schema := validSchema()
	schema["mapping"] = map[string]any{}
	errs := ValidateSchemaJSON(schema)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingContentPath) {
		t.Fatalf("expected ErrMissingContentPath, got %v", errs)
	}
}

func TestValidateSchemaJSON_ChunkingDefaultsToNone(t *testing.T) {
	schema := validSchema()
	delete(schema, "chunking")
	if errs := ValidateSchemaJSON(schema); len(errs) != 0 {
		t.Fatalf("expected no errors when chunking is omitted, got %v", errs)
	}
}

func TestValidateSchemaJSON_UnsupportedChunkStrategy(t *testing.T) {
	schema := validSchema()
	schema["chunking"] = map[string]any{"strategy": "semantic"}
	errs := ValidateSchemaJSON(schema)
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnsupportedChunking) {
		t.Fatalf("expected ErrUnsupportedChunking, got %v", errs)
	}
}

func TestValidateSchemaJSON_MissingChunkParams(t *testing.T) {
	schema := validSchema()
	schema["chunking"] = map[string]any{"strategy": "token_aware"}
	errs := ValidateSchemaJSON(schema)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingChunkParams) {
		t.Fatalf("expected ErrMissingChunkParams, got %v", errs)
	}

	schema["chunking"] = map[string]any{"strategy": "recursive"}
	errs = ValidateSchemaJSON(schema)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingChunkParams) {
		t.Fatalf("expected ErrMissingChunkParams for recursive, got %v", errs)
	}
}

func TestValidateEmbeddingConfig_Missing(t *testing.T) {
	errs := ValidateEmbeddingConfig(EmbeddingConfig{})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if !errors.Is(errs[0], ErrMissingProvider) || !errors.Is(errs[1], ErrMissingModel) {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateSubmitRequest_CollectsMultipleErrors(t *testing.T) {
	req := SubmitRequest{}
	errs := ValidateSubmitRequest(req)
	if len(errs) < 3 {
		t.Fatalf("expected multiple collected errors, got %v", errs)
	}
}
