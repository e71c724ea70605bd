package parser

import (
	"bufio"
	"strings"
	"testing"

	"github.com/ragline/ragline/pkg/ingesterr"
)

func drain(t *testing.T, p *Parser) []ProcessedItem {
	t.Helper()
	var items []ProcessedItem
	for {
		item, ok, err := p.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

func TestS1SmallJSONArray(t *testing.T) {
	src := `[{"c":"hello"},{"c":"world"}]`
	schema := SchemaConfig{
		Format:   FormatJSONArray,
		Mapping:  Mapping{ContentPath: "c"},
		Chunking: ChunkConfig{Strategy: ChunkNone},
	}
	p, err := New(strings.NewReader(src), schema, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items := drain(t, p)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Text != "hello" || items[1].Text != "world" {
		t.Fatalf("unexpected item texts: %+v", items)
	}
	if items[0].SourceIndex != 0 || items[1].SourceIndex != 1 {
		t.Fatalf("unexpected source indices: %+v", items)
	}
}

func TestS2NDJSONSkipOnError(t *testing.T) {
	src := "{\"c\":\"one\"}\n{bad\n{\"c\":\"two\"}\n"
	schema := SchemaConfig{
		Format:   FormatNDJSON,
		Mapping:  Mapping{ContentPath: "c"},
		Chunking: ChunkConfig{Strategy: ChunkNone},
	}
	p, err := New(strings.NewReader(src), schema, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items := drain(t, p)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if p.Stats().ErrorsEncountered < 1 {
		t.Fatalf("ErrorsEncountered = %d, want >= 1", p.Stats().ErrorsEncountered)
	}
}

func TestMetadataPathsAndInjectedFields(t *testing.T) {
	src := `[{"c":"hi","src":"reddit"}]`
	schema := SchemaConfig{
		Format:  FormatJSONArray,
		Mapping: Mapping{ContentPath: "c", MetadataPaths: map[string]string{"source": "src", "missing": "nope"}},
	}
	p, err := New(strings.NewReader(src), schema, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items := drain(t, p)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	md := items[0].Metadata
	if md["source"] != "reddit" {
		t.Fatalf("metadata[source] = %v, want reddit", md["source"])
	}
	if md["missing"] != nil {
		t.Fatalf("metadata[missing] = %v, want nil", md["missing"])
	}
	if md["_source_index"] != 0 || md["_chunk_index"] != 0 || md["_total_chunks"] != 1 {
		t.Fatalf("unexpected injected metadata: %+v", md)
	}
}

func TestSkipsItemsWithoutValidContent(t *testing.T) {
	src := `[{"c":"ok"},{"c":""},{"c":"   "},{"other":"x"}]`
	schema := SchemaConfig{Format: FormatJSONArray, Mapping: Mapping{ContentPath: "c"}}
	p, err := New(strings.NewReader(src), schema, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items := drain(t, p)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if p.Stats().ErrorsEncountered < 3 {
		t.Fatalf("ErrorsEncountered = %d, want >= 3", p.Stats().ErrorsEncountered)
	}
}

func TestMissingContentPathRejected(t *testing.T) {
	_, err := New(strings.NewReader(`[]`), SchemaConfig{Format: FormatJSONArray}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing content_path")
	}
	ierr, ok := ingesterr.As(err)
	if !ok || ierr.Kind != ingesterr.KindInputValidation {
		t.Fatalf("expected input_validation error, got %v", err)
	}
}

func TestUnsupportedFormatRejected(t *testing.T) {
	_, err := New(strings.NewReader(`[]`), SchemaConfig{Format: "xml", Mapping: Mapping{ContentPath: "c"}}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestStructuralErrorOnTruncatedArray(t *testing.T) {
	schema := SchemaConfig{Format: FormatJSONArray, Mapping: Mapping{ContentPath: "c"}}
	p, err := New(strings.NewReader(`[{"c":"a"}`), schema, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = p.Next() // first item decodes fine
	if err != nil {
		t.Fatalf("unexpected error on first item: %v", err)
	}
	_, _, err = p.Next() // now hits truncated closing bracket
	if err == nil {
		t.Fatal("expected structural error on truncated array")
	}
	ierr, ok := ingesterr.As(err)
	if !ok || ierr.Kind != ingesterr.KindStructural {
		t.Fatalf("expected structural error, got %v", err)
	}
}

func TestDetectFormatJSONArray(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(`[{"a":1}]`))
	if got := DetectFormat(br); got != FormatJSONArray {
		t.Fatalf("DetectFormat = %v, want json_array", got)
	}
	// Peeking must not have consumed input.
	rest, _ := br.Peek(3)
	if string(rest) != "[{\"" {
		t.Fatalf("DetectFormat consumed input: peek=%q", rest)
	}
}

func TestDetectFormatNDJSON(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("{\"a\":1}\n{\"a\":2}\n"))
	if got := DetectFormat(br); got != FormatNDJSON {
		t.Fatalf("DetectFormat = %v, want ndjson", got)
	}
}

func TestDetectFormatDefaultsToJSONArray(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(""))
	if got := DetectFormat(br); got != FormatJSONArray {
		t.Fatalf("DetectFormat(empty) = %v, want json_array default", got)
	}
}

func TestRoundTripIdempotence(t *testing.T) {
	src := `[{"c":"alpha"},{"c":"beta"},{"c":"gamma"}]`
	schema := SchemaConfig{Format: FormatJSONArray, Mapping: Mapping{ContentPath: "c"}}

	run := func() []ProcessedItem {
		p, err := New(strings.NewReader(src), schema, nil, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return drain(t, p)
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].SourceIndex != b[i].SourceIndex || a[i].ChunkIndex != b[i].ChunkIndex {
			t.Fatalf("tuple mismatch at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}
