package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ragline/ragline/engine/jsonpath"
	"github.com/ragline/ragline/engine/tokencount"
	"github.com/ragline/ragline/pkg/ingesterr"
)

const maxSchemaValidationErrors = 20

// Parser turns a byte stream plus a SchemaConfig into a lazy, single-pass,
// single-consumer sequence of ProcessedItems. It is not restartable — once
// exhausted or errored, start a new Parser (optionally seeded past an
// earlier file offset by the caller skipping SourceIndex values below a
// checkpoint).
type Parser struct {
	br       *bufio.Reader
	schema   SchemaConfig
	counter  *tokencount.Counter
	logger   *slog.Logger
	schemaV  *gojsonschema.Schema

	stats Stats

	// decoding state
	arrayDecoder *json.Decoder
	arrayOpened  bool
	arrayDone    bool

	sourceIndex int
	pending     []ProcessedItem // chunks of the current source item not yet emitted
}

// New constructs a Parser over r using schema. counter may be nil; it is
// only consulted for ChunkTokenAware, degrading to a char-width estimate
// when absent. If schema carries a JSON-Schema draft-07 document, it is
// compiled eagerly so a malformed schema fails fast rather than mid-stream.
func New(r io.Reader, schema SchemaConfig, counter *tokencount.Counter, logger *slog.Logger) (*Parser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schema.Mapping.ContentPath == "" {
		return nil, ingesterr.New(ingesterr.KindInputValidation, "schema.mapping.content_path is required", nil)
	}
	if schema.Format != FormatJSONArray && schema.Format != FormatNDJSON {
		return nil, ingesterr.New(ingesterr.KindInputValidation,
			fmt.Sprintf("format must be %q or %q, got %q", FormatJSONArray, FormatNDJSON, schema.Format), nil)
	}

	p := &Parser{
		br:      bufio.NewReaderSize(r, peekSampleSize),
		schema:  schema,
		counter: counter,
		logger:  logger,
		stats:   Stats{CurrentPhase: "parsing"},
	}

	if len(schema.JSONSchemaDraft07) > 0 {
		raw, err := json.Marshal(schema.JSONSchemaDraft07)
		if err != nil {
			return nil, ingesterr.New(ingesterr.KindInputValidation, "invalid json_schema document", err)
		}
		sv, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, ingesterr.New(ingesterr.KindInputValidation, "compiling json_schema document", err)
		}
		p.schemaV = sv
	}

	return p, nil
}

// Stats returns a snapshot of current processing counters.
func (p *Parser) Stats() Stats { return p.stats }

// Next returns the next ProcessedItem. It returns ok=false once the stream
// is exhausted. Structural errors (unreadable file, malformed array
// framing) are returned and are fatal — the caller must not call Next
// again. Per-item errors are absorbed: logged, counted in
// ErrorsEncountered, and skipped transparently.
func (p *Parser) Next() (ProcessedItem, bool, error) {
	for {
		if len(p.pending) > 0 {
			item := p.pending[0]
			p.pending = p.pending[1:]
			return item, true, nil
		}

		obj, index, ok, err := p.nextObject()
		if err != nil {
			p.stats.CurrentPhase = "error"
			return ProcessedItem{}, false, err
		}
		if !ok {
			p.stats.CurrentPhase = "completed"
			return ProcessedItem{}, false, nil
		}

		chunks, err := p.processObject(obj, index)
		if err != nil {
			// Structural validation failures (bad_schema) abort the job.
			return ProcessedItem{}, false, err
		}
		p.stats.ItemsProcessed++
		if len(chunks) == 0 {
			continue
		}
		p.pending = chunks
	}
}

// nextObject decodes the next raw JSON object from the underlying stream,
// dispatching on the configured format.
func (p *Parser) nextObject() (map[string]any, int, bool, error) {
	if p.schema.Format == FormatNDJSON {
		return p.nextNDJSONObject()
	}
	return p.nextArrayObject()
}

func (p *Parser) nextArrayObject() (map[string]any, int, bool, error) {
	if p.arrayDone {
		return nil, 0, false, nil
	}
	if p.arrayDecoder == nil {
		p.arrayDecoder = json.NewDecoder(p.br)
	}
	if !p.arrayOpened {
		tok, err := p.arrayDecoder.Token()
		if err != nil {
			return nil, 0, false, ingesterr.New(ingesterr.KindStructural, "reading opening array token", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, 0, false, ingesterr.New(ingesterr.KindStructural,
				fmt.Sprintf("expected top-level JSON array, got %v", tok), nil)
		}
		p.arrayOpened = true
	}

	if !p.arrayDecoder.More() {
		if _, err := p.arrayDecoder.Token(); err != nil {
			return nil, 0, false, ingesterr.New(ingesterr.KindStructural, "reading closing array token", err)
		}
		p.arrayDone = true
		return nil, 0, false, nil
	}

	var obj map[string]any
	if err := p.arrayDecoder.Decode(&obj); err != nil {
		return nil, 0, false, ingesterr.New(ingesterr.KindStructural, "decoding array element", err)
	}
	index := p.sourceIndex
	p.sourceIndex++
	return obj, index, true, nil
}

func (p *Parser) nextNDJSONObject() (map[string]any, int, bool, error) {
	for {
		line, err := p.br.ReadString('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				return nil, 0, false, nil
			}
			return nil, 0, false, ingesterr.New(ingesterr.KindStructural, "reading ndjson line", err)
		}
		p.stats.BytesProcessed += int64(len(line))
		trimmed := trimSpace(line)
		if trimmed == "" {
			if err == io.EOF {
				return nil, 0, false, nil
			}
			continue
		}

		var obj map[string]any
		decErr := json.Unmarshal([]byte(trimmed), &obj)
		if decErr != nil {
			p.logger.Warn("parser: invalid ndjson line, skipping",
				"line", p.sourceIndex+1, "error", decErr)
			p.stats.ErrorsEncountered++
			if err == io.EOF {
				return nil, 0, false, nil
			}
			continue
		}

		index := p.sourceIndex
		p.sourceIndex++
		return obj, index, true, nil
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// processObject validates (if configured), extracts content/metadata, and
// chunks a single decoded object into zero or more ProcessedItems.
func (p *Parser) processObject(obj map[string]any, index int) ([]ProcessedItem, error) {
	if p.schemaV != nil {
		result, err := p.schemaV.Validate(gojsonschema.NewGoLoader(obj))
		if err != nil {
			return nil, ingesterr.New(ingesterr.KindInputValidation, "running json_schema validation", err)
		}
		if !result.Valid() {
			errs := result.Errors()
			if len(errs) > maxSchemaValidationErrors {
				errs = errs[:maxSchemaValidationErrors]
			}
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.String()
			}
			return nil, ingesterr.New(ingesterr.KindInputValidation,
				fmt.Sprintf("item %d failed schema validation: %v", index, msgs), nil)
		}
	}

	content, ok := jsonpath.ResolveString(p.schema.Mapping.ContentPath, obj)
	if !ok || trimSpace(content) == "" {
		p.stats.ErrorsEncountered++
		p.logger.Debug("parser: skipping item with no resolvable content", "source_index", index)
		return nil, nil
	}

	metadata := make(map[string]any, len(p.schema.Mapping.MetadataPaths)+1)
	for key, path := range p.schema.Mapping.MetadataPaths {
		metadata[key] = jsonpath.Resolve(path, obj)
	}
	metadata["_source_index"] = index

	chunks := chunkText(content, p.schema.Chunking, p.counter)
	items := make([]ProcessedItem, len(chunks))
	for i, chunk := range chunks {
		chunkMeta := make(map[string]any, len(metadata)+2)
		for k, v := range metadata {
			chunkMeta[k] = v
		}
		chunkMeta["_chunk_index"] = i
		chunkMeta["_total_chunks"] = len(chunks)
		items[i] = ProcessedItem{
			Text:        chunk,
			Metadata:    chunkMeta,
			SourceIndex: index,
			ChunkIndex:  i,
		}
	}
	return items, nil
}
