package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/ragline/ragline/engine/parser"
	"github.com/ragline/ragline/pkg/ingesterr"
)

// decodeSchema converts a job's loosely-typed schema_config (as stored on
// the task record) into the strongly-typed SchemaConfig the parser wants.
func decodeSchema(raw map[string]any) (parser.SchemaConfig, error) {
	var schema parser.SchemaConfig
	if raw == nil {
		return schema, ingesterr.New(ingesterr.KindInputValidation, "schema_config is required", nil)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return schema, ingesterr.New(ingesterr.KindInputValidation, "schema_config is not valid JSON", err)
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		return schema, ingesterr.New(ingesterr.KindInputValidation,
			fmt.Sprintf("schema_config does not match the expected shape: %v", err), err)
	}
	return schema, nil
}
