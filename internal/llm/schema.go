package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TablesSchema is the JSON-Schema the model output must satisfy.
func TablesSchema() map[string]any {
	table := map[string]any{
		"type":     "object",
		"required": []string{"table_index", "page", "table_data"},
		"properties": map[string]any{
			"table_index": map[string]any{"type": "integer", "minimum": 0},
			"page":        map[string]any{"type": "integer"},
			"table_data": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
		},
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"extracted_tables"},
		"properties": map[string]any{
			"extracted_tables": map[string]any{
				"type":  "array",
				"items": table,
			},
		},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
