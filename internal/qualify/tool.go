package qualify

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// DefaultToolName is the name of the record-update tool offered to the model.
const DefaultToolName = "atualizar_qualificacao"

// ToolArgsKey is the argument that wraps the field values in a tool call.
const ToolArgsKey = "dados"

// ToolDefinition declares the record-update tool under name. Every record
// field appears as an optional property of the [ToolArgsKey] object.
func ToolDefinition(name string) s2s.ToolDefinition {
	if name == "" {
		name = DefaultToolName
	}
	props := make(map[string]any, len(Schema))
	for _, f := range Schema {
		typ := "string"
		if f.Kind == KindInt {
			typ = "integer"
		}
		props[f.Name] = map[string]any{"type": typ, "description": f.Description}
	}
	return s2s.ToolDefinition{
		Name:        name,
		Description: "Registra ou corrige dados de qualificação que o cliente confirmou durante a ligação.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				ToolArgsKey: map[string]any{
					"type":       "object",
					"properties": props,
				},
			},
			"required": []string{ToolArgsKey},
		},
	}
}

// ParseToolArgs decodes tool-call arguments. Field values may sit under
// [ToolArgsKey] or directly at the top level.
func ParseToolArgs(args string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return nil, fmt.Errorf("qualify: parse tool args: %w", err)
	}
	if inner, ok := raw[ToolArgsKey].(map[string]any); ok {
		return inner, nil
	}
	return raw, nil
}
