package qualify_test

import (
	"testing"

	"github.com/MrWong99/qualivox/internal/qualify"
)

func TestToolDefinition(t *testing.T) {
	t.Parallel()
	def := qualify.ToolDefinition("")
	if def.Name != qualify.DefaultToolName {
		t.Errorf("Name = %q", def.Name)
	}
	props := def.Parameters["properties"].(map[string]any)
	dados := props[qualify.ToolArgsKey].(map[string]any)
	fields := dados["properties"].(map[string]any)
	if len(fields) != len(qualify.Schema) {
		t.Fatalf("tool declares %d fields, want %d", len(fields), len(qualify.Schema))
	}
	emp := fields["total_funcionarios_empresa"].(map[string]any)
	if emp["type"] != "integer" {
		t.Errorf("total_funcionarios_empresa type = %v", emp["type"])
	}
}

func TestParseToolArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    string
		want    string
		wantErr bool
	}{
		{"wrapped", `{"dados":{"cargo":"CFO"}}`, "CFO", false},
		{"flat", `{"cargo":"CFO"}`, "CFO", false},
		{"invalid", `{cargo`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := qualify.ParseToolArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tt.wantErr && got["cargo"] != tt.want {
				t.Errorf("got = %v", got)
			}
		})
	}
}
