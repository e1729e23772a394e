package tools

import (
	"encoding/json"
	"testing"
)

func TestNewRegistry_AllToolsPresent(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	want := []string{
		"read_file", "list_files", "search_in_code", "write_file",
		"create_directory", "execute_command", AttemptCompletion, SwitchMode,
	}
	for _, name := range want {
		tool, ok := r.Get(name)
		if !ok {
			t.Errorf("tool %s missing from catalog", name)
			continue
		}
		if len(tool.Schema) == 0 {
			t.Errorf("tool %s has no schema", name)
		}
	}
	if len(r.All()) != len(want) {
		t.Errorf("catalog size %d, want %d", len(r.All()), len(want))
	}
}

func TestValidateArguments(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr bool
	}{
		{"valid read", "read_file", `{"path":"main.go"}`, false},
		{"read missing path", "read_file", `{}`, true},
		{"valid write", "write_file", `{"path":"a.go","content":"package a"}`, false},
		{"write missing content", "write_file", `{"path":"a.go"}`, true},
		{"valid switch", SwitchMode, `{"mode":"coder","reason":"code work"}`, false},
		{"switch missing mode", SwitchMode, `{"reason":"x"}`, true},
		{"valid exec", "execute_command", `{"command":"go test ./..."}`, false},
		{"list with no args", "list_files", ``, false},
		{"malformed json", "read_file", `{"path":`, true},
		{"unknown tool", "format_disk", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateArguments(tt.tool, json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArguments(%s, %s) error = %v, wantErr %v", tt.tool, tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestToolSchemasAreValidJSON(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range r.All() {
		var decoded map[string]any
		if err := json.Unmarshal(tool.Schema, &decoded); err != nil {
			t.Errorf("schema for %s is not JSON: %v", tool.Name, err)
		}
		if decoded["type"] != "object" {
			t.Errorf("schema for %s should describe an object, got %v", tool.Name, decoded["type"])
		}
	}
}
