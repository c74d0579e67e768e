package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func noopTool(name string) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{Name: name, Description: "noop"},
		Executor: func(context.Context, json.RawMessage, ExecutionEnvironment) (string, error) {
			return "ok", nil
		},
	}
}

func TestCoreToolRegistryOrder(t *testing.T) {
	registry, err := NewCoreToolRegistry()
	if err != nil {
		t.Fatalf("NewCoreToolRegistry: %v", err)
	}
	want := []string{ToolGetFilesInfo, ToolGetFileContent, ToolRunPythonFile, ToolWriteFile}
	if got := registry.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if registry.Count() != 4 {
		t.Errorf("expected 4 tools, got %d", registry.Count())
	}

	defs := registry.ToUnifiedLLMToolDefs()
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("definition %d = %q, want %q", i, def.Name, want[i])
		}
		if def.Description == "" {
			t.Errorf("%s has no description", def.Name)
		}
	}
}

func TestNewToolRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewToolRegistry(noopTool("a"), noopTool("b"), noopTool("a"))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestNewToolRegistryRejectsIncompleteTools(t *testing.T) {
	if _, err := NewToolRegistry(noopTool("")); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := NewToolRegistry(RegisteredTool{Definition: ToolDefinition{Name: "x"}}); err == nil {
		t.Error("expected error for nil executor")
	}
}

func TestToolRegistryGet(t *testing.T) {
	registry, err := NewToolRegistry(noopTool("a"))
	if err != nil {
		t.Fatal(err)
	}
	if registry.Get("a") == nil {
		t.Error("expected registered tool")
	}
	if registry.Get("missing") != nil {
		t.Error("expected nil for unknown tool")
	}
}

func TestCoreToolSchemas(t *testing.T) {
	registry, err := NewCoreToolRegistry()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		tool       string
		properties []string
		required   string
	}{
		{ToolGetFilesInfo, []string{"directory"}, ""},
		{ToolGetFileContent, []string{"file_path"}, "file_path"},
		{ToolWriteFile, []string{"file_path", "content"}, "file_path"},
		{ToolRunPythonFile, []string{"file_path", "args"}, "file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			params := registry.Get(tt.tool).Definition.Parameters
			if params["type"] != "object" {
				t.Errorf("expected object schema, got %v", params["type"])
			}
			if _, ok := params["$schema"]; ok {
				t.Error("$schema should be stripped")
			}
			props, ok := params["properties"].(map[string]interface{})
			if !ok {
				t.Fatalf("missing properties in %v", params)
			}
			for _, name := range tt.properties {
				prop, ok := props[name].(map[string]interface{})
				if !ok {
					t.Fatalf("missing property %q", name)
				}
				if desc, _ := prop["description"].(string); desc == "" {
					t.Errorf("property %q has no description", name)
				}
			}
			if tt.required == "" {
				return
			}
			required, _ := params["required"].([]interface{})
			found := false
			for _, r := range required {
				if r == tt.required {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %q to be required, got %v", tt.required, required)
			}
		})
	}

	args := registry.Get(ToolRunPythonFile).Definition.Parameters["properties"].(map[string]interface{})["args"].(map[string]interface{})
	if args["type"] != "array" {
		t.Errorf("args should be advertised as an array, got %v", args["type"])
	}
}

func TestDecodeArguments(t *testing.T) {
	for _, raw := range []string{"", "null", "  ", "{}"} {
		var v getFilesInfoArgs
		if err := decodeArguments(json.RawMessage(raw), &v); err != nil {
			t.Errorf("decodeArguments(%q): %v", raw, err)
		}
	}
	var v getFilesInfoArgs
	if err := decodeArguments(json.RawMessage(`[1,2]`), &v); err == nil {
		t.Error("expected error for non-object arguments")
	}
}
