package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/martinemde/aiagent/unifiedllm"
)

// ToolExecutor runs a tool against decoded arguments and the execution
// environment. A returned *ToolError is a failure the model gets to see;
// any other error is rendered as a generic I/O failure.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// NewTool builds a RegisteredTool whose parameter schema is derived from the
// argument struct A and whose executor decodes the call arguments into A.
func NewTool[A any](name, description string, run func(ctx context.Context, args A, env ExecutionEnvironment) (string, error)) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schemaFor[A](),
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args A
			if err := decodeArguments(arguments, &args); err != nil {
				return "", toolErrorf(FailureInvalidArguments, err, "Error: invalid arguments for %s: %v", name, err)
			}
			return run(ctx, args, env)
		},
	}
}

var schemaReflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// schemaFor reflects the JSON schema of A into the generic map shape the
// model service expects.
func schemaFor[A any]() map[string]interface{} {
	var zero A
	data, err := json.Marshal(schemaReflector.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("agentloop: reflect schema for %T: %v", zero, err))
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		panic(fmt.Sprintf("agentloop: decode schema for %T: %v", zero, err))
	}
	delete(params, "$schema")
	delete(params, "$id")
	return params
}

// decodeArguments unmarshals a call's argument object. Missing or null
// arguments decode as an empty object.
func decodeArguments(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	return json.Unmarshal(trimmed, v)
}

// ToolRegistry is an immutable, insertion-ordered set of tools. It is built
// once at startup and safe for concurrent reads.
type ToolRegistry struct {
	tools *orderedmap.OrderedMap[string, *RegisteredTool]
}

// NewToolRegistry builds a registry from tools in the given order. Tool names
// must be unique.
func NewToolRegistry(tools ...RegisteredTool) (*ToolRegistry, error) {
	om := orderedmap.New[string, *RegisteredTool]()
	for i := range tools {
		tool := tools[i]
		name := tool.Definition.Name
		if name == "" {
			return nil, fmt.Errorf("tool %d: empty name", i)
		}
		if tool.Executor == nil {
			return nil, fmt.Errorf("tool %q: nil executor", name)
		}
		if _, exists := om.Get(name); exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, name)
		}
		om.Set(name, &tool)
	}
	return &ToolRegistry{tools: om}, nil
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	tool, _ := r.tools.Get(name)
	return tool
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		defs = append(defs, pair.Value.Definition)
	}
	return defs
}

// Names returns the names of all registered tools in registration order.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	return r.tools.Len()
}

// ToUnifiedLLMToolDefs converts registry definitions to the request shape of
// the model service.
func (r *ToolRegistry) ToUnifiedLLMToolDefs() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	result := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		result[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return result
}
