// Package tools defines the tool catalog exposed to the LLM. Tools are
// executed remotely in the IDE; the runtime only carries their schemas
// and validates arguments before emitting a call.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// SwitchMode is the synthetic tool that changes the active agent. Its
// invocation is handled in-process and, uniquely, is never followed by a
// tool-role message.
const SwitchMode = "switch_mode"

// AttemptCompletion signals that the agent considers the task done.
const AttemptCompletion = "attempt_completion"

// Tool describes one callable tool: its wire name, the description shown
// to the model, and the JSON schema of its argument object.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage

	compiled *schemavalidate.Schema
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

type listFilesArgs struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the workspace root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=List entries recursively"`
}

type searchInCodeArgs struct {
	Query string `json:"query" jsonschema:"required,description=Text or regular expression to search for"`
	Path  string `json:"path,omitempty" jsonschema:"description=Restrict the search to this path"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to write"`
	Content string `json:"content" jsonschema:"required,description=Full new file content"`
}

type createDirectoryArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the directory to create"`
}

type executeCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute in the workspace"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory for the command"`
}

type attemptCompletionArgs struct {
	Result string `json:"result" jsonschema:"required,description=Final answer presented to the user"`
}

type switchModeArgs struct {
	Mode   string `json:"mode" jsonschema:"required,description=Target agent: coder, architect, debug, ask"`
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the switch is needed"`
}

type toolSpec struct {
	name        string
	description string
	args        any
}

var specs = []toolSpec{
	{"read_file", "Read the contents of a file in the workspace.", readFileArgs{}},
	{"list_files", "List files and directories in the workspace.", listFilesArgs{}},
	{"search_in_code", "Search the workspace for a string or pattern.", searchInCodeArgs{}},
	{"write_file", "Create or overwrite a file with the given content.", writeFileArgs{}},
	{"create_directory", "Create a directory, including missing parents.", createDirectoryArgs{}},
	{"execute_command", "Run a shell command in the workspace and return its output.", executeCommandArgs{}},
	{AttemptCompletion, "Present the final result of the task to the user.", attemptCompletionArgs{}},
	{SwitchMode, "Hand the conversation to a different specialist agent.", switchModeArgs{}},
}

// Registry holds the immutable tool catalog, built once at startup.
type Registry struct {
	byName map[string]*Tool
	all    []*Tool
}

// NewRegistry builds the catalog, deriving each tool's schema from its
// argument struct and compiling it for validation.
func NewRegistry() (*Registry, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}

	r := &Registry{byName: make(map[string]*Tool, len(specs))}
	for _, spec := range specs {
		schema := reflector.Reflect(spec.args)
		schema.Version = "" // keep the wire schema minimal
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", spec.name, err)
		}

		compiled, err := schemavalidate.CompileString(spec.name+".json", string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", spec.name, err)
		}

		tool := &Tool{
			Name:        spec.name,
			Description: spec.description,
			Schema:      raw,
			compiled:    compiled,
		}
		r.byName[spec.name] = tool
		r.all = append(r.all, tool)
	}
	return r, nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (*Tool, bool) {
	tool, ok := r.byName[name]
	return tool, ok
}

// All returns every tool in catalog order.
func (r *Registry) All() []*Tool {
	return r.all
}

// ValidateArguments checks a tool call's argument JSON against the tool's
// schema. Unknown tools fail; so do malformed or schema-violating args.
func (r *Registry) ValidateArguments(name string, args json.RawMessage) error {
	tool, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("tools: arguments for %s are not valid JSON: %w", name, err)
	}
	if err := tool.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tools: arguments for %s fail schema: %w", name, err)
	}
	return nil
}
