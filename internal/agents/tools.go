package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolNameLength bounds tool names accepted by the registry.
const MaxToolNameLength = 256

// defaultToolTimeout caps a single tool execution.
const defaultToolTimeout = 60 * time.Second

// ParamProperty describes one parameter of a tool schema.
type ParamProperty struct {
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Enum        []string         `json:"enum,omitempty"`
	Items       *ParamProperty   `json:"items,omitempty"`
	Properties  map[string]*ParamProperty `json:"properties,omitempty"`
}

// ParamSchema is the object schema advertised for a tool's arguments.
type ParamSchema struct {
	Properties map[string]*ParamProperty
	Required   []string
}

// JSONSchema renders the schema as a plain JSON-schema document.
func (s *ParamSchema) JSONSchema() map[string]any {
	props := map[string]any{}
	for name, p := range s.Properties {
		props[name] = propertyToMap(p)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

func propertyToMap(p *ParamProperty) map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		enum := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			enum[i] = v
		}
		m["enum"] = enum
	}
	if p.Items != nil {
		m["items"] = propertyToMap(p.Items)
	}
	if len(p.Properties) > 0 {
		sub := map[string]any{}
		for name, child := range p.Properties {
			sub[name] = propertyToMap(child)
		}
		m["properties"] = sub
	}
	return m
}

// Tool is an executable capability an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() *ParamSchema
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolRegistry holds the tools available to a world's agents. Lookup is
// case-insensitive on the canonical name.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    map[string]Tool{},
		compiled: map[string]*jsonschema.Schema{},
	}
}

// Register adds a tool. The schema is compiled eagerly so malformed tool
// definitions surface at registration rather than mid-turn.
func (r *ToolRegistry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
	}
	doc, err := json.Marshal(tool.Schema().JSONSchema())
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("add schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(name)] = tool
	r.compiled[strings.ToLower(name)] = compiled
	return nil
}

// Get returns the tool for a name, case-insensitively.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return tool, ok
}

// Validate checks coerced arguments against the tool's compiled schema.
func (r *ToolRegistry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	compiled, ok := r.compiled[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	// jsonschema validates generic decoded JSON, so round-trip the args.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiled.Validate(doc)
}

// Definitions lists the tools in advertisement form, sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema().JSONSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool with a bounded timeout. Execution failures are
// returned as the result string so the model sees the error and can react,
// mirroring how transports surface tool failures.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultToolTimeout)
	defer cancel()
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", name, err), nil
	}
	return result, nil
}

// ---- built-in tools ----

// EchoTool returns its input, useful for wiring checks and tests.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Echo the provided text back verbatim." }

func (EchoTool) Schema() *ParamSchema {
	return &ParamSchema{
		Properties: map[string]*ParamProperty{
			"text": {Type: "string", Description: "Text to echo."},
		},
		Required: []string{"text"},
	}
}

func (EchoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	return text, nil
}

// ShellTool runs a shell command inside a working directory. It is gated
// behind HITL approval by the pipeline.
type ShellTool struct {
	// DefaultDir is used when the call carries no workingDirectory.
	DefaultDir string
}

func (ShellTool) Name() string { return "shell_cmd" }

func (ShellTool) Description() string {
	return "Run a shell command and return combined stdout and stderr."
}

func (ShellTool) Schema() *ParamSchema {
	return &ParamSchema{
		Properties: map[string]*ParamProperty{
			"command":          {Type: "string", Description: "Command line to execute."},
			"workingDirectory": {Type: "string", Description: "Directory to run in."},
		},
		Required: []string{"command"},
	}
}

func (t ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is empty")
	}
	dir, _ := args["workingDirectory"].(string)
	if dir == "" {
		dir = t.DefaultDir
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// ListFilesTool lists directory entries.
type ListFilesTool struct{}

func (ListFilesTool) Name() string        { return "list_files" }
func (ListFilesTool) Description() string { return "List the entries of a directory." }

func (ListFilesTool) Schema() *ParamSchema {
	return &ParamSchema{
		Properties: map[string]*ParamProperty{
			"path": {Type: "string", Description: "Directory to list."},
		},
		Required: []string{"path"},
	}
}

func (ListFilesTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// GrepTool searches files under a directory for a substring.
type GrepTool struct{}

func (GrepTool) Name() string { return "grep" }

func (GrepTool) Description() string {
	return "Search files under a directory for lines containing a pattern."
}

func (GrepTool) Schema() *ParamSchema {
	return &ParamSchema{
		Properties: map[string]*ParamProperty{
			"pattern":       {Type: "string", Description: "Substring to search for."},
			"directoryPath": {Type: "string", Description: "Directory to search."},
		},
		Required: []string{"pattern", "directoryPath"},
	}
}

func (GrepTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, _ := args["pattern"].(string)
	root, _ := args["directoryPath"].(string)
	if pattern == "" {
		return "", fmt.Errorf("pattern is empty")
	}
	var hits []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, pattern) {
				hits = append(hits, fmt.Sprintf("%s:%d:%s", path, i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no matches", nil
	}
	return strings.Join(hits, "\n"), nil
}

// RegisterBuiltins installs the default tool set.
func RegisterBuiltins(registry *ToolRegistry, workDir string) error {
	for _, tool := range []Tool{
		EchoTool{},
		ShellTool{DefaultDir: workDir},
		ListFilesTool{},
		GrepTool{},
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
