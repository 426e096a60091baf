// Package tools implements the tool registry: the set of named tools and
// commands a run is allowed to call, and the machinery to validate and
// execute a parsed command against one of them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools/policy"
)

// Limits on tool name/command name/argument size, to keep a misbehaving
// model from wedging the registry with an oversized or malformed call.
const (
	MaxToolNameLength    = 256
	MaxCommandNameLength = 256
	MaxArgsSize          = 1 << 20
)

// ToolContext carries everything a command Handler needs to act on behalf
// of one run. It is built fresh per call by the run engine.
type ToolContext struct {
	TenantID   string
	AgentID    string
	RunID      string
	UserID     string
	ChannelID  string
	Store      store.Store
	Logger     *slog.Logger
	Resolver   *policy.Resolver
	ToolConfig json.RawMessage
}

// Handler executes one command. It returns the JSON result on success, or
// an error describing why it failed — Registry.Execute turns either into a
// CommandResult, so handlers never need to build that envelope themselves.
type Handler func(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error)

// CommandResult is the envelope a tool call result is reported back in,
// independent of whether execution succeeded, failed validation, or the
// handler itself returned an error.
type CommandResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Command is one named operation a Tool exposes, with its own argument
// schema and handler. Command names are scoped to their tool: "read.file"
// is tool "read", command "file".
type Command struct {
	Name        string
	Description string
	ArgsSchema  json.RawMessage
	Handler     Handler

	schema *jsonschema.Schema
}

// Tool groups related commands under one name, plus the metadata the run
// engine and prompt builder need: descriptions for the model, whether the
// tool is pinned into every prompt regardless of recency, whether it's
// "important" enough to surface in summaries, and the policy it ships with
// by default.
type Tool struct {
	Name              string
	ShortDescription  string
	LongDescription   string
	Commands          []Command
	ConfigSchema      json.RawMessage
	Pinned            bool
	Important         bool
	Policy            *policy.Policy

	commandsByName map[string]*Command
}

// Registry is the thread-safe set of tools available to a conductor
// instance. One Registry is built at startup and shared by every run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles a tool's command schemas and adds it to the registry,
// replacing any existing tool of the same name.
func (r *Registry) Register(tool *Tool) error {
	if tool.Name == "" || len(tool.Name) > MaxToolNameLength {
		return fmt.Errorf("tool name invalid: %q", tool.Name)
	}

	byName := make(map[string]*Command, len(tool.Commands))
	for i := range tool.Commands {
		cmd := &tool.Commands[i]
		if len(cmd.Name) > MaxCommandNameLength {
			return fmt.Errorf("tool %s: command name too long: %q", tool.Name, cmd.Name)
		}
		if len(cmd.ArgsSchema) > 0 {
			schema, err := compileSchema(tool.Name+"."+cmd.Name, cmd.ArgsSchema)
			if err != nil {
				return fmt.Errorf("tool %s command %s: compile schema: %w", tool.Name, cmd.Name, err)
			}
			cmd.schema = schema
		}
		byName[cmd.Name] = cmd
	}
	tool.commandsByName = byName

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// Unregister removes a tool by name. It is a no-op if the tool isn't
// registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, in no particular order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ListAllowed returns the subset of registered tools a resolver/policy pair
// permits, for building the tool set a prompt should advertise to a run.
func (r *Registry) ListAllowed(resolver *policy.Resolver, toolPolicy *policy.Policy) []*Tool {
	all := r.List()
	if resolver == nil || toolPolicy == nil {
		return all
	}
	filtered := make([]*Tool, 0, len(all))
	for _, t := range all {
		if resolver.IsAllowed(toolPolicy, t.Name) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Resolve looks up a tool and one of its commands.
func (r *Registry) Resolve(toolName, commandName string) (*Tool, *Command, error) {
	tool, ok := r.Get(toolName)
	if !ok {
		return nil, nil, fmt.Errorf("tool not found: %s", toolName)
	}
	cmd, ok := tool.commandsByName[commandName]
	if !ok {
		return nil, nil, fmt.Errorf("tool %s has no command %q", toolName, commandName)
	}
	return tool, cmd, nil
}

// Execute validates args against the resolved command's schema and
// policy, then invokes its handler. A Go error return means the tool or
// command itself doesn't exist; everything else — schema failures, policy
// denial, handler errors — comes back inside CommandResult so a run can
// report it to the model as a normal tool-result turn.
func (r *Registry) Execute(ctx context.Context, tc ToolContext, toolName, commandName string, args json.RawMessage) (*CommandResult, error) {
	if len(args) > MaxArgsSize {
		return &CommandResult{Success: false, Error: fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxArgsSize)}, nil
	}

	tool, cmd, err := r.Resolve(toolName, commandName)
	if err != nil {
		return nil, err
	}

	if tc.Resolver != nil && tool.Policy != nil {
		decision := tc.Resolver.Decide(tool.Policy, toolName)
		if !decision.Allowed {
			return &CommandResult{Success: false, Error: "tool denied by policy: " + decision.Reason}, nil
		}
	}

	if cmd.schema != nil {
		if err := validateAgainstSchema(cmd.schema, args); err != nil {
			return &CommandResult{Success: false, Error: "arguments failed schema validation: " + err.Error()}, nil
		}
	}

	result, err := cmd.Handler(ctx, tc, args)
	if err != nil {
		return &CommandResult{Success: false, Error: err.Error()}, nil
	}
	return &CommandResult{Success: true, Result: result}, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc interface{}
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := "mem://tools/" + strings.ReplaceAll(id, " ", "_") + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}
