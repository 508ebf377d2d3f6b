package atoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// Invocation identifies the caller of a tool execution. The step engine sets
// it on the context before dispatch; tools that act on behalf of the calling
// agent (approval consumption, delegation, memory writes) read it back with
// InvocationFrom.
type Invocation struct {
	ActorID  string
	ThreadID string
}

type invocationKey struct{}

// WithInvocation returns a context carrying the caller identity.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom reports the caller identity set by the dispatching engine.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// ToolResult is the outcome of a tool execution. Failures are carried in
// Error so the step loop can hand them back to the model as a tool turn
// instead of aborting the step.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds registered tools and dispatches validated calls.
// Arguments are checked against each definition's JSON Schema before the
// handler runs, and a per-actor allowlist decides which tools a caller can
// see and invoke.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	defs    []ToolDefinition
	schemas map[string]*gojsonschema.Schema
	allow   map[string][]string

	timeout time.Duration
	logger  *slog.Logger
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// WithToolTimeout bounds each tool execution. Zero means no bound.
func WithToolTimeout(d time.Duration) ToolRegistryOption {
	return func(r *ToolRegistry) { r.timeout = d }
}

// WithToolLogger sets the structured logger.
func WithToolLogger(l *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		allow:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Add registers a tool. Fails on duplicate definition names and on
// parameter schemas that do not compile.
func (r *ToolRegistry) Add(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range t.Definitions() {
		if d.Name == "" {
			return fmt.Errorf("tool with empty name")
		}
		if _, exists := r.tools[d.Name]; exists {
			return fmt.Errorf("duplicate tool %q", d.Name)
		}
		var schema *gojsonschema.Schema
		if len(d.Parameters) > 0 {
			var err error
			schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.Parameters))
			if err != nil {
				return fmt.Errorf("tool %q: invalid parameters schema: %w", d.Name, err)
			}
		}
		r.tools[d.Name] = t
		r.defs = append(r.defs, d)
		r.schemas[d.Name] = schema
	}
	return nil
}

// Allow replaces the allowlist for an actor. Entries are tool names, a
// trailing "*" prefix pattern, or a lone "*" matching everything. An actor
// with no allowlist sees no tools.
func (r *ToolRegistry) Allow(actorID string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		delete(r.allow, actorID)
		return
	}
	r.allow[actorID] = append([]string(nil), names...)
}

// Allowed reports whether the actor may invoke the named tool.
func (r *ToolRegistry) Allowed(actorID, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return matchAllowlist(r.allow[actorID], name)
}

func matchAllowlist(patterns []string, name string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
		case p == name:
			return true
		}
	}
	return false
}

// AllDefinitions returns every registered definition in registration order.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ToolDefinition(nil), r.defs...)
}

// DefinitionsFor returns the definitions visible to an actor, in
// registration order. This is what the prompt assembler advertises.
func (r *ToolRegistry) DefinitionsFor(actorID string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patterns := r.allow[actorID]
	var defs []ToolDefinition
	for _, d := range r.defs {
		if matchAllowlist(patterns, d.Name) {
			defs = append(defs, d)
		}
	}
	return defs
}

// Invoke runs one tool call for an actor. Policy violations, schema
// violations, and handler failures all come back inside the ToolResult;
// Invoke never propagates an error so the step loop always has a tool turn
// to append.
func (r *ToolRegistry) Invoke(ctx context.Context, actorID, name string, args json.RawMessage) ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	patterns := r.allow[actorID]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return ToolResult{Error: "unknown tool: " + name}
	}
	if !matchAllowlist(patterns, name) {
		r.logger.Warn("tool call denied", "tool", name, "actor_id", actorID)
		return ToolResult{Error: fmt.Sprintf("tool %q not allowed for %q", name, actorID)}
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return ToolResult{Error: "invalid arguments: " + err.Error()}
		}
		if !result.Valid() {
			return ToolResult{Error: "invalid arguments: " + formatSchemaErrors(result.Errors())}
		}
	}

	if _, set := InvocationFrom(ctx); !set {
		ctx = WithInvocation(ctx, Invocation{ActorID: actorID})
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := tool.Execute(ctx, name, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "actor_id", actorID, "error", err)
		return ToolResult{Error: err.Error()}
	}
	return out
}

func formatSchemaErrors(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
