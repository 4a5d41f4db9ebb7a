package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/policy"
)

// ExecFunc is the signature tools implement. The context carries the
// per-call deadline and the turn's cancellation signal; implementations
// must not retain it past return.
type ExecFunc func(ctx context.Context, args json.RawMessage, env ExecutionEnvironment) (string, error)

// Tool pairs a serializable descriptor with an execute capability and the
// traits the policy engine consults.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	ReadOnly    bool     // declared side-effect-free
	Mutates     bool     // mutates files under the project root
	Shell       bool     // executes shell commands
	Paths       []string // argument keys holding file-system paths
	TimeoutMs   int      // 0 means the session default
	Execute     ExecFunc
}

// Definition returns the descriptor sent to the model.
func (t Tool) Definition() backend.ToolDefinition {
	return backend.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Schema}
}

// Registry maps tool names to tools. It is populated from the persona
// before a session starts and is read-only afterwards; tool identity is a
// string, so externally namespaced tools register like any other.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
	sealed   bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a tool. Registering after Seal panics: the
// tool set must not change under a running session.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("tool registry is sealed")
	}
	if t.Name == "" || t.Execute == nil {
		return fmt.Errorf("tool requires a name and an execute function")
	}
	if t.Schema != nil {
		compiled, err := compileSchema(t.Name, t.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		r.compiled[t.Name] = compiled
	}
	r.tools[t.Name] = &t
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns a registered tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// ValidateArgs checks raw arguments against the tool's schema. A nil
// schema accepts anything that parses as JSON.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema := r.compiled[name]
	r.mu.RUnlock()

	var parsed any
	if len(args) == 0 {
		parsed = map[string]any{}
	} else if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// Definitions returns descriptors for all tools, sorted by name so the
// model sees a stable ordering across iterations.
func (r *Registry) Definitions() []backend.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]backend.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter returns a new unsealed registry containing only the named tools.
// Used when a persona restricts the available set.
func (r *Registry) Filter(allowed []string) *Registry {
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		keep[name] = true
	}
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.tools {
		if keep[name] {
			out.tools[name] = t
			out.compiled[name] = r.compiled[name]
		}
	}
	return out
}

// Traits implements policy.TraitSource.
func (r *Registry) Traits(name string) policy.ToolTraits {
	t := r.Get(name)
	if t == nil {
		return policy.ToolTraits{}
	}
	return policy.ToolTraits{ReadOnly: t.ReadOnly, Mutates: t.Mutates, Shell: t.Shell, Paths: t.Paths}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
