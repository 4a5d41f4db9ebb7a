// Package policy implements the permission decision function for tool
// invocations. The engine is a pure function over its inputs: identical
// (tool, args, mode, rules) always produce the same decision, which makes
// decisions replayable from transcripts.
package policy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Effect is the outcome class of a policy decision.
type Effect string

const (
	Allow Effect = "allow"
	Ask   Effect = "ask"
	Deny  Effect = "deny"
)

// Mode supplies the fallback decision family when no rule matches.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// ValidMode reports whether m is a recognized permission mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// Rule pairs an effect with a compiled pattern. Rules are evaluated in
// declared order; the first match wins.
type Rule struct {
	Effect  Effect
	Pattern Pattern
}

// ParseRule compiles a rule from an effect and a pattern source string.
func ParseRule(effect Effect, pattern string) (Rule, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return Rule{}, err
	}
	switch effect {
	case Allow, Ask, Deny:
	default:
		return Rule{}, fmt.Errorf("unknown effect %q", effect)
	}
	return Rule{Effect: effect, Pattern: p}, nil
}

// Decision is the result of evaluating one tool call.
type Decision struct {
	Effect Effect
	Reason string
}

// ToolTraits describes the policy-relevant traits of a tool, declared by
// the registry at registration time.
type ToolTraits struct {
	ReadOnly bool // declared side-effect-free
	Mutates  bool // mutates files under the project root
	Shell    bool // executes shell commands
	Paths    []string // argument keys holding file-system paths
}

// TraitSource resolves a tool name to its declared traits. Unknown tools
// report zero-value traits, which fall through to Ask under the default
// mode.
type TraitSource interface {
	Traits(tool string) ToolTraits
}

// Engine evaluates tool calls against a rule list, built-in protections,
// and a mode fallback. The engine itself is stateless; per-session rule
// sets are passed into Decide.
type Engine struct {
	traits      TraitSource
	projectRoot string
	resolve     func(string) (string, error) // symlink resolution, stubbed in tests
}

// NewEngine creates an engine scoped to the given project root.
func NewEngine(traits TraitSource, projectRoot string) *Engine {
	return &Engine{
		traits:      traits,
		projectRoot: projectRoot,
		resolve:     filepath.EvalSymlinks,
	}
}

// Decide classifies one tool invocation.
//
// Evaluation order: declared rules, built-in protections, mode default.
func (e *Engine) Decide(tool string, args json.RawMessage, mode Mode, rules []Rule) Decision {
	firstArg := FirstArgument(tool, args)

	for _, r := range rules {
		if r.Pattern.Matches(tool, firstArg) {
			return Decision{Effect: r.Effect, Reason: r.Pattern.String()}
		}
	}

	if d, denied := e.builtinDeny(tool, args, firstArg); denied {
		return d
	}

	t := e.traits.Traits(tool)
	switch mode {
	case ModeBypassPermissions:
		return Decision{Effect: Allow, Reason: "mode:bypassPermissions"}
	case ModeAcceptEdits:
		if t.ReadOnly || t.Mutates {
			return Decision{Effect: Allow, Reason: "mode:acceptEdits"}
		}
		return Decision{Effect: Ask, Reason: "mode:acceptEdits"}
	default:
		if t.ReadOnly {
			return Decision{Effect: Allow, Reason: "mode:default"}
		}
		return Decision{Effect: Ask, Reason: "mode:default"}
	}
}

// builtinDeny applies the built-in protections that run when no declared
// rule matched: network fetchers via the shell, and path escapes out of
// the project root.
func (e *Engine) builtinDeny(tool string, args json.RawMessage, firstArg string) (Decision, bool) {
	t := e.traits.Traits(tool)

	if t.Shell {
		if bin := firstShellToken(firstArg); bin == "curl" || bin == "wget" {
			return Decision{Effect: Deny, Reason: "built-in"}, true
		}
	}

	if len(t.Paths) > 0 && e.projectRoot != "" {
		parsed := map[string]any{}
		if err := json.Unmarshal(args, &parsed); err == nil {
			for _, key := range t.Paths {
				p, ok := parsed[key].(string)
				if !ok || p == "" {
					continue
				}
				if e.escapesRoot(p) {
					return Decision{Effect: Deny, Reason: "escape"}, true
				}
			}
		}
	}

	return Decision{}, false
}

// escapesRoot reports whether path, resolved against the project root with
// symlinks followed, lands outside the root.
func (e *Engine) escapesRoot(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.projectRoot, path)
	}
	path = filepath.Clean(path)

	// Resolve the deepest existing ancestor so symlinked parents cannot
	// smuggle a path out of the root.
	resolved := path
	probe := path
	for {
		if r, err := e.resolve(probe); err == nil {
			rel, err := filepath.Rel(probe, path)
			if err != nil {
				return true
			}
			resolved = filepath.Join(r, rel)
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	root := e.projectRoot
	if r, err := e.resolve(root); err == nil {
		root = r
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// firstShellToken extracts the executable name from a shell command line,
// stripping any directory prefix and environment assignments.
func firstShellToken(command string) string {
	for _, tok := range strings.Fields(command) {
		// Skip leading VAR=value assignments.
		if i := strings.IndexByte(tok, '='); i > 0 && !strings.ContainsAny(tok[:i], "/\\") {
			continue
		}
		return filepath.Base(tok)
	}
	return ""
}

// FirstArgument extracts the policy-relevant first argument for a tool
// call. Patterns match against this string.
func FirstArgument(tool string, args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	for _, key := range firstArgKeys(tool) {
		if s, ok := parsed[key].(string); ok {
			return s
		}
	}
	return ""
}

func firstArgKeys(tool string) []string {
	switch tool {
	case "Bash":
		return []string{"command"}
	case "Read", "Write", "Edit":
		return []string{"path", "file_path"}
	case "Grep", "Glob":
		return []string{"pattern"}
	case "Ls":
		return []string{"path"}
	default:
		return []string{"command", "path", "pattern"}
	}
}
