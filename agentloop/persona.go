package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/tether/backend"
)

// Persona bundles the tools and instructions an agent runs with: a tool
// registry, a base prompt, and the model target. The core treats the
// bundle as opaque beyond these three.
type Persona struct {
	Name         string
	Target       backend.Target
	Registry     *Registry
	Instructions string
}

// BuildSystemPrompt assembles the position-0 system prompt from the
// persona instructions and the execution environment.
func (p *Persona) BuildSystemPrompt(env ExecutionEnvironment) string {
	var sb strings.Builder
	sb.WriteString(p.Instructions)
	sb.WriteString("\n\n# Environment\n")
	fmt.Fprintf(&sb, "Project root: %s\n", env.ProjectRoot())
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	if names := p.Registry.Names(); len(names) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s\n", strings.Join(names, ", "))
	}
	return sb.String()
}

const coderInstructions = `You are a coding assistant operating inside the user's project.
Use the available tools to read, search, and modify files, and to run
commands. Prefer small, verifiable steps. When a tool call fails, read
the error and adjust rather than repeating the same call. Reply with a
concise summary of what you did once the task is complete.`

const chatInstructions = `You are a helpful assistant. You may consult the read-only tools to
answer questions about the user's project, but do not modify anything.`

// CoderPersona returns the full-toolset persona.
func CoderPersona(target backend.Target) *Persona {
	reg := NewRegistry()
	RegisterCoreTools(reg)
	return &Persona{Name: "coder", Target: target, Registry: reg, Instructions: coderInstructions}
}

// ChatPersona returns a read-only persona.
func ChatPersona(target backend.Target) *Persona {
	reg := NewRegistry()
	RegisterCoreTools(reg)
	reg = reg.Filter([]string{"Read", "Grep", "Glob", "Ls"})
	return &Persona{Name: "chat", Target: target, Registry: reg, Instructions: chatInstructions}
}

// PersonaByName resolves a persona reference from the open-session
// request. Unknown names fall back to coder.
func PersonaByName(name string, target backend.Target) *Persona {
	switch name {
	case "chat":
		return ChatPersona(target)
	default:
		return CoderPersona(target)
	}
}
