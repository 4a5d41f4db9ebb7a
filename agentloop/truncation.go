package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Per-tool character limits applied beneath the 1 MiB capture ceiling.
var defaultCharLimits = map[string]int{
	"Read":  50000,
	"Bash":  30000,
	"Grep":  20000,
	"Glob":  20000,
	"Ls":    20000,
	"Edit":  10000,
	"Write": 1000,
}

var defaultModes = map[string]TruncationMode{
	"Read": TruncateHeadTail,
	"Bash": TruncateHeadTail,
}

// TruncateOutput trims output to maxChars under the given mode, inserting
// a marker describing what was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	switch mode {
	case TruncateHeadTail:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n[... %d characters truncated from the middle; re-run with narrower parameters to see more ...]\n", removed) +
			output[len(output)-half:]
	default:
		return output[:maxChars] +
			fmt.Sprintf("\n[... %d characters truncated; re-run with narrower parameters to see more ...]", removed)
	}
}

// TruncateToolOutput applies the per-tool limit for name, falling back to
// a generic tail truncation for unknown tools.
func TruncateToolOutput(output, name string, overrides map[string]int) string {
	limit, ok := defaultCharLimits[name]
	if o, set := overrides[name]; set {
		limit, ok = o, true
	}
	if !ok {
		limit = 20000
	}
	mode, ok := defaultModes[name]
	if !ok {
		mode = TruncateTail
	}
	out := TruncateOutput(output, limit, mode)

	// Collapse pathological single lines regardless of limit.
	if i := strings.IndexByte(out, '\n'); i == -1 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
