package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// callSignature computes a deterministic signature for a tool call.
func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentCallSignatures walks history backwards collecting the most recent
// count tool-call signatures, returned in chronological order.
func recentCallSignatures(history []Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		m := history[i]
		if m.Kind != KindAssistant || m.Assistant == nil {
			continue
		}
		for j := len(m.Assistant.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := m.Assistant.ToolCalls[j]
			sigs = append(sigs, callSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls repeat a pattern
// of length 1, 2, or 3. Used to inject a steering notice when the model
// spins on identical calls.
func DetectLoop(history []Message, window int) bool {
	sigs := recentCallSignatures(history, window)
	if len(sigs) < window {
		return false
	}
	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		repeats := true
		for i := patternLen; i < window && repeats; i++ {
			if sigs[i] != pattern[i%patternLen] {
				repeats = false
			}
		}
		if repeats {
			return true
		}
	}
	return false
}
