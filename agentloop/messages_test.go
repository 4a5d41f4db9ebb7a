package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/martinemde/tether/backend"
)

func TestValidateHistory(t *testing.T) {
	ok := []Message{
		NewSystemMessage("sys"),
		NewUserMessage("hi"),
		NewAssistantMessage("", []backend.ToolCall{{ID: "c1", Name: "Read", Arguments: json.RawMessage(`{}`)}}, backend.Usage{}),
		NewToolResultsMessage([]backend.ToolResult{{CallID: "c1", OK: true}}),
		NewAssistantMessage("done", nil, backend.Usage{}),
	}
	if err := ValidateHistory(ok); err != nil {
		t.Errorf("valid history rejected: %v", err)
	}

	missing := []Message{
		NewAssistantMessage("", []backend.ToolCall{{ID: "c1"}}, backend.Usage{}),
		NewAssistantMessage("next", nil, backend.Usage{}),
	}
	if err := ValidateHistory(missing); err == nil {
		t.Error("missing result not detected")
	}

	unmatched := []Message{
		NewAssistantMessage("", nil, backend.Usage{}),
		NewToolResultsMessage([]backend.ToolResult{{CallID: "ghost"}}),
	}
	if err := ValidateHistory(unmatched); err == nil {
		t.Error("unmatched result not detected")
	}
}

func TestToBackendMessagesOrder(t *testing.T) {
	history := []Message{
		NewSystemMessage("sys"),
		NewUserMessage("hi"),
		NewAssistantMessage("working", []backend.ToolCall{
			{ID: "c1", Name: "Read", Arguments: json.RawMessage(`{"path":"a"}`)},
			{ID: "c2", Name: "Read", Arguments: json.RawMessage(`{"path":"b"}`)},
		}, backend.Usage{}),
		NewToolResultsMessage([]backend.ToolResult{
			{CallID: "c1", OK: true, Content: "aaa"},
			{CallID: "c2", OK: true, Content: "bbb"},
		}),
	}

	msgs := ToBackendMessages(history)
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	if msgs[0].Role != backend.RoleSystem || msgs[1].Role != backend.RoleUser || msgs[2].Role != backend.RoleAssistant {
		t.Error("role order wrong")
	}
	if msgs[3].ToolCallID != "c1" || msgs[4].ToolCallID != "c2" {
		t.Error("tool results must preserve request order")
	}
}
