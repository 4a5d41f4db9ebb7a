package agentloop

import (
	"time"

	"github.com/martinemde/tether/backend"
)

// MessageKind discriminates between history entry types.
type MessageKind string

const (
	KindUser        MessageKind = "user"
	KindAssistant   MessageKind = "assistant"
	KindToolResults MessageKind = "tool_results"
	KindSystem      MessageKind = "system"
	KindSteering    MessageKind = "steering"
)

// Message is a single entry in a session's conversation history.
type Message struct {
	Kind        MessageKind      `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserMessage     `json:"user,omitempty"`
	Assistant   *AssistantReply  `json:"assistant,omitempty"`
	ToolResults *ToolResultBatch `json:"tool_results,omitempty"`
	System      *SystemPrompt    `json:"system,omitempty"`
	Steering    *SteeringNote    `json:"steering,omitempty"`
}

// UserMessage holds user input plus optional attachment metadata.
type UserMessage struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is metadata about content accompanying a user message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// AssistantReply holds one model response: free-form text plus zero or
// more structured tool calls.
type AssistantReply struct {
	Content   string             `json:"content"`
	ToolCalls []backend.ToolCall `json:"tool_calls,omitempty"`
	Usage     backend.Usage      `json:"usage"`
}

// ToolResultBatch holds the results for one dispatch batch, in the order
// the tool calls were requested.
type ToolResultBatch struct {
	Results []backend.ToolResult `json:"results"`
}

// SystemPrompt holds the assembled persona prompt; it appears once at
// position 0 of the history.
type SystemPrompt struct {
	Content string `json:"content"`
}

// SteeringNote is an injected instruction (loop-detection notices).
type SteeringNote struct {
	Content string `json:"content"`
}

// NewUserMessage creates a history entry wrapping user input.
func NewUserMessage(content string) Message {
	return Message{Kind: KindUser, Timestamp: time.Now().UTC(), User: &UserMessage{Content: content}}
}

// NewAssistantMessage creates a history entry wrapping a model response.
func NewAssistantMessage(content string, calls []backend.ToolCall, usage backend.Usage) Message {
	return Message{
		Kind:      KindAssistant,
		Timestamp: time.Now().UTC(),
		Assistant: &AssistantReply{Content: content, ToolCalls: calls, Usage: usage},
	}
}

// NewToolResultsMessage creates a history entry wrapping a result batch.
func NewToolResultsMessage(results []backend.ToolResult) Message {
	return Message{
		Kind:        KindToolResults,
		Timestamp:   time.Now().UTC(),
		ToolResults: &ToolResultBatch{Results: results},
	}
}

// NewSystemMessage creates the position-0 system prompt entry.
func NewSystemMessage(content string) Message {
	return Message{Kind: KindSystem, Timestamp: time.Now().UTC(), System: &SystemPrompt{Content: content}}
}

// NewSteeringMessage creates an injected steering entry.
func NewSteeringMessage(content string) Message {
	return Message{Kind: KindSteering, Timestamp: time.Now().UTC(), Steering: &SteeringNote{Content: content}}
}

// TextContent returns the text of a message regardless of kind.
func (m Message) TextContent() string {
	switch m.Kind {
	case KindUser:
		if m.User != nil {
			return m.User.Content
		}
	case KindAssistant:
		if m.Assistant != nil {
			return m.Assistant.Content
		}
	case KindSystem:
		if m.System != nil {
			return m.System.Content
		}
	case KindSteering:
		if m.Steering != nil {
			return m.Steering.Content
		}
	}
	return ""
}

// ToBackendMessages converts history into the wire shape the backend
// client sends. Tool results follow their calls in request order.
func ToBackendMessages(history []Message) []backend.Message {
	var out []backend.Message
	for _, m := range history {
		switch m.Kind {
		case KindSystem:
			if m.System != nil {
				out = append(out, backend.SystemMessage(m.System.Content))
			}
		case KindUser:
			if m.User != nil {
				out = append(out, backend.UserMessage(m.User.Content))
			}
		case KindSteering:
			// Steering notes travel as user messages so the model treats
			// them as instructions.
			if m.Steering != nil {
				out = append(out, backend.UserMessage(m.Steering.Content))
			}
		case KindAssistant:
			if m.Assistant != nil {
				msg := backend.AssistantMessage(m.Assistant.Content)
				for _, tc := range m.Assistant.ToolCalls {
					msg.Content = append(msg.Content, backend.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				out = append(out, msg)
			}
		case KindToolResults:
			if m.ToolResults != nil {
				for _, r := range m.ToolResults.Results {
					out = append(out, backend.ToolResultMessage(r))
				}
			}
		}
	}
	return out
}

// ValidateHistory checks the tool-call/result pairing invariant: every
// tool call in an assistant message is answered by exactly one result
// with a matching call id before the next assistant message.
func ValidateHistory(history []Message) error {
	pending := map[string]bool{}
	for _, m := range history {
		switch m.Kind {
		case KindAssistant:
			if len(pending) > 0 {
				return &HistoryError{Missing: keys(pending)}
			}
			if m.Assistant != nil {
				for _, tc := range m.Assistant.ToolCalls {
					pending[tc.ID] = true
				}
			}
		case KindToolResults:
			if m.ToolResults != nil {
				for _, r := range m.ToolResults.Results {
					if !pending[r.CallID] {
						return &HistoryError{Unmatched: r.CallID}
					}
					delete(pending, r.CallID)
				}
			}
		}
	}
	if len(pending) > 0 {
		return &HistoryError{Missing: keys(pending)}
	}
	return nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// HistoryError reports a violated tool-call pairing invariant.
type HistoryError struct {
	Missing   []string // call ids with no result
	Unmatched string   // result with no call
}

func (e *HistoryError) Error() string {
	if e.Unmatched != "" {
		return "tool result " + e.Unmatched + " has no matching call"
	}
	return "tool calls missing results: " + joinIDs(e.Missing)
}

func joinIDs(ids []string) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += id
	}
	return s
}
