package backend

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is produced by executing (or refusing) a tool call.
type ToolResult struct {
	CallID     string `json:"call_id"`
	Content    string `json:"content"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(result ToolResult) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &result}
}

// ThinkingPart creates a thinking ContentPart.
func ThinkingPart(text string) ContentPart {
	return ContentPart{Kind: ContentThinking, Text: text}
}

// Message is the fundamental unit of conversation sent to a backend.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(result)},
		ToolCallID: result.CallID,
	}
}

// ToolDefinition is the serializable descriptor of a tool sent to the
// model. Parameters is a JSON-schema-like object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one completion or one whole turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Request is the input to Complete and Stream.
type Request struct {
	Model    string           `json:"model"`
	Backend  string           `json:"backend,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Response is the output of Complete.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text of the response message.
func (r Response) Text() string { return r.Message.TextContent() }

// ToolCalls extracts tool calls from the response message, preserving the
// order the model emitted them.
func (r Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range r.Message.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// Chunk is one unit of a streaming completion. TextDelta chunks carry
// partial assistant text; the final chunk carries the closed Response.
type Chunk struct {
	TextDelta string    `json:"text_delta,omitempty"`
	Response  *Response `json:"response,omitempty"`
	Err       error     `json:"-"`
}

// Target is a parsed "model@backend" selector.
type Target struct {
	Model   string
	Backend string
}

// ParseTarget splits a "model@backend" string. A bare model name leaves
// Backend empty, deferring to the client's default.
func ParseTarget(s string) Target {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return Target{Model: s[:i], Backend: s[i+1:]}
	}
	return Target{Model: s}
}

// String reassembles the selector.
func (t Target) String() string {
	if t.Backend == "" {
		return t.Model
	}
	return t.Model + "@" + t.Backend
}
