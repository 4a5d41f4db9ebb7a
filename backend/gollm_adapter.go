package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter bridges a gollm.LLM instance to the Adapter interface.
// gollm handles provider HTTP specifics; the adapter translates message
// history, tool definitions, and errors.
type GollmAdapter struct {
	name  string
	llm   gollm.LLM
	model string
}

// NewGollmAdapter creates an adapter for the named provider. An empty
// apiKey defers to gollm's environment variable lookup.
func NewGollmAdapter(name, apiKey, model string) (*GollmAdapter, error) {
	if model == "" {
		switch name {
		case "anthropic":
			model = "claude-sonnet-4-5"
		default:
			model = "gpt-4o-mini"
		}
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(name),
		gollm.SetModel(model),
		gollm.SetMaxTokens(8192),
		gollm.SetMaxRetries(0), // retry lives in Client
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm client for %s: %w", name, err)
	}
	return &GollmAdapter{name: name, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(name string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{name: name, llm: llm}
}

// Name returns the backend identifier.
func (a *GollmAdapter) Name() string { return a.name }

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request, emitting text deltas as they arrive.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	prompt := a.translateRequest(req)
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}

	ch := make(chan Chunk, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- Chunk{Err: a.translateError(err)}
				return
			}
			ch <- Chunk{TextDelta: text}
			ch <- Chunk{Response: a.buildResponse(req, text)}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- Chunk{Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			ch <- Chunk{TextDelta: token.Text}
			full.WriteString(token.Text)
		}
		ch <- Chunk{Response: a.buildResponse(req, full.String())}
	}()

	return ch, nil
}

// translateRequest flattens the message history into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, part := range msg.Content {
				if part.Kind == ContentToolCall && part.ToolCall != nil {
					parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)",
						part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments)))
				}
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if !part.ToolResult.OK {
						prefix = "[Tool Error]"
					}
					parts = append(parts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	opts := []gollm.PromptOption{}
	if systemPrompt != "" {
		opts = append(opts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, opts...)
}

// buildResponse constructs a Response from generated text, extracting any
// embedded tool call JSON.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var parts []ContentPart
	calls := parseToolCalls(text)
	cleaned := stripToolCallJSON(text, calls)
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
	}
	for i := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: Usage{
			// gollm does not surface provider usage; approximate by text
			// volume so accounting stays monotone.
			PromptTokens:     estimatePromptTokens(req),
			CompletionTokens: len(text)/4 + 1,
		},
	}
}

// parseToolCalls extracts tool calls that gollm returns embedded in the
// response text as a JSON array of {name, arguments}.
func parseToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

func stripToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError classifies a gollm error into the backend hierarchy.
// gollm surfaces provider failures as strings, so classification is by
// message content.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	wrap := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Backend:    a.name,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthenticationError{wrap(401, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{wrap(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{wrap(413, false)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return &ServerError{wrap(500, true)}
	case strings.Contains(lower, "timeout"):
		return &TimeoutError{SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "no such host"):
		return &NetworkError{SDKError{Message: msg, Cause: err}}
	default:
		pe := wrap(0, true)
		return &pe
	}
}

func estimatePromptTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
