package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/policy"
)

// Phase is the lifecycle state of a turn.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseParked    Phase = "parked"
	PhaseCompleted Phase = "completed"
	PhaseErrored   Phase = "errored"
	PhaseCancelled Phase = "cancelled"
	PhaseAborted   Phase = "aborted"
)

// Turn is one end-to-end user→assistant interaction. A turn owns its
// session exclusively for its duration.
type Turn struct {
	ID            string
	SessionID     string
	Iteration     int
	MaxIterations int
	phase         Phase
}

// NewTurn creates a turn for the session.
func NewTurn(sessionID string, maxIterations int) *Turn {
	return &Turn{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		MaxIterations: maxIterations,
		phase:         PhaseRunning,
	}
}

// Phase returns the turn's current phase. Phase transitions happen only
// on the runner goroutine.
func (t *Turn) Phase() Phase { return t.phase }

// RememberScope controls whether an approval is remembered.
type RememberScope string

const (
	RememberNone    RememberScope = ""
	RememberSession RememberScope = "session"
	RememberAlways  RememberScope = "always"
)

// ResumeDecision is the answer to a Yield.
type ResumeDecision struct {
	Approved bool
	Remember RememberScope
}

// ParkedCall describes the suspension point of a parked turn.
type ParkedCall struct {
	CallID   string
	ToolName string
	Args     json.RawMessage
	Reason   string
}

// Parker stores parked-turn continuations. Implementations key by
// (session id, turn id) rather than holding the session object, which
// keeps the store free of reference cycles. The returned channel
// delivers exactly one decision.
type Parker interface {
	Park(sessionID, turnID string, call ParkedCall) (<-chan ResumeDecision, error)
	Unpark(sessionID, turnID string)
}

// Runner executes turns against one session. Within a turn, tool calls
// dispatch serially; distinct sessions run their turns in parallel.
type Runner struct {
	Session     *Session
	Client      *backend.Client
	Engine      *policy.Engine
	Emitter     *Emitter
	Parker      Parker
	PersistRule func(policy.Rule) error // remember=always hook, may be nil
	Logger      *slog.Logger
}

// Run executes one turn to completion. It returns after the terminal
// event (Done or Error) has been emitted. The context is the turn's
// cancellation token; cancelling it ends the turn with Error{cancelled}.
func (r *Runner) Run(ctx context.Context, turn *Turn, userInput string) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		// A panic in the loop is a fatal error: surface it and leave the
		// session closable rather than taking the daemon down.
		if rec := recover(); rec != nil {
			logger.Error("turn runner panic", "session", turn.SessionID, "turn", turn.ID, "panic", rec)
			turn.phase = PhaseErrored
			r.emitError(turn, ErrInternal, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	// Prepare: seed the system prompt on first use, then append the user
	// message.
	if len(r.Session.History()) == 0 {
		r.Session.AppendHistory(NewSystemMessage(r.Session.Persona.BuildSystemPrompt(r.Session.Env)))
	}
	r.Session.AppendHistory(NewUserMessage(userInput))
	r.Session.Touch()

	cfg := r.Session.Config
	target := r.Session.Persona.Target
	var turnUsage backend.Usage

	for turn.Iteration = 1; ; turn.Iteration++ {
		if err := ctx.Err(); err != nil {
			turn.phase = PhaseCancelled
			r.emitError(turn, ErrCancelled, "turn cancelled")
			return
		}

		resp, err := r.complete(ctx, turn, target)
		if err != nil {
			if ctx.Err() != nil {
				turn.phase = PhaseCancelled
				r.emitError(turn, ErrCancelled, "turn cancelled")
				return
			}
			turn.phase = PhaseErrored
			r.emitError(turn, ErrBackend, err.Error())
			return
		}

		calls := dedupeCallIDs(resp.ToolCalls(), logger)
		r.Session.AddUsage(resp.Usage)
		turnUsage = turnUsage.Add(resp.Usage)

		if len(calls) == 0 {
			// Final output: the assistant text is the turn's reply.
			r.Session.AppendHistory(NewAssistantMessage(resp.Text(), nil, resp.Usage))
			turn.phase = PhaseCompleted
			r.emit(turn, Event{Kind: EventContent, Content: &ContentEvent{Text: resp.Text()}})
			r.emitDone(turn, "stop", turnUsage)
			return
		}

		results, halted := r.dispatch(ctx, turn, calls)
		if halted {
			return
		}

		// Iterate: assistant message and its results land together so the
		// call/result pairing invariant holds for every completed batch.
		r.Session.AppendHistory(
			NewAssistantMessage(resp.Text(), calls, resp.Usage),
			NewToolResultsMessage(results),
		)
		r.Session.Touch()

		if cfg.LoopDetection && DetectLoop(r.Session.History(), cfg.LoopWindow) {
			notice := fmt.Sprintf("The last %d tool calls repeat a pattern. Try a different approach.", cfg.LoopWindow)
			r.Session.AppendHistory(NewSteeringMessage(notice))
			logger.Warn("tool call loop detected", "session", turn.SessionID, "turn", turn.ID)
		}

		if turn.Iteration >= turn.MaxIterations {
			turn.phase = PhaseCompleted
			if text := resp.Text(); text != "" {
				r.emit(turn, Event{Kind: EventContent, Content: &ContentEvent{Text: text}})
			} else {
				r.emit(turn, Event{Kind: EventContent, Content: &ContentEvent{
					Text: "Stopped: the turn reached its iteration cap before completing.",
				}})
			}
			r.emitDone(turn, "iteration_cap", turnUsage)
			return
		}
	}
}

// complete requests one model completion, re-emitting streamed partial
// text as Thinking events.
func (r *Runner) complete(ctx context.Context, turn *Turn, target backend.Target) (*backend.Response, error) {
	req := backend.Request{
		Model:    target.Model,
		Backend:  target.Backend,
		Messages: ToBackendMessages(r.Session.History()),
		Tools:    r.Session.Persona.Registry.Definitions(),
	}

	stream, err := r.Client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *backend.Response
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.TextDelta != "":
			r.emit(turn, Event{Kind: EventThinking, Thinking: &ThinkingEvent{TextChunk: chunk.TextDelta}})
		case chunk.Response != nil:
			resp = chunk.Response
		}
	}
	if resp == nil {
		return nil, &backend.SDKError{Message: "stream closed without a final response"}
	}
	return resp, nil
}

// dispatch runs one batch of tool calls in model order. It returns the
// results and whether the turn halted (cancel, approval timeout, fatal).
// Results for a halted batch are discarded with the turn.
func (r *Runner) dispatch(ctx context.Context, turn *Turn, calls []backend.ToolCall) ([]backend.ToolResult, bool) {
	results := make([]backend.ToolResult, 0, len(calls))
	reg := r.Session.Persona.Registry

	for i := 0; i < len(calls); i++ {
		call := calls[i]

		if err := ctx.Err(); err != nil {
			turn.phase = PhaseCancelled
			r.emitError(turn, ErrCancelled, "turn cancelled")
			return nil, true
		}

		r.emit(turn, Event{Kind: EventToolCall, ToolCall: &ToolCallEvent{ID: call.ID, Name: call.Name, Args: call.Arguments}})

		// Unknown names and schema violations are data errors the model
		// can self-correct; they short-circuit before policy.
		if reg.Get(call.Name) == nil {
			results = append(results, r.failResult(turn, call, fmt.Sprintf("unknown tool: %s", call.Name)))
			continue
		}
		if err := reg.ValidateArgs(call.Name, call.Arguments); err != nil {
			results = append(results, r.failResult(turn, call, err.Error()))
			continue
		}

		decision := r.Engine.Decide(call.Name, call.Arguments, r.Session.Mode(), r.Session.Rules())
		switch decision.Effect {
		case policy.Deny:
			results = append(results, r.failResult(turn, call,
				fmt.Sprintf("denied by policy (%s)", decision.Reason)))
			continue

		case policy.Ask:
			approved, halted := r.park(ctx, turn, call, decision.Reason)
			if halted {
				return nil, true
			}
			if !approved {
				results = append(results, r.failResult(turn, call, "denied by user"))
				continue
			}
			// Approved: fall through to execution.
		}

		results = append(results, r.execute(ctx, turn, call))
		if ctx.Err() != nil {
			turn.phase = PhaseCancelled
			r.emitError(turn, ErrCancelled, "turn cancelled")
			return nil, true
		}
	}

	return results, false
}

// park suspends the turn awaiting a resume decision. Returns whether the
// call was approved, and whether the turn halted instead of resuming.
func (r *Runner) park(ctx context.Context, turn *Turn, call backend.ToolCall, reason string) (approved, halted bool) {
	// The continuation is registered before the Yield goes out so a
	// client that resumes immediately cannot observe a stale turn.
	resumeCh, err := r.Parker.Park(turn.SessionID, turn.ID, ParkedCall{
		CallID:   call.ID,
		ToolName: call.Name,
		Args:     call.Arguments,
		Reason:   reason,
	})
	if err != nil {
		turn.phase = PhaseErrored
		r.emitError(turn, ErrInternal, err.Error())
		return false, true
	}

	turn.phase = PhaseParked
	r.emit(turn, Event{Kind: EventYield, Yield: &YieldEvent{
		TurnID:   turn.ID,
		CallID:   call.ID,
		ToolName: call.Name,
		Args:     call.Arguments,
		Reason:   reason,
	}})

	ttl := time.Duration(r.Session.Config.ParkTTLMs) * time.Millisecond
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case decision := <-resumeCh:
		turn.phase = PhaseRunning
		if decision.Approved {
			r.rememberApproval(call, decision.Remember)
		}
		return decision.Approved, false

	case <-ctx.Done():
		r.Parker.Unpark(turn.SessionID, turn.ID)
		turn.phase = PhaseCancelled
		r.emitError(turn, ErrCancelled, "turn cancelled")
		return false, true

	case <-timer.C:
		r.Parker.Unpark(turn.SessionID, turn.ID)
		turn.phase = PhaseAborted
		r.emitError(turn, ErrApprovalTimeout, "no resume before the approval deadline")
		return false, true
	}
}

// rememberApproval widens the rule set after an approved Ask.
func (r *Runner) rememberApproval(call backend.ToolCall, scope RememberScope) {
	if scope == RememberNone {
		return
	}
	rule, err := policy.ParseRule(policy.Allow, call.Name)
	if err != nil {
		return
	}
	r.Session.AddRule(rule)
	if scope == RememberAlways && r.PersistRule != nil {
		if err := r.PersistRule(rule); err != nil && r.Logger != nil {
			r.Logger.Warn("persisting approval rule failed", "tool", call.Name, "error", err)
		}
	}
}

// execute runs one allowed tool call under its deadline.
func (r *Runner) execute(ctx context.Context, turn *Turn, call backend.ToolCall) backend.ToolResult {
	tool := r.Session.Persona.Registry.Get(call.Name)
	cfg := r.Session.Config

	timeoutMs := cfg.ToolTimeoutMs
	if tool.Shell {
		timeoutMs = cfg.ShellTimeoutMs
	}
	if tool.TimeoutMs > 0 {
		timeoutMs = tool.TimeoutMs
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	output, err := tool.Execute(callCtx, call.Arguments, r.Session.Env)
	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		// The turn was cancelled while this call was in flight. The
		// caller halts the batch; no result event follows the cancel.
		return backend.ToolResult{CallID: call.ID, OK: false, Content: "cancelled", DurationMs: duration}
	}

	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timed out after %dms", timeoutMs)
	}

	if err != nil {
		// Tool failures are data for the model, not control flow.
		result := backend.ToolResult{
			CallID:     call.ID,
			OK:         false,
			Content:    fmt.Sprintf("tool error (%s): %v", call.Name, err),
			DurationMs: duration,
		}
		r.emitResult(turn, result)
		return result
	}

	if len(output) > MaxToolOutputBytes {
		output = output[:MaxToolOutputBytes] + "\n[output truncated at 1 MiB]"
	}
	output = TruncateToolOutput(output, call.Name, cfg.ToolOutputLimits)

	result := backend.ToolResult{CallID: call.ID, OK: true, Content: output, DurationMs: duration}
	r.emitResult(turn, result)
	return result
}

// failResult synthesizes and emits a failed result for a call that never
// executed.
func (r *Runner) failResult(turn *Turn, call backend.ToolCall, content string) backend.ToolResult {
	result := backend.ToolResult{CallID: call.ID, OK: false, Content: content}
	r.emitResult(turn, result)
	return result
}

func (r *Runner) emitResult(turn *Turn, result backend.ToolResult) {
	r.emit(turn, Event{Kind: EventToolResult, ToolResult: &ToolResultEvent{
		ID:         result.CallID,
		OK:         result.OK,
		DurationMs: result.DurationMs,
		Content:    result.Content,
	}})
}

func (r *Runner) emitDone(turn *Turn, reason string, usage backend.Usage) {
	r.emit(turn, Event{Kind: EventDone, Done: &DoneEvent{
		TurnID: turn.ID,
		Usage:  usage,
		Reason: reason,
	}})
}

func (r *Runner) emitError(turn *Turn, code ErrorCode, message string) {
	r.emit(turn, Event{Kind: EventError, Error: &ErrorEvent{Code: code, Message: message}})
}

func (r *Runner) emit(turn *Turn, ev Event) {
	ev.TurnID = turn.ID
	r.Emitter.Emit(ev)
}

// dedupeCallIDs renames duplicate call ids within one assistant message
// so pairing stays unique.
func dedupeCallIDs(calls []backend.ToolCall, logger *slog.Logger) []backend.ToolCall {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		id := calls[i].ID
		if id == "" || seen[id] {
			renamed := id + "_" + uuid.NewString()[:8]
			if id == "" {
				renamed = "call_" + uuid.NewString()[:8]
			}
			if logger != nil && id != "" {
				logger.Warn("duplicate tool call id renamed", "id", id, "renamed", renamed)
			}
			calls[i].ID = renamed
		}
		seen[calls[i].ID] = true
	}
	return calls
}
