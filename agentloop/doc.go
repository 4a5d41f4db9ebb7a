// Package agentloop implements the turn-based agent loop at the core of
// the tether daemon: the reason/act scheduler that interleaves model
// completions with policy-checked tool execution.
//
// A Runner drives one Turn against one Session. Each iteration requests
// a completion, dispatches any tool calls the model produced (in order,
// serially), folds the results back into the history, and repeats until
// the model answers without tools or the iteration cap is reached.
//
// Tool calls that the policy engine classifies as Ask suspend the turn:
// the runner emits a Yield event, parks a continuation keyed by session
// and turn id, and blocks until a resume decision, cancellation, or the
// park deadline. Tool failures — unknown names, schema violations,
// execution errors, denials — are data that flow back to the model as
// failed results; only fatal framework errors end a turn early.
package agentloop
