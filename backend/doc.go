// Package backend provides the language-model client layer for the agent
// daemon. A backend is an external LLM HTTP endpoint; sessions select one
// with a target string of the form "model@backend" (for example
// "gpt-4o@openai" or "claude-sonnet-4@anthropic").
//
// The package exposes a provider-agnostic Client that routes requests to
// registered Adapters, classifies provider failures into a typed error
// hierarchy, and retries idempotent completion calls with exponential
// backoff.
package backend
