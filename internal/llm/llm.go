// Package llm defines the invoker abstraction the worker's agent loop
// drives, plus a concrete Anthropic-backed implementation and a
// scripted replay implementation for tests.
package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
)

// Message is one turn of conversation, already in Anthropic wire
// format — the worker owns translating models.AgentMessage history
// to/from this type so the invoker stays a thin transport boundary.
type Message = anthropic.MessageParam

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte
}

// Response is one model turn: free text plus any tool calls requested.
// StopReason distinguishes "the model is done talking" (end_turn) from
// "the model wants tool results" (tool_use).
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	InputTokens, OutputTokens int64
}

const (
	StopEndTurn  = "end_turn"
	StopToolUse  = "tool_use"
	StopMaxTurns = "max_tokens"
)

// Invoker is the boundary the worker's agent loop calls through. A
// profile's system prompt and tool schema are supplied per call so a
// single invoker instance is shared across profiles and tasks.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt string, messages []Message, tools []anthropic.ToolUnionParam) (Response, error)
}
