// Package llm is the reasoning-service client. The orchestrator only depends
// on the Reasoner interface; OpenAIClient implements it against any
// OpenAI-compatible chat-completions endpoint.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when the service answers with no choices.
var ErrEmptyResponse = errors.New("reasoning service returned no choices")

// ToolDef is a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Args decodes the call's JSON arguments. Empty arguments decode to an empty map.
func (tc ToolCall) Args() (map[string]any, error) {
	out := map[string]any{}
	if tc.Arguments == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Request is one reasoning step.
type Request struct {
	Instructions string
	Tools        []ToolDef
	History      []Message
}

// Response is the model's answer: text, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Reasoner produces the next step of a conversation.
type Reasoner interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
