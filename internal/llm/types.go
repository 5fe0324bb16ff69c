// Package llm routes generation requests between a local model and a
// cloud provider. Providers normalize their wire formats into one
// Request/Response shape; the router layers strategy selection,
// truncation recovery, retries with backoff, and per-provider circuit
// breakers on top.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReason is the normalized reason a provider stopped generating.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"     // natural end of output
	FinishLength  FinishReason = "length"   // output truncated at the token budget
	FinishToolUse FinishReason = "tool_use" // model requested tool invocations
	FinishError   FinishReason = "error"
)

// Message is one turn in a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"` // assistant turns that requested tools
	ToolID    string     `json:"tool_id,omitempty"`    // tool turns: the call being answered
	ToolName  string     `json:"tool_name,omitempty"`  // tool turns: the tool that ran
	IsError   bool       `json:"is_error,omitempty"`   // tool turns: handler failed
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolHandler executes a requested tool call. A returned error is fed
// back to the model as an error tool result, never surfaced to the
// router's caller.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

// Request is a provider-independent generation request. Either Prompt
// (single user turn) or Messages (full conversation) must be set; when
// both are set, Messages wins.
type Request struct {
	System      string
	Prompt      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// conversation returns the request's turns, synthesizing one from
// Prompt when no explicit history is present.
func (r *Request) conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: RoleUser, Content: r.Prompt}}
}

// Response is a normalized provider response.
type Response struct {
	Text         string
	FinishReason FinishReason
	ToolCalls    []ToolCall
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Truncated reports whether the provider stopped at the token budget.
func (r *Response) Truncated() bool {
	return r.FinishReason == FinishLength
}

// Provider generates completions for one backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Strategy selects the provider order the router tries.
type Strategy string

const (
	LocalOnly              Strategy = "local_only"
	LocalWithCloudFallback Strategy = "local_with_cloud_fallback"
	CloudPrimary           Strategy = "cloud_primary"
	CloudOnly              Strategy = "cloud_only"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LocalOnly, LocalWithCloudFallback, CloudPrimary, CloudOnly:
		return Strategy(s), nil
	case "":
		return LocalWithCloudFallback, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// ErrUnavailable means every provider the strategy allows was exhausted.
// Callers surface this as an explicit unavailable marker in their
// output; they never substitute fabricated text.
var ErrUnavailable = errors.New("no language model provider available")

// IsUnavailable reports whether err means generation cannot happen at all.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// UnavailableText is the marker callers embed in place of generated
// output when no provider could be reached.
func UnavailableText(err error) string {
	if err == nil {
		err = ErrUnavailable
	}
	return fmt.Sprintf("[LLM unavailable: %v]", err)
}
