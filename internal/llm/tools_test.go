package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var searchTool = ToolDefinition{
	Name:        "web_search",
	Description: "search the web",
	InputSchema: map[string]interface{}{"type": "object"},
}

func TestGenerateWithTools_Loop(t *testing.T) {
	local := &scriptedProvider{name: "local", script: func(call int, req *Request) (*Response, error) {
		if call == 0 {
			return &Response{
				Text:         "Checking.",
				FinishReason: FinishToolUse,
				ToolCalls: []ToolCall{
					{ID: "call_0", Name: "web_search", Input: map[string]interface{}{"query": "raft"}},
				},
			}, nil
		}
		return &Response{Text: "Raft elects leaders by majority vote.", FinishReason: FinishStop}, nil
	}}
	r := NewRouter(local, nil, fastConfig(LocalOnly))

	var handled []string
	handler := func(ctx context.Context, call ToolCall) (string, error) {
		handled = append(handled, call.Name)
		return "result for " + fmt.Sprint(call.Input["query"]), nil
	}

	resp, err := r.GenerateWithTools(context.Background(), &Request{
		Prompt: "how does raft elect leaders",
		Tools:  []ToolDefinition{searchTool},
	}, handler, 4)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if resp.Text != "Raft elects leaders by majority vote." {
		t.Errorf("Unexpected final text: %q", resp.Text)
	}
	if len(handled) != 1 || handled[0] != "web_search" {
		t.Errorf("Expected one handled call, got %v", handled)
	}

	// The second request must carry the assistant turn and the tool result.
	second := local.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("Expected 3 messages on second call, got %d", len(second.Messages))
	}
	assistant := second.Messages[1]
	if assistant.Role != RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Errorf("Expected assistant tool-call turn, got %+v", assistant)
	}
	result := second.Messages[2]
	if result.Role != RoleTool || result.ToolID != "call_0" || result.ToolName != "web_search" {
		t.Errorf("Expected tool result answering call_0, got %+v", result)
	}
	if result.Content != "result for raft" {
		t.Errorf("Unexpected tool result content: %q", result.Content)
	}
	if result.IsError {
		t.Error("Expected successful tool result")
	}
}

func TestGenerateWithTools_HandlerErrorFedBack(t *testing.T) {
	local := &scriptedProvider{name: "local", script: func(call int, req *Request) (*Response, error) {
		if call == 0 {
			return &Response{
				FinishReason: FinishToolUse,
				ToolCalls:    []ToolCall{{ID: "call_0", Name: "fetch_url", Input: map[string]interface{}{}}},
			}, nil
		}
		return &Response{Text: "Could not fetch the page.", FinishReason: FinishStop}, nil
	}}
	r := NewRouter(local, nil, fastConfig(LocalOnly))

	handler := func(ctx context.Context, call ToolCall) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}

	resp, err := r.GenerateWithTools(context.Background(), &Request{
		Prompt: "fetch it",
		Tools:  []ToolDefinition{searchTool},
	}, handler, 4)
	if err != nil {
		t.Fatalf("Handler errors must not surface, got: %v", err)
	}
	if resp.Text != "Could not fetch the page." {
		t.Errorf("Unexpected final text: %q", resp.Text)
	}

	result := local.request(1).Messages[2]
	if !result.IsError {
		t.Error("Expected error tool result")
	}
	if !strings.Contains(result.Content, "fetch_url failed") ||
		!strings.Contains(result.Content, "connection refused") {
		t.Errorf("Expected failure detail in tool result, got %q", result.Content)
	}
}

func TestGenerateWithTools_BudgetStripsTools(t *testing.T) {
	// The model keeps asking for tools as long as any are offered.
	local := &scriptedProvider{name: "local", script: func(call int, req *Request) (*Response, error) {
		if len(req.Tools) > 0 {
			return &Response{
				FinishReason: FinishToolUse,
				ToolCalls:    []ToolCall{{ID: fmt.Sprintf("call_%d", call), Name: "web_search", Input: map[string]interface{}{}}},
			}, nil
		}
		return &Response{Text: "Final answer from gathered evidence.", FinishReason: FinishStop}, nil
	}}
	r := NewRouter(local, nil, fastConfig(LocalOnly))

	handled := 0
	handler := func(ctx context.Context, call ToolCall) (string, error) {
		handled++
		return "some result", nil
	}

	resp, err := r.GenerateWithTools(context.Background(), &Request{
		Prompt: "research forever",
		Tools:  []ToolDefinition{searchTool},
	}, handler, 2)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if handled != 2 {
		t.Errorf("Expected handler bounded at 2 calls, got %d", handled)
	}
	if resp.Text != "Final answer from gathered evidence." {
		t.Errorf("Unexpected final text: %q", resp.Text)
	}
	// Two tool rounds plus one finalizing round without tools.
	if local.calls() != 3 {
		t.Errorf("Expected 3 generation rounds, got %d", local.calls())
	}
	if got := len(local.request(2).Tools); got != 0 {
		t.Errorf("Final round must carry no tools, got %d", got)
	}
}

func TestGenerateWithTools_MisbehavingProviderTerminates(t *testing.T) {
	// Keeps requesting tools even after the definitions are stripped.
	local := &scriptedProvider{name: "local", script: func(call int, req *Request) (*Response, error) {
		return &Response{
			Text:         "still calling",
			FinishReason: FinishToolUse,
			ToolCalls:    []ToolCall{{ID: fmt.Sprintf("call_%d", call), Name: "web_search", Input: map[string]interface{}{}}},
		}, nil
	}}
	r := NewRouter(local, nil, fastConfig(LocalOnly))

	handler := func(ctx context.Context, call ToolCall) (string, error) {
		return "some result", nil
	}

	resp, err := r.GenerateWithTools(context.Background(), &Request{
		Prompt: "loop",
		Tools:  []ToolDefinition{searchTool},
	}, handler, 1)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if local.calls() != 2 {
		t.Errorf("Expected loop to terminate after stripping tools, got %d calls", local.calls())
	}
	if resp.Text != "still calling" {
		t.Errorf("Expected last response returned as-is, got %q", resp.Text)
	}
}

func TestGenerateWithTools_NilHandlerDelegates(t *testing.T) {
	local := &scriptedProvider{name: "local", script: ok("plain answer")}
	r := NewRouter(local, nil, fastConfig(LocalOnly))

	resp, err := r.GenerateWithTools(context.Background(), &Request{Prompt: "hi"}, nil, 4)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if resp.Text != "plain answer" {
		t.Errorf("Unexpected response: %q", resp.Text)
	}
	if local.calls() != 1 {
		t.Errorf("Expected single generation, got %d", local.calls())
	}
}
