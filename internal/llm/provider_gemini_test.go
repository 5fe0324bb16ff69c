package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGeminiProvider_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("Expected API key in query string")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Answer."}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 2}
		}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("test-key", server.URL, "", 5*time.Second)
	resp, err := p.Generate(context.Background(), &Request{System: "sys", Prompt: "question"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "Answer." {
		t.Errorf("Expected Answer., got %q", resp.Text)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("Expected finish stop, got %s", resp.FinishReason)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 2 {
		t.Errorf("Unexpected token counts: in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGeminiProvider_Generate_FunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"functionCall": {"name": "web_search", "args": {"query": "raft"}}}
				]},
				"finishReason": "STOP"
			}]
		}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("test-key", server.URL, "", 5*time.Second)
	resp, err := p.Generate(context.Background(), &Request{Prompt: "search"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.FinishReason != FinishToolUse {
		t.Errorf("Expected tool_use finish, got %s", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_0" {
		t.Fatalf("Expected synthesized call_0, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Input["query"] != "raft" {
		t.Errorf("Unexpected args: %v", resp.ToolCalls[0].Input)
	}
}

func TestGeminiProvider_Generate_MaxTokensReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"cut"}]},"finishReason":"MAX_TOKENS"}]}`))
	}))
	defer server.Close()

	p := NewGeminiProvider("test-key", server.URL, "", 5*time.Second)
	resp, err := p.Generate(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !resp.Truncated() {
		t.Errorf("Expected truncated response, got finish %s", resp.FinishReason)
	}
}

func TestBuildGeminiContents_ToolRoundTrip(t *testing.T) {
	req := &Request{Messages: []Message{
		{Role: RoleUser, Content: "search raft"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_0", Name: "web_search", Input: map[string]interface{}{"query": "raft"}},
		}},
		{Role: RoleTool, ToolID: "call_0", ToolName: "web_search", Content: "3 results"},
		{Role: RoleTool, ToolID: "call_1", ToolName: "fetch_url", Content: "timeout", IsError: true},
	}}

	contents := buildGeminiContents(req)
	if len(contents) != 4 {
		t.Fatalf("Expected 4 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" || contents[1].Parts[0].FunctionCall == nil {
		t.Fatalf("Expected model functionCall turn, got %+v", contents[1])
	}

	// Tool output rides on a user turn; Gemini matches it by function name.
	fr := contents[2].Parts[0].FunctionResponse
	if contents[2].Role != "user" || fr == nil {
		t.Fatalf("Expected user functionResponse turn, got %+v", contents[2])
	}
	if fr.Name != "web_search" {
		t.Errorf("Expected function name web_search, got %s", fr.Name)
	}
	if fr.Response["output"] != "3 results" {
		t.Errorf("Unexpected response payload: %v", fr.Response)
	}

	errFr := contents[3].Parts[0].FunctionResponse
	if errFr.Response["error"] != "timeout" {
		t.Errorf("Expected error payload for failed tool, got %v", errFr.Response)
	}
}

func TestGeminiProvider_Generate_MissingKey(t *testing.T) {
	p := NewGeminiProvider("", "", "", 5*time.Second)
	_, err := p.Generate(context.Background(), &Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected error without API key")
	}
}
