package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"farsight/internal/logging"
)

// OpenAIProvider generates completions from an OpenAI-compatible chat
// completions endpoint. OpenRouter shares the wire format, so the same
// provider serves both with a different base URL and headers.
type OpenAIProvider struct {
	name         string
	apiKey       string
	baseURL      string
	model        string
	extraHeaders map[string]string
	httpClient   *http.Client
}

// NewOpenAIProvider creates an OpenAI-backed cloud provider.
func NewOpenAIProvider(apiKey, baseURL, model string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewOpenRouterProvider creates an OpenRouter-backed cloud provider.
// Model names use OpenRouter's provider/model format.
func NewOpenRouterProvider(apiKey, baseURL, model string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if model == "" {
		model = "anthropic/claude-3.5-sonnet"
	}
	p := NewOpenAIProvider(apiKey, baseURL, model, timeout)
	p.name = "openrouter"
	p.extraHeaders = map[string]string{
		"HTTP-Referer": "https://github.com/farsight-research/farsight",
		"X-Title":      "farsight",
	}
	return p
}

func (p *OpenAIProvider) Name() string {
	return p.name + ":" + p.model
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded
	} `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func buildOpenAIMessages(req *Request) []openAIMessage {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.conversation() {
		switch m.Role {
		case RoleAssistant:
			msg := openAIMessage{Role: "assistant", Content: m.Content}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Input)
				var tc openAIToolCall
				tc.ID = call.ID
				tc.Type = "function"
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(args)
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			messages = append(messages, msg)
		case RoleTool:
			messages = append(messages, openAIMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolID})
		default:
			messages = append(messages, openAIMessage{Role: "user", Content: m.Content})
		}
	}
	return messages
}

// Generate sends one chat completions request.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s API key not configured", p.name)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.httpClient.Timeout)
		defer cancel()
	}
	start := time.Now()

	body := openAIRequest{
		Model:       p.model,
		Messages:    buildOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, ot)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, string(respData))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respData, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("%s error: %s", p.name, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	choice := apiResp.Choices[0]
	out := &Response{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: normalizeOpenAIFinish(choice.FinishReason),
		Provider:     p.Name(),
		Model:        apiResp.Model,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				logging.LLMWarn("[%s] unparseable tool arguments for %s: %v", p.name, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	logging.LLMDebug("[%s] generate: model=%s finish=%s out_tokens=%d elapsed=%v",
		p.name, p.model, out.FinishReason, out.OutputTokens, time.Since(start))
	return out, nil
}

func normalizeOpenAIFinish(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolUse
	case "stop", "":
		return FinishStop
	}
	return FinishStop
}
