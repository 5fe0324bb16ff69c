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

// GeminiProvider generates completions from the Google Gemini REST API.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiProvider creates a Gemini-backed cloud provider.
func NewGeminiProvider(apiKey, baseURL, model string, timeout time.Duration) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini:" + p.model
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string                 `json:"name"`
		Args map[string]interface{} `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string                 `json:"name"`
		Response map[string]interface{} `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
	Tools []struct {
		FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func buildGeminiContents(req *Request) []geminiContent {
	var contents []geminiContent
	for _, m := range req.conversation() {
		switch m.Role {
		case RoleAssistant:
			c := geminiContent{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				part := geminiPart{}
				part.FunctionCall = &struct {
					Name string                 `json:"name"`
					Args map[string]interface{} `json:"args"`
				}{Name: call.Name, Args: call.Input}
				c.Parts = append(c.Parts, part)
			}
			contents = append(contents, c)
		case RoleTool:
			// Gemini matches tool output by function name, not call id.
			name := m.ToolName
			if name == "" {
				name = m.ToolID
			}
			payload := map[string]interface{}{"output": m.Content}
			if m.IsError {
				payload = map[string]interface{}{"error": m.Content}
			}
			part := geminiPart{}
			part.FunctionResponse = &struct {
				Name     string                 `json:"name"`
				Response map[string]interface{} `json:"response"`
			}{Name: name, Response: payload}
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return contents
}

// Generate sends one generateContent request.
func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.httpClient.Timeout)
		defer cancel()
	}
	start := time.Now()

	body := geminiRequest{Contents: buildGeminiContents(req)}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	body.GenerationConfig.Temperature = req.Temperature
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]interface{}{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if t.InputSchema != nil {
				decl["parameters"] = t.InputSchema
			}
			decls = append(decls, decl)
		}
		body.Tools = []struct {
			FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
		}{{FunctionDeclarations: decls}}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(respData))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(respData, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("gemini error %d: %s", apiResp.Error.Code, apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := apiResp.Candidates[0]
	var text strings.Builder
	out := &Response{
		Provider:     p.Name(),
		Model:        p.model,
		InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
	}
	callSeq := 0
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			// Gemini does not assign call ids; synthesize stable ones.
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    fmt.Sprintf("call_%d", callSeq),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
			callSeq++
		}
	}
	out.Text = strings.TrimSpace(text.String())
	out.FinishReason = normalizeGeminiFinish(candidate.FinishReason, len(out.ToolCalls) > 0)

	logging.LLMDebug("[gemini] generate: model=%s finish=%s out_tokens=%d elapsed=%v",
		p.model, out.FinishReason, out.OutputTokens, time.Since(start))
	return out, nil
}

func normalizeGeminiFinish(reason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return FinishLength
	case "STOP", "":
		return FinishStop
	}
	return FinishStop
}
