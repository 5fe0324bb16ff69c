package llm

import (
	"context"
	"fmt"

	"farsight/internal/logging"
)

// GenerateWithTools runs a generation loop that services the model's
// tool requests. Each requested call goes to handler; its result (or
// its error, as an error tool result) is appended to the conversation
// and generation continues. After maxCalls requested calls the loop
// strips the tool definitions so the next turn must produce a final
// answer. maxCalls <= 0 uses the router's configured budget.
func (r *Router) GenerateWithTools(ctx context.Context, req *Request, handler ToolHandler, maxCalls int) (*Response, error) {
	if handler == nil {
		return r.Generate(ctx, req)
	}
	if maxCalls <= 0 {
		maxCalls = r.cfg.MaxToolCalls
	}

	working := *req
	working.Messages = append([]Message(nil), req.conversation()...)
	working.Prompt = ""

	callsUsed := 0
	toolsStripped := false
	for {
		resp, err := r.Generate(ctx, &working)
		if err != nil {
			return nil, err
		}
		// A provider that keeps requesting tools after the definitions
		// were stripped gets returned as-is rather than looping forever.
		if len(resp.ToolCalls) == 0 || toolsStripped {
			if callsUsed > 0 {
				logging.LLMDebug("[router] tool loop done after %d calls", callsUsed)
			}
			return resp, nil
		}

		working.Messages = append(working.Messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result, handlerErr := handler(ctx, call)
			msg := Message{
				Role:     RoleTool,
				ToolID:   call.ID,
				ToolName: call.Name,
				Content:  result,
			}
			if handlerErr != nil {
				msg.Content = fmt.Sprintf("tool %s failed: %v", call.Name, handlerErr)
				msg.IsError = true
				logging.LLMWarn("[router] tool %s failed: %v", call.Name, handlerErr)
			}
			working.Messages = append(working.Messages, msg)
			callsUsed++
		}

		if callsUsed >= maxCalls && !toolsStripped {
			logging.LLM("[router] tool budget exhausted (%d calls), finalizing without tools", callsUsed)
			working.Tools = nil
			toolsStripped = true
		}
	}
}
