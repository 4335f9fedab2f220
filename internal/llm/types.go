package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role values used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-neutral conversation entry.
//
// Tool results are messages with Role == RoleTool and a non-empty ToolCallID.
// Assistant messages that requested tools carry the calls in ToolCalls so they
// can be replayed to the provider on the next turn.
type Message struct {
	Role       string     `json:"role"`
	Text       string     `json:"text,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object for the tool arguments.
	InputSchema json.RawMessage
}

// TurnRequest asks the provider for one assistant turn.
type TurnRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// TurnUsage is the provider-reported token accounting for one turn.
type TurnUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// TurnResult is the assistant turn: final text, requested tool calls, usage.
type TurnResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        TurnUsage
}

// Provider is the opaque model API. Implementations must be safe for
// concurrent use: isolated background workers share one provider.
type Provider interface {
	Complete(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// SystemText collects system-role text out of a message list; Anthropic takes
// it as a top-level field rather than an in-band message.
func SystemText(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if strings.EqualFold(strings.TrimSpace(msg.Role), RoleSystem) {
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
