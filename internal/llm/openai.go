package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const openaiDefaultMaxOutputTokens = 4096

type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(apiKey string, baseURL string) *openAIProvider {
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) Complete(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(openaiDefaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}

	inputItems, instructions := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}
	if resp == nil {
		return TurnResult{}, errors.New("empty openai response")
	}

	result := TurnResult{
		FinishReason: mapOpenAIStatus(resp.Status),
		Usage: TurnUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	var textBuf strings.Builder
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if textBuf.Len() > 0 {
					textBuf.WriteString("\n")
				}
				textBuf.WriteString(strings.TrimSpace(part.Text))
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				callID = fmt.Sprintf("openai_call_%d", len(result.ToolCalls)+1)
			}
			toolName := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[toolName]; ok {
				toolName = realName
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: callID, Name: toolName, Args: args})
		}
	}
	result.Text = strings.TrimSpace(textBuf.String())
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

func buildOpenAITools(defs []ToolDef) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schema, false))
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	assistantMsgSeq := 0
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case RoleSystem:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case RoleTool:
			callID := strings.TrimSpace(msg.ToolCallID)
			if callID == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, strings.TrimSpace(msg.Text)))
		case RoleAssistant:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				assistantMsgSeq++
				// OpenAI Responses requires output message IDs to start with "msg_".
				msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					[]oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        txt,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}},
					msgID,
					oresponses.ResponseOutputMessageStatusCompleted,
				))
			}
			for _, call := range msg.ToolCalls {
				callID := strings.TrimSpace(call.ID)
				name := sanitizeProviderToolName(call.Name)
				if callID == "" || name == "" {
					continue
				}
				argsRaw := "{}"
				if len(call.Args) > 0 {
					if b, err := json.Marshal(call.Args); err == nil {
						argsRaw = string(b)
					}
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
			}
		default:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}

// sanitizeProviderToolName maps tool names onto the provider's allowed
// charset (dots are not allowed in OpenAI function names).
func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
