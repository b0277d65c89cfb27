package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus/internal/core/block"
	"github.com/haasonsaas/nexus/internal/core/session"
)

// AnthropicProvider implements LLMProvider against the Anthropic Messages
// API. Grounded on the teacher's internal/agent/providers/anthropic.go
// (NewAnthropicProvider/createStream/convertMessages/convertTools/wrapError),
// narrowed from that file's streaming Complete to the one-shot Send this
// runtime's loop calls: streaming recovery (internal/stream) is a concern
// for a future variant of this provider, not this boundary.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig configures a new AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewAnthropicProvider constructs a provider from config, applying the same
// defaults as the teacher's NewAnthropicProvider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Send(ctx context.Context, req *CompletionRequest) (*Response, error) {
	messages, err := convertMessagesToAnthropic(req.Messages)
	if err != nil {
		return nil, newErr(KindParse, "convert messages", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" || len(req.ExtraSystem) > 0 {
		params.System = systemBlocks(req.System, req.ExtraSystem)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToAnthropic(req.Tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err, model)
	}

	content, err := convertContentFromAnthropic(msg.Content)
	if err != nil {
		return nil, newErr(KindParse, "convert response content", err)
	}

	return &Response{
		ID:         msg.ID,
		Content:    content,
		StopReason: mapStopReason(string(msg.StopReason)),
		Usage: session.Usage{
			InputTokens:         msg.Usage.InputTokens,
			OutputTokens:        msg.Usage.OutputTokens,
			CacheReadTokens:     msg.Usage.CacheReadInputTokens,
			CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		},
	}, nil
}

func systemBlocks(system string, extra []string) []anthropic.TextBlockParam {
	var out []anthropic.TextBlockParam
	if system != "" {
		out = append(out, anthropic.TextBlockParam{Text: system})
	}
	for _, s := range extra {
		if s != "" {
			out = append(out, anthropic.TextBlockParam{Text: s})
		}
	}
	return out
}

func mapStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	case "tool_use":
		return StopToolUse
	default:
		return StopEndTurn
	}
}

// convertMessagesToAnthropic maps this runtime's block.Message list onto
// the SDK's MessageParam/ContentBlockParamUnion shapes.
func convertMessagesToAnthropic(messages []block.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks, err := convertBlocksToAnthropic(m.Content)
		if err != nil {
			return nil, err
		}
		switch m.Role {
		case block.RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case block.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unknown role %q", m.Role)
		}
	}
	return out, nil
}

// convertBlocksToAnthropic converts the outbound-request block kinds the
// loop actually round-trips through history: text, tool_use, tool_result.
// Any other kind (thinking, image, document, search result, ...) makes the
// conversion fail with an "unsupported block kind" error.
func convertBlocksToAnthropic(blocks []block.Block) ([]anthropic.ContentBlockParamUnion, error) {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case block.KindText:
			out = append(out, anthropic.NewTextBlock(b.Text))
		case block.KindToolUse:
			var input any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool_use input: %w", err)
				}
			}
			out = append(out, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case block.KindToolResult:
			text := ""
			for _, inner := range b.Content {
				if inner.Kind == block.KindText {
					text += inner.Text
				}
			}
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, text, b.IsError))
		default:
			return nil, fmt.Errorf("anthropic: unsupported block kind %q", b.Kind)
		}
	}
	return out, nil
}

func convertContentFromAnthropic(content []anthropic.ContentBlockUnion) ([]block.Block, error) {
	out := make([]block.Block, 0, len(content))
	for _, c := range content {
		switch variant := c.AsAny().(type) {
		case anthropic.TextBlock:
			out = append(out, block.NewTextBlock(variant.Text, nil))
		case anthropic.ToolUseBlock:
			input, err := json.Marshal(variant.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: marshal tool_use input: %w", err)
			}
			out = append(out, block.NewToolUseBlock(variant.ID, variant.Name, input))
		case anthropic.ThinkingBlock:
			out = append(out, block.NewThinkingBlock(variant.Thinking, variant.Signature))
		case anthropic.RedactedThinkingBlock:
			out = append(out, block.NewRedactedThinkingBlock(variant.Data))
		default:
			// Forward-compatible: unknown server-side block kinds are dropped
			// rather than failing the whole turn.
			continue
		}
	}
	return out, nil
}

// convertToolsToAnthropic maps this runtime's ToolDef list onto the SDK's
// tool-union params, assuming each Schema is a JSON Schema object whose
// "properties"/"required" the SDK's custom-tool shape expects verbatim.
func convertToolsToAnthropic(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(d.Schema) > 0 {
			_ = json.Unmarshal(d.Schema, &schema)
		}
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		}, d.Name))
	}
	return out
}

// anthropicErrorPayload mirrors the teacher's anthropicErrorPayload for
// pulling a human message out of a non-2xx body.
type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapAnthropicError classifies an SDK error into the orchestrator's
// uniform *Error envelope, surfacing a 401 as *APIError so the loop's
// credential.RetryOn401 wrapper (spec §4.1 step (d)) can detect it.
func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Error()
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				message = payload.Error.Message
			}
		}
		return &APIError{Status: apiErr.StatusCode, ProviderType: "anthropic", Message: message}
	}
	return newErr(KindNetwork, fmt.Sprintf("anthropic request failed for model %s", model), err)
}
