// Package anthropic implements provider.Provider against the native
// Anthropic Messages API (as opposed to providers/bedrock, which reaches
// the same models through AWS).
package anthropic

import (
	"context"
	"cosmos/core/provider"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// knownModels holds static metadata for Claude models served from the
// native API. Unlike Bedrock's ListFoundationModels, the Anthropic API
// has no models-list endpoint with pricing/context data, so this table
// is the only source of ModelInfo.
var knownModels = map[string]provider.ModelInfo{
	"claude-3-5-haiku-20241022": {
		ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku",
		ContextWindow: 200_000, InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	},
	"claude-3-5-sonnet-20241022": {
		ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet",
		ContextWindow: 200_000, InputCostPer1M: 3.0, OutputCostPer1M: 15.0,
	},
	"claude-sonnet-4-20250514": {
		ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4",
		ContextWindow: 200_000, InputCostPer1M: 3.0, OutputCostPer1M: 15.0,
	},
	"claude-opus-4-20250514": {
		ID: "claude-opus-4-20250514", Name: "Claude Opus 4",
		ContextWindow: 200_000, InputCostPer1M: 15.0, OutputCostPer1M: 75.0,
	},
}

// Anthropic implements provider.Provider using the anthropic-sdk-go client.
type Anthropic struct {
	client *sdk.Client
}

// NewAnthropic creates an Anthropic provider for the given API key.
func NewAnthropic(apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: missing API key")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client}, nil
}

// Send starts a streaming conversation with the model specified in req.
func (a *Anthropic) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	params, err := buildMessageParams(req)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	return &anthropicIterator{stream: stream}, nil
}

// ListModels returns the static catalog of known Claude models.
func (a *Anthropic) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	models := make([]provider.ModelInfo, 0, len(knownModels))
	for _, m := range knownModels {
		models = append(models, m)
	}
	return models, nil
}

// CountTokens estimates token count using the same character heuristic
// used throughout this module for context-budget accounting.
func (a *Anthropic) CountTokens(text string) int {
	return int(float64(len(text)) / 1.2 * 1.1)
}

// IsAvailable performs a minimal, cheap request to confirm the API key
// is valid and the service is reachable.
func (a *Anthropic) IsAvailable(ctx context.Context) bool {
	_, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.ModelClaude3_5HaikuLatest,
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	return classifyErr(err) == nil
}

// buildMessageParams translates a provider.Request into the SDK's
// MessageNewParams, encoding history, tool definitions, and tool results
// the way the Anthropic wire format expects them.
func buildMessageParams(req provider.Request) (sdk.MessageNewParams, error) {
	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleUser:
			blocks := userBlocks(m)
			messages = append(messages, sdk.NewUserMessage(blocks...))
		case provider.RoleAssistant:
			blocks := assistantBlocks(m)
			messages = append(messages, sdk.NewAssistantMessage(blocks...))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
				ExtraFields: t.InputSchema,
			}, t.Name)
			tool.OfTool.Description = sdk.String(t.Description)
			params.Tools = append(params.Tools, tool)
		}
	}
	return params, nil
}

func userBlocks(m provider.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	for _, r := range m.ToolResults {
		blocks = append(blocks, sdk.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
	}
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	return blocks
}

func assistantBlocks(m provider.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, c := range m.ToolCalls {
		blocks = append(blocks, sdk.NewToolUseBlock(c.ID, c.Input, c.Name))
	}
	return blocks
}

// classifyErr wraps Anthropic API errors into provider-level sentinels.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Error())
		case 401, 403:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Error())
		case 404:
			return fmt.Errorf("%w: %s", provider.ErrModelNotFound, apiErr.Error())
		case 529:
			return fmt.Errorf("%w: %s", provider.ErrModelNotReady, apiErr.Error())
		}
	}

	return fmt.Errorf("anthropic: %w", err)
}

// Compile-time check that Anthropic implements provider.Provider
var _ provider.Provider = (*Anthropic)(nil)
