// Package openai implements provider.Provider against the OpenAI Chat
// Completions API. It is also the backend for providers/grok, which
// reuses this client against xAI's OpenAI-wire-compatible endpoint.
package openai

import (
	"context"
	"cosmos/core/provider"
	"encoding/json"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// knownModels holds static metadata for GPT-series models. The Chat
// Completions API has no pricing/context-window endpoint, so this table
// is the only source of ModelInfo, same as providers/anthropic and
// providers/bedrock's static fallback tier.
var knownModels = map[string]provider.ModelInfo{
	"gpt-4o": {
		ID: "gpt-4o", Name: "GPT-4o",
		ContextWindow: 128_000, InputCostPer1M: 2.5, OutputCostPer1M: 10.0,
	},
	"gpt-4o-mini": {
		ID: "gpt-4o-mini", Name: "GPT-4o mini",
		ContextWindow: 128_000, InputCostPer1M: 0.15, OutputCostPer1M: 0.6,
	},
	"gpt-4-turbo": {
		ID: "gpt-4-turbo", Name: "GPT-4 Turbo",
		ContextWindow: 128_000, InputCostPer1M: 10.0, OutputCostPer1M: 30.0,
	},
	"o3-mini": {
		ID: "o3-mini", Name: "o3-mini",
		ContextWindow: 200_000, InputCostPer1M: 1.1, OutputCostPer1M: 4.4,
	},
}

// OpenAI implements provider.Provider using the openai-go client.
type OpenAI struct {
	client oai.Client
	models map[string]provider.ModelInfo
}

// Option configures an OpenAI provider's HTTP transport.
type Option func(*[]option.RequestOption)

// WithBaseURL overrides the default OpenAI API base URL, for pointing
// this client at an OpenAI-compatible endpoint. (providers/grok sets its
// base URL through NewWithModels instead.)
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// NewOpenAI constructs a provider for the given API key, optionally
// redirected to a compatible endpoint via WithBaseURL.
func NewOpenAI(apiKey string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: missing API key")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	models := knownModels
	for _, o := range opts {
		o(&reqOpts)
	}

	return &OpenAI{client: oai.NewClient(reqOpts...), models: models}, nil
}

// NewWithModels is NewOpenAI plus an explicit model catalog, for
// compatible backends (xAI) whose model ids don't match knownModels.
func NewWithModels(apiKey, baseURL string, models map[string]provider.ModelInfo) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: missing API key")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: oai.NewClient(reqOpts...), models: models}, nil
}

// Send starts a streaming chat completion with the model specified in req.
func (o *OpenAI) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return &openAIIterator{stream: stream}, nil
}

// ListModels returns the configured static model catalog.
func (o *OpenAI) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	models := make([]provider.ModelInfo, 0, len(o.models))
	for _, m := range o.models {
		models = append(models, m)
	}
	return models, nil
}

// CountTokens estimates token count using a rough chars-per-token ratio,
// the same approximation the rest of this module falls back on for
// providers without a reference tokenizer wired in.
func (o *OpenAI) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// IsAvailable issues a minimal chat completion to confirm the API key is
// valid and the endpoint is reachable.
func (o *OpenAI) IsAvailable(ctx context.Context) bool {
	_, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:     shared.ChatModelGPT4oMini,
		Messages:  []oai.ChatCompletionMessageParamUnion{oai.UserMessage("ping")},
		MaxTokens: param.NewOpt(int64(1)),
	})
	return classifyErr(err) == nil
}

// buildParams translates a provider.Request into Chat Completions params.
func buildParams(req provider.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg...)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return params, nil
}

// convertMessage converts a provider.Message to one or more SDK message
// params. A user message carrying tool results expands into one
// ToolMessage per result followed by the user text, since the OpenAI
// wire format represents tool results as independent "tool" messages
// rather than inline blocks (unlike Anthropic's content-block form).
func convertMessage(m provider.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case provider.RoleUser:
		var out []oai.ChatCompletionMessageParamUnion
		for _, r := range m.ToolResults {
			out = append(out, oai.ToolMessage(r.Content, r.ToolUseID))
		}
		if m.Content != "" {
			out = append(out, oai.UserMessage(m.Content))
		}
		return out, nil

	case provider.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, err := encodeArgs(tc.Input)
			if err != nil {
				return nil, err
			}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		return []oai.ChatCompletionMessageParamUnion{{OfAssistant: &asst}}, nil

	default:
		return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
	}
}

// encodeArgs marshals tool input back to the JSON string the wire format
// expects for ChatCompletionMessageToolCallFunctionParam.Arguments.
func encodeArgs(input map[string]any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encoding tool arguments: %w", err)
	}
	return string(b), nil
}

// classifyErr wraps OpenAI API errors into provider-level sentinels.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Error())
		case 401, 403:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Error())
		case 404:
			return fmt.Errorf("%w: %s", provider.ErrModelNotFound, apiErr.Error())
		case 503:
			return fmt.Errorf("%w: %s", provider.ErrModelNotReady, apiErr.Error())
		}
	}

	return fmt.Errorf("openai: %w", err)
}

// Compile-time check that OpenAI implements provider.Provider
var _ provider.Provider = (*OpenAI)(nil)
