// Package gemini implements provider.Provider against Google's Gemini
// API via the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"cosmos/core/provider"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

// knownModels holds static metadata for Gemini models; the genai SDK has
// no pricing endpoint, matching the static-catalog pattern used by
// every other provider package in this module.
var knownModels = map[string]provider.ModelInfo{
	"gemini-2.0-flash": {
		ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash",
		ContextWindow: 1_000_000, InputCostPer1M: 0.1, OutputCostPer1M: 0.4,
	},
	"gemini-1.5-pro": {
		ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro",
		ContextWindow: 2_000_000, InputCostPer1M: 1.25, OutputCostPer1M: 5.0,
	},
	"gemini-1.5-flash": {
		ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash",
		ContextWindow: 1_000_000, InputCostPer1M: 0.075, OutputCostPer1M: 0.3,
	},
}

// Gemini implements provider.Provider using the genai SDK.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider for the given Google AI API key.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: missing API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Send starts a streaming generation with the model specified in req.
func (g *Gemini) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	stream := g.client.Models.GenerateContentStream(ctx, req.Model, contents, buildConfig(req))
	next, stop := iterSeq2(stream)
	return &geminiIterator{next: next, stop: stop}, nil
}

// ListModels returns the static catalog of known Gemini models.
func (g *Gemini) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	models := make([]provider.ModelInfo, 0, len(knownModels))
	for _, m := range knownModels {
		models = append(models, m)
	}
	return models, nil
}

// CountTokens estimates token count using a rough chars-per-token ratio.
func (g *Gemini) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// IsAvailable performs a minimal generation request to confirm the API
// key is valid and the service is reachable.
func (g *Gemini) IsAvailable(ctx context.Context) bool {
	_, err := g.client.Models.GenerateContent(ctx, "gemini-2.0-flash",
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: "ping"}}}},
		&genai.GenerateContentConfig{MaxOutputTokens: 1})
	return err == nil
}

// buildConfig translates request-level settings into GenerateContentConfig.
func buildConfig(req provider.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = convertTools(req.Tools)
	}
	return config
}

// convertMessages converts provider.Message history into Gemini's Content
// form. Tool results arrive as FunctionResponse parts on a user-role
// Content, and tool calls as FunctionCall parts on a model-role Content,
// since Gemini has no dedicated "tool" role.
func convertMessages(messages []provider.Message) ([]*genai.Content, error) {
	result := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case provider.RoleUser:
			content.Role = genai.RoleUser
		case provider.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			return nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Input},
			})
		}
		for _, tr := range m.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolNameForResult(messages, tr.ToolUseID), Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

// toolNameForResult looks up the tool name a result belongs to by
// scanning prior messages for the originating ToolCall, since Gemini's
// FunctionResponse is keyed by name rather than call id.
func toolNameForResult(messages []provider.Message, toolUseID string) string {
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == toolUseID {
				return tc.Name
			}
		}
	}
	return ""
}

// convertTools converts provider.ToolDefinition to Gemini's function
// declaration schema.
func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromMap(t.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaFromMap builds a genai.Schema from the JSON-Schema-shaped map
// used everywhere else in this module for tool parameter definitions.
func schemaFromMap(m map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ps := &genai.Schema{}
			if t, ok := prop["type"].(string); ok {
				ps.Type = genaiType(t)
			}
			if d, ok := prop["description"].(string); ok {
				ps.Description = d
			}
			schema.Properties[name] = ps
		}
	}
	if req, ok := m["required"].([]string); ok {
		schema.Required = req
	}
	return schema
}

func genaiType(jsonType string) genai.Type {
	switch strings.ToLower(jsonType) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// Compile-time check that Gemini implements provider.Provider
var _ provider.Provider = (*Gemini)(nil)
