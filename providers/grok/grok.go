// Package grok provides the "grok" participant backend. xAI's Grok API
// is OpenAI-wire-compatible, so this package does not implement its own
// client: it reconfigures providers/openai's client against xAI's base
// URL, the same way other backends in this module share a transport
// across participants (providers/bedrock serves every Claude model
// through one AWS client).
package grok

import (
	"cosmos/core/provider"
	"cosmos/providers/openai"
)

const defaultBaseURL = "https://api.x.ai/v1"

// knownModels holds static metadata for Grok models. xAI has no
// pricing/context-window endpoint either, so this mirrors the static
// catalog pattern used by every other provider package in this module.
var knownModels = map[string]provider.ModelInfo{
	"grok-3": {
		ID: "grok-3", Name: "Grok 3",
		ContextWindow: 131_072, InputCostPer1M: 3.0, OutputCostPer1M: 15.0,
	},
	"grok-3-mini": {
		ID: "grok-3-mini", Name: "Grok 3 Mini",
		ContextWindow: 131_072, InputCostPer1M: 0.3, OutputCostPer1M: 0.5,
	},
}

// NewGrok constructs a provider for the given xAI API key. baseURL
// overrides defaultBaseURL when non-empty, for testing against a local
// compatible server.
func NewGrok(apiKey, baseURL string) (provider.Provider, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openai.NewWithModels(apiKey, baseURL, knownModels)
}
