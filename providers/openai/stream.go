package openai

import (
	"cosmos/core/provider"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// openAIIterator adapts the SDK's chat-completion chunk stream to
// provider.StreamIterator. Unlike Anthropic's explicit block-start/stop
// events, OpenAI streams tool calls as index-keyed fragments with no
// dedicated start/end marker, so start/end are synthesized here: a
// ToolStart fires the first time an index is seen, ToolEnd fires once
// the stream reports a finish_reason.
type openAIIterator struct {
	stream  *ssestream.Stream[oai.ChatCompletionChunk]
	seen    map[int64]string // tool-call index -> id, for synthesized start/end
	pending []provider.StreamChunk
	usage   provider.Usage
	done    bool
}

// Next returns the next translated chunk, or io.EOF once the stream ends.
func (it *openAIIterator) Next() (provider.StreamChunk, error) {
	if len(it.pending) > 0 {
		c := it.pending[0]
		it.pending = it.pending[1:]
		return c, nil
	}
	if it.done {
		return provider.StreamChunk{}, io.EOF
	}
	if it.seen == nil {
		it.seen = make(map[int64]string)
	}

	for it.stream.Next() {
		chunk := it.stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			it.usage.InputTokens = int(chunk.Usage.PromptTokens)
			it.usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		var out []provider.StreamChunk
		if delta.Content != "" {
			out = append(out, provider.StreamChunk{Event: provider.EventTextDelta, Text: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			id, known := it.seen[idx]
			if !known {
				id = tc.ID
				it.seen[idx] = id
				out = append(out, provider.StreamChunk{
					Event:      provider.EventToolStart,
					ToolCallID: id,
					ToolName:   tc.Function.Name,
				})
			}
			if tc.Function.Arguments != "" {
				out = append(out, provider.StreamChunk{
					Event:      provider.EventToolDelta,
					ToolCallID: id,
					InputDelta: tc.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != "" {
			for idx, id := range it.seen {
				out = append(out, provider.StreamChunk{Event: provider.EventToolEnd, ToolCallID: id})
				delete(it.seen, idx)
			}
			usage := it.usage
			out = append(out, provider.StreamChunk{
				Event:      provider.EventMessageStop,
				StopReason: string(choice.FinishReason),
				Usage:      &usage,
			})
			it.done = true
		}

		if len(out) == 0 {
			continue
		}
		it.pending = out[1:]
		return out[0], nil
	}

	if err := it.stream.Err(); err != nil {
		return provider.StreamChunk{}, classifyErr(err)
	}

	it.done = true
	return provider.StreamChunk{}, io.EOF
}

// Close releases the underlying HTTP connection.
func (it *openAIIterator) Close() error {
	return it.stream.Close()
}

var _ provider.StreamIterator = (*openAIIterator)(nil)
