package anthropic

import (
	"cosmos/core/provider"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// anthropicIterator adapts the SDK's SSE stream to provider.StreamIterator,
// tracking which content-block index is currently a tool_use block so text
// and tool-input deltas are routed correctly.
type anthropicIterator struct {
	stream       *ssestream.Stream[sdk.MessageStreamEventUnion]
	toolIndex    map[int64]string // block index -> tool call id, for active tool_use blocks
	usage        provider.Usage
	pendingStop  string
	done         bool
}

// Next returns the next translated chunk, or io.EOF once the stream ends.
func (it *anthropicIterator) Next() (provider.StreamChunk, error) {
	if it.done {
		return provider.StreamChunk{}, io.EOF
	}
	if it.toolIndex == nil {
		it.toolIndex = make(map[int64]string)
	}

	for it.stream.Next() {
		event := it.stream.Current()

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tb, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				it.toolIndex[ev.Index] = tb.ID
				return provider.StreamChunk{
					Event:      provider.EventToolStart,
					ToolCallID: tb.ID,
					ToolName:   tb.Name,
				}, nil
			}

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				return provider.StreamChunk{
					Event: provider.EventTextDelta,
					Text:  delta.Text,
				}, nil
			case sdk.InputJSONDelta:
				return provider.StreamChunk{
					Event:      provider.EventToolDelta,
					ToolCallID: it.toolIndex[ev.Index],
					InputDelta: delta.PartialJSON,
				}, nil
			}

		case sdk.ContentBlockStopEvent:
			if id, ok := it.toolIndex[ev.Index]; ok {
				delete(it.toolIndex, ev.Index)
				return provider.StreamChunk{
					Event:      provider.EventToolEnd,
					ToolCallID: id,
				}, nil
			}

		case sdk.MessageDeltaEvent:
			it.pendingStop = string(ev.Delta.StopReason)
			it.usage.InputTokens = int(ev.Usage.InputTokens)
			it.usage.OutputTokens = int(ev.Usage.OutputTokens)

		case sdk.MessageStopEvent:
			it.done = true
			usage := it.usage
			return provider.StreamChunk{
				Event:      provider.EventMessageStop,
				StopReason: it.pendingStop,
				Usage:      &usage,
			}, nil
		}
	}

	if err := it.stream.Err(); err != nil {
		return provider.StreamChunk{}, classifyErr(err)
	}

	it.done = true
	return provider.StreamChunk{}, io.EOF
}

// Close releases the underlying HTTP connection.
func (it *anthropicIterator) Close() error {
	return it.stream.Close()
}

var _ provider.StreamIterator = (*anthropicIterator)(nil)
