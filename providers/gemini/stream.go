package gemini

import (
	"cosmos/core/provider"
	"encoding/json"
	"io"

	"google.golang.org/genai"
)

// iterSeq2Result carries one step of the underlying iter.Seq2 pulled
// onto a channel, since genai's GenerateContentStream yields a push-style
// Go 1.23 iterator but provider.StreamIterator is pull-style.
type iterSeq2Result struct {
	resp *genai.GenerateContentResponse
	err  error
}

// iterSeq2 drives the SDK's iter.Seq2 on its own goroutine and exposes a
// next()/stop() pull interface the rest of this package consumes.
func iterSeq2(seq func(func(*genai.GenerateContentResponse, error) bool)) (next func() (iterSeq2Result, bool), stop func()) {
	results := make(chan iterSeq2Result)
	done := make(chan struct{})

	go func() {
		defer close(results)
		seq(func(resp *genai.GenerateContentResponse, err error) bool {
			select {
			case results <- iterSeq2Result{resp: resp, err: err}:
				return true
			case <-done:
				return false
			}
		})
	}()

	var closed bool
	return func() (iterSeq2Result, bool) {
			r, ok := <-results
			return r, ok
		}, func() {
			if !closed {
				closed = true
				close(done)
			}
		}
}

// geminiIterator adapts the SDK's content stream to provider.StreamIterator.
// Gemini has no explicit tool-call start/delta/end sequence: a function
// call arrives whole in one Part, so ToolStart/ToolDelta/ToolEnd are
// synthesized back-to-back for each call.
type geminiIterator struct {
	next func() (iterSeq2Result, bool)
	stop func()

	pending []provider.StreamChunk
	usage   provider.Usage
	done    bool
}

// Next returns the next translated chunk, or io.EOF once the stream ends.
func (it *geminiIterator) Next() (provider.StreamChunk, error) {
	if len(it.pending) > 0 {
		c := it.pending[0]
		it.pending = it.pending[1:]
		return c, nil
	}
	if it.done {
		return provider.StreamChunk{}, io.EOF
	}

	for {
		result, ok := it.next()
		if !ok {
			it.done = true
			usage := it.usage
			return provider.StreamChunk{Event: provider.EventMessageStop, StopReason: "stop", Usage: &usage}, nil
		}
		if result.err != nil {
			it.done = true
			return provider.StreamChunk{}, result.err
		}
		resp := result.resp
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			it.usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			it.usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		var out []provider.StreamChunk
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out = append(out, provider.StreamChunk{Event: provider.EventTextDelta, Text: part.Text})
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.Name
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					out = append(out,
						provider.StreamChunk{Event: provider.EventToolStart, ToolCallID: id, ToolName: part.FunctionCall.Name},
						provider.StreamChunk{Event: provider.EventToolDelta, ToolCallID: id, InputDelta: string(args)},
						provider.StreamChunk{Event: provider.EventToolEnd, ToolCallID: id},
					)
				}
			}
		}

		if len(out) == 0 {
			continue
		}
		it.pending = out[1:]
		return out[0], nil
	}
}

// Close stops the background iterator goroutine.
func (it *geminiIterator) Close() error {
	it.stop()
	return nil
}

var _ provider.StreamIterator = (*geminiIterator)(nil)
