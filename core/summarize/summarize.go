// Package summarize compresses a session's older message history into a
// Summary so the Context Assembler can keep participant windows within
// budget without silently dropping information. It generalizes the
// compaction logic of the original single-participant loop to run
// per-session rather than per-model, and to produce durable core.Summary
// records instead of rewriting in-memory history in place.
package summarize

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cosmos/core"
	"cosmos/core/provider"
)

// DefaultThresholdTokens is the cumulative-token point at which a session
// is considered due for summarization.
const DefaultThresholdTokens = 50_000

// preserveRecent mirrors the original loop's compactionPreserveRecent:
// the tail of history kept verbatim, never folded into a summary.
const preserveRecent = 4

const promptTemplate = `You are tasked with summarizing a multi-participant conversation to reduce token usage while preserving all critical information.

**Guidelines:**
- Preserve all technical decisions, code snippets, file paths, and function names
- Attribute statements to the participant who made them
- Maintain chronological order of key developments
- Omit pleasantries, redundant explanations, and off-topic tangents
- Use concise technical language
- Target length: ~25%% of original

**Conversation to Summarize:**
%s

**Instructions:**
Provide a dense, technical summary that captures:
1. Main objectives and problems addressed
2. Key decisions made, attributed to participants
3. Code changes and their locations
4. Current state and next steps

Write the summary in markdown format. Be extremely concise.`

// Summarizer generates Summary records for a session's message history
// using a designated participant's model as the summarizing LLM.
type Summarizer struct {
	provider  provider.Provider
	model     string
	threshold int
}

// New creates a Summarizer. threshold <= 0 uses DefaultThresholdTokens.
func New(prov provider.Provider, model string, threshold int) *Summarizer {
	if threshold <= 0 {
		threshold = DefaultThresholdTokens
	}
	return &Summarizer{provider: prov, model: model, threshold: threshold}
}

// Due reports whether cumulative token usage since the last summary
// warrants generating a new one.
func (s *Summarizer) Due(cumulativeTokens int) bool {
	return cumulativeTokens >= s.threshold
}

// Generate produces a new Summary, preserving the most recent
// preserveRecent messages untouched and skipping any message already
// covered by a prior summary (Superseded). kind is SummaryFull when
// this summary should retire every prior summary (both full and
// incremental) and cover the whole uncovered range, or
// SummaryIncremental when it should fold only the oldest ~50% of the
// uncovered range, leaving the newer half for a later pass.
func (s *Summarizer) Generate(ctx context.Context, sessionID string, messages []core.Message, kind core.SummaryKind) (*core.Summary, error) {
	candidates := uncoveredMessages(messages)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("summarize: no uncovered messages to summarize")
	}

	cut := len(candidates) - preserveRecent
	if cut <= 0 {
		return nil, fmt.Errorf("summarize: insufficient uncovered history to summarize (%d messages)", len(candidates))
	}
	toSummarize := candidates[:cut]

	if kind == core.SummaryIncremental {
		half := (len(toSummarize) + 1) / 2
		if half <= 0 {
			return nil, fmt.Errorf("summarize: insufficient uncovered history for an incremental pass")
		}
		toSummarize = toSummarize[:half]
	}

	prompt := fmt.Sprintf(promptTemplate, formatMessages(toSummarize))
	req := provider.Request{
		Model:  s.model,
		System: "You are a technical summarizer for a multi-model coding assistant.",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: prompt},
		},
		MaxTokens: 2048,
	}

	iter, err := s.provider.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("summarize: request failed: %w", err)
	}
	defer iter.Close()

	var content strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("summarize: stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			content.WriteString(chunk.Text)
		}
	}

	return &core.Summary{
		SessionID:      sessionID,
		Kind:           kind,
		Content:        content.String(),
		FirstMessageID: toSummarize[0].ID,
		LastMessageID:  toSummarize[len(toSummarize)-1].ID,
		TokenCount:     s.provider.CountTokens(content.String()),
	}, nil
}

// MarkSuperseded flags every message in history up to and including
// upToMessageID as Superseded, so the Context Assembler excludes them in
// favor of the summary that now represents them. Pinned messages are
// never marked: they stay in every future context window even when
// they fall inside a summarized range. Returns the number of messages
// actually marked.
func MarkSuperseded(history []core.Message, upToMessageID string) int {
	n := 0
	for i := range history {
		if !history[i].Pinned {
			history[i].Superseded = true
			n++
		}
		if history[i].ID == upToMessageID {
			break
		}
	}
	return n
}

// uncoveredMessages returns the messages not already folded into an
// earlier summary, preserving order.
func uncoveredMessages(messages []core.Message) []core.Message {
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if !m.Superseded {
			out = append(out, m)
		}
	}
	return out
}

func formatMessages(messages []core.Message) string {
	var b strings.Builder
	for _, m := range messages {
		speaker := string(m.Role)
		if m.Role == core.RoleAssistant && m.AuthorModel != "" {
			speaker = m.AuthorModel
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", speaker, m.Content)

		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n[Tool: %s]\n", tc.Name)
		}
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&b, "\n[Tool Result]\n%s\n", tr.Content)
		}
	}
	return b.String()
}
