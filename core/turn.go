package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cosmos/core/mention"
	"cosmos/core/provider"
	"cosmos/core/speaker"
	"cosmos/core/summarize"
	"cosmos/core/turnorder"
	"cosmos/core/window"

	"github.com/google/uuid"
)

// defaultContextWindow is the fallback context budget used when a
// participant's model isn't found in its provider's ListModels catalog.
const defaultContextWindow = 100_000

// pendingToolCall accumulates streaming fragments for a single tool call.
type pendingToolCall struct {
	id        string
	name      string
	inputJSON strings.Builder
}

// TurnStore is the narrow persistence dependency the Turn Executor
// needs: appending and reading a session's message history, tracking
// pins, and recording/retrieving summaries. core/store implements the
// full Persistence Layer contract, including this interface.
type TurnStore interface {
	AppendMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	PinnedIDs(ctx context.Context, sessionID string) (map[string]bool, error)
	LatestSummary(ctx context.Context, sessionID string) (*Summary, error)
	AddSummary(ctx context.Context, summary Summary) error
}

// TurnResult summarizes one completed turn for the caller.
type TurnResult struct {
	SpeakerOrder []string
	Messages     []Message // messages appended this turn, in commit order
}

// TurnExecutor runs one group-chat turn end to end: should-speak
// evaluation, ordering, per-participant context assembly, sequential
// generation with tool dispatch, and post-turn summarization. It
// supersedes the single-participant Session/processUserMessage loop,
// generalizing the same streaming-and-tool-dispatch shape to many
// participants speaking in sequence within a turn.
type TurnExecutor struct {
	Participants []Participant
	ToolDefs     []provider.ToolDefinition
	ToolLoop     *ToolLoop
	Store        TurnStore
	Notifier     Notifier
	Tracker      *Tracker
	Summarizer   *summarize.Summarizer

	Strategy     turnorder.Strategy
	FixedOrder   []string
	Rotator      *turnorder.Rotator
	Threshold    float64
	EvalDeadline time.Duration
	Iterations   int // per-participant tool round trips; 0 = DefaultToolIterations

	modelInfo map[string]*provider.ModelInfo // participant id -> cached ModelInfo
}

// RunTurn processes one user message through a full group-chat turn.
func (t *TurnExecutor) RunTurn(ctx context.Context, sessionID, userText string) (TurnResult, error) {
	known := make(map[string]bool, len(t.Participants))
	for _, p := range t.Participants {
		if p.Enabled {
			known[p.ID] = true
		}
	}
	forced, cleaned := mention.Parse(userText, known)

	userMsg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   cleaned,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.Store.AppendMessage(ctx, userMsg); err != nil {
		return TurnResult{}, fmt.Errorf("turn: append user message: %w", err)
	}
	committed := []Message{userMsg}

	t.notify(ThinkingEvent{})

	history, err := t.Store.Messages(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("turn: load history: %w", err)
	}

	for _, p := range t.Participants {
		if p.Enabled {
			t.notify(EvaluatingEvent{ParticipantID: p.ID})
		}
	}
	decisions := speaker.Evaluate(ctx, t.Participants, history, cleaned, forced, t.Threshold, t.EvalDeadline)

	var speaking []decisionEntry
	for _, d := range decisions {
		if d.ShouldSpeak {
			t.notify(WillSpeakEvent{ParticipantID: d.ParticipantID, Confidence: d.Confidence, Mentioned: d.Mentioned})
			speaking = append(speaking, decisionEntry{d})
		} else {
			t.notify(WillStaySilentEvent{ParticipantID: d.ParticipantID, Reason: d.Reason})
		}
	}

	speakDecisions := make([]SpeakerDecision, len(speaking))
	for i, s := range speaking {
		speakDecisions[i] = s.SpeakerDecision
	}
	order := turnorder.Order(t.Strategy, speakDecisions, t.FixedOrder, t.Rotator)

	var speakerOrder []string
	for _, d := range order {
		p, ok := t.participantByID(d.ParticipantID)
		if !ok {
			continue
		}
		speakerOrder = append(speakerOrder, p.ID)

		msgs, err := t.runParticipantTurn(ctx, sessionID, p, history)
		if err != nil {
			t.notify(ParticipantErrorEvent{
				ParticipantID: p.ID,
				Kind:          classifyTurnError(err),
				Message:       err.Error(),
				Recoverable:   true,
			})
			continue
		}
		committed = append(committed, msgs...)
		history = append(history, msgs...)
	}

	t.notify(TurnCompleteEvent{SpeakerOrder: speakerOrder})
	t.maybeSummarize(ctx, sessionID, history)

	return TurnResult{SpeakerOrder: speakerOrder, Messages: committed}, nil
}

// RetrySpeaker re-runs a single participant's generation at the tail of
// an existing session, as if that participant had been in the prior
// turn's speaking set. It is the recovery path for a recoverable
// per-speaker ERROR: the caller names the participant that failed and
// RetrySpeaker replays just its context-assembly-through-generation
// step against the session's current history, without re-evaluating or
// re-ordering any other participant.
func (t *TurnExecutor) RetrySpeaker(ctx context.Context, sessionID, participantID string) (TurnResult, error) {
	p, ok := t.participantByID(participantID)
	if !ok {
		return TurnResult{}, fmt.Errorf("retry_speaker: unknown participant %q", participantID)
	}

	history, err := t.Store.Messages(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("retry_speaker: load history: %w", err)
	}

	t.notify(EvaluatingEvent{ParticipantID: p.ID})
	t.notify(WillSpeakEvent{ParticipantID: p.ID, Confidence: 1.0, Mentioned: true})

	msgs, err := t.runParticipantTurn(ctx, sessionID, p, history)
	if err != nil {
		t.notify(ParticipantErrorEvent{
			ParticipantID: p.ID,
			Kind:          classifyTurnError(err),
			Message:       err.Error(),
			Recoverable:   true,
		})
		return TurnResult{}, err
	}

	history = append(history, msgs...)
	t.notify(TurnCompleteEvent{SpeakerOrder: []string{p.ID}})
	t.maybeSummarize(ctx, sessionID, history)

	return TurnResult{SpeakerOrder: []string{p.ID}, Messages: msgs}, nil
}

// decisionEntry wraps SpeakerDecision to give runParticipantTurn's caller
// a named type distinct from the raw evaluator output.
type decisionEntry struct{ SpeakerDecision }

// runParticipantTurn drives one participant's streamed generation,
// including any tool-call round trips, and returns the messages it
// appended (assistant response, plus a tool-result message per round).
func (t *TurnExecutor) runParticipantTurn(ctx context.Context, sessionID string, p Participant, history []Message) ([]Message, error) {
	pinned, err := t.Store.PinnedIDs(ctx, sessionID)
	if err != nil {
		pinned = map[string]bool{}
	}
	summary, err := t.Store.LatestSummary(ctx, sessionID)
	if err != nil {
		summary = nil
	}

	budget := t.contextBudget(ctx, p)
	countTokens := func(s string) int { return p.Client.CountTokens(s) }

	t.notify(ResponseStartEvent{ParticipantID: p.ID})

	var appended []Message
	iterations := t.Iterations
	if iterations <= 0 {
		iterations = DefaultToolIterations
	}

	workingHistory := history
	for round := 0; round < iterations; round++ {
		windowed, _ := window.Assemble(workingHistory, p.SystemMsg, countTokens, budget, pinned, summary)
		// windowed[0] is always the system prompt (window.Assemble's
		// contract); it's sent via req.System instead of as a message.
		req := provider.Request{
			Model:     p.Model,
			System:    p.SystemMsg,
			Messages:  toProviderMessages(windowed[1:]),
			Tools:     t.ToolDefs,
			MaxTokens: p.MaxTokens,
		}

		text, toolCalls, usage, stopReason, err := streamOnce(ctx, p.Client, req, func(delta string) {
			t.notify(ResponseChunkEvent{ParticipantID: p.ID, Text: delta})
		})
		if err != nil {
			return appended, err
		}
		if usage != nil && t.Tracker != nil {
			if info := t.cachedModelInfo(p); info != nil {
				t.Tracker.Record(*info, *usage, Source(p.ID))
			}
		}

		assistantMsg := Message{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Role:        RoleAssistant,
			AuthorModel: p.ID,
			Content:     text,
			ToolCalls:   toCoreToolCalls(toolCalls),
			CreatedAt:   time.Now().UTC(),
		}
		if err := t.Store.AppendMessage(ctx, assistantMsg); err != nil {
			return appended, fmt.Errorf("append assistant message: %w", err)
		}
		appended = append(appended, assistantMsg)
		workingHistory = append(workingHistory, assistantMsg)

		if stopReason != "tool_use" || len(toolCalls) == 0 {
			t.notify(ResponseCompleteEvent{ParticipantID: p.ID, MessageID: assistantMsg.ID})
			return appended, nil
		}

		results := t.ToolLoop.Run(ctx, p.ID, toolCalls)
		toolMsg := Message{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Role:        RoleTool,
			AuthorModel: p.ID,
			ToolResults: toCoreToolResults(results),
			CreatedAt:   time.Now().UTC(),
		}
		if err := t.Store.AppendMessage(ctx, toolMsg); err != nil {
			return appended, fmt.Errorf("append tool result message: %w", err)
		}
		appended = append(appended, toolMsg)
		workingHistory = append(workingHistory, toolMsg)
	}

	t.notify(ParticipantErrorEvent{
		ParticipantID: p.ID,
		Kind:          "tool_iteration_limit",
		Message:       fmt.Sprintf("exceeded %d tool round trips without a final response", iterations),
		Recoverable:   true,
	})
	t.notify(ResponseCompleteEvent{ParticipantID: p.ID})
	return appended, nil
}

// maybeSummarize triggers a new Summary when cumulative usage crosses
// the Summarizer's threshold, and marks the summarized range Superseded
// so the Context Assembler stops including it.
func (t *TurnExecutor) maybeSummarize(ctx context.Context, sessionID string, history []Message) {
	if t.Summarizer == nil || t.Tracker == nil {
		return
	}
	snap := t.Tracker.Snapshot()
	if !t.Summarizer.Due(snap.TotalInputTokens + snap.TotalOutputTokens) {
		return
	}
	// Automatic threshold trips fold only the oldest half of uncovered
	// history, leaving the newer half for a later pass; a full
	// resummarization is a separate, not-yet-automatic operation.
	summary, err := t.Summarizer.Generate(ctx, sessionID, history, SummaryIncremental)
	if err != nil {
		return
	}
	if err := t.Store.AddSummary(ctx, *summary); err != nil {
		return
	}
	summarize.MarkSuperseded(history, summary.LastMessageID)
}

func (t *TurnExecutor) participantByID(id string) (Participant, bool) {
	for _, p := range t.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// contextBudget resolves a participant's context window size, caching
// the underlying ListModels lookup per participant for the life of the
// executor.
func (t *TurnExecutor) contextBudget(ctx context.Context, p Participant) int {
	if info := t.cachedModelInfo(p); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return defaultContextWindow
}

func (t *TurnExecutor) cachedModelInfo(p Participant) *provider.ModelInfo {
	if t.modelInfo == nil {
		t.modelInfo = make(map[string]*provider.ModelInfo)
	}
	if info, ok := t.modelInfo[p.ID]; ok {
		return info
	}
	models, err := p.Client.ListModels(context.Background())
	if err != nil {
		t.modelInfo[p.ID] = nil
		return nil
	}
	for _, m := range models {
		if m.ID == p.Model {
			info := m
			t.modelInfo[p.ID] = &info
			return &info
		}
	}
	t.modelInfo[p.ID] = nil
	return nil
}

func (t *TurnExecutor) notify(event any) {
	if t.Notifier != nil {
		t.Notifier.Send(event)
	}
}

// streamOnce drains one provider round trip, invoking onDelta for each
// text fragment and returning the accumulated text, any requested tool
// calls, usage, and stop reason.
func streamOnce(ctx context.Context, client provider.Provider, req provider.Request, onDelta func(string)) (string, []provider.ToolCall, *provider.Usage, string, error) {
	iter, err := client.Send(ctx, req)
	if err != nil {
		return "", nil, nil, "", fmt.Errorf("provider send failed: %w", err)
	}
	defer iter.Close()

	var fullText strings.Builder
	var toolCalls []provider.ToolCall
	var pending *pendingToolCall
	var usage *provider.Usage
	var stopReason string

	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, nil, "", fmt.Errorf("stream error: %w", err)
		}

		switch chunk.Event {
		case provider.EventTextDelta:
			fullText.WriteString(chunk.Text)
			onDelta(chunk.Text)
		case provider.EventToolStart:
			pending = &pendingToolCall{id: chunk.ToolCallID, name: chunk.ToolName}
		case provider.EventToolDelta:
			if pending != nil {
				pending.inputJSON.WriteString(chunk.InputDelta)
			}
		case provider.EventToolEnd:
			if pending != nil {
				var input map[string]any
				if raw := pending.inputJSON.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						input = map[string]any{"_raw": raw}
					}
				}
				toolCalls = append(toolCalls, provider.ToolCall{ID: pending.id, Name: pending.name, Input: input})
				pending = nil
			}
		case provider.EventMessageStop:
			usage = chunk.Usage
			stopReason = chunk.StopReason
		}
	}
	return fullText.String(), toolCalls, usage, stopReason, nil
}

func classifyTurnError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrThrottled):
		return "throttled"
	case errors.Is(err, provider.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, provider.ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, provider.ErrModelNotReady):
		return "model_not_ready"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func toProviderMessages(messages []Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		role := provider.RoleUser
		if m.Role == RoleAssistant {
			role = provider.RoleAssistant
		}
		pm := provider.Message{Role: role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		for _, tr := range m.ToolResults {
			pm.ToolResults = append(pm.ToolResults, provider.ToolResult{ToolUseID: tr.InvocationID, Content: tr.Content, IsError: tr.IsError})
		}
		out = append(out, pm)
	}
	return out
}

func toCoreToolCalls(calls []provider.ToolCall) []ToolInvocation {
	out := make([]ToolInvocation, len(calls))
	for i, tc := range calls {
		out[i] = ToolInvocation{ID: tc.ID, Name: tc.Name, Input: tc.Input}
	}
	return out
}

func toCoreToolResults(results []provider.ToolResult) []ToolOutcome {
	out := make([]ToolOutcome, len(results))
	for i, tr := range results {
		out[i] = ToolOutcome{InvocationID: tr.ToolUseID, Content: tr.Content, IsError: tr.IsError}
	}
	return out
}
