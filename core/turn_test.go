package core

import (
	"context"
	"io"
	"testing"

	"cosmos/core/provider"
	"cosmos/core/store"
	"cosmos/core/turnorder"
)

// turnFakeToolExecutor returns a fixed result for every tool call, recording
// the names it was asked to run.
type turnFakeToolExecutor struct {
	result string
	calls  []string
}

func (f *turnFakeToolExecutor) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	return f.result, nil
}

// turnFakeToolCallProvider emits one tool call on its first round, then a
// plain text reply once it sees a tool-result message in the request.
type turnFakeToolCallProvider struct {
	toolName string
	reply    string
}

func (f *turnFakeToolCallProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	for _, m := range req.Messages {
		if len(m.ToolResults) > 0 {
			return &turnFakeIterator{chunks: []provider.StreamChunk{
				{Event: provider.EventTextDelta, Text: f.reply},
				{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 5, OutputTokens: 3}},
			}}, nil
		}
	}
	return &turnFakeIterator{chunks: []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "call-1", ToolName: f.toolName},
		{Event: provider.EventToolDelta, InputDelta: `{}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 5, OutputTokens: 3}},
	}}, nil
}
func (f *turnFakeToolCallProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "test-model", ContextWindow: 100_000}}, nil
}
func (f *turnFakeToolCallProvider) CountTokens(text string) int { return len(text) }
func (f *turnFakeToolCallProvider) IsAvailable(ctx context.Context) bool { return true }

type turnFakeIterator struct {
	chunks []provider.StreamChunk
	i      int
}

func (f *turnFakeIterator) Next() (provider.StreamChunk, error) {
	if f.i >= len(f.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *turnFakeIterator) Close() error { return nil }

// turnFakeLoopingToolCallProvider always replies with a tool call,
// never reaching a natural (non-tool_use) stop — used to exercise the
// per-participant tool-iteration cap.
type turnFakeLoopingToolCallProvider struct {
	toolName string
	calls    int
}

func (f *turnFakeLoopingToolCallProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	f.calls++
	return &turnFakeIterator{chunks: []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "call-1", ToolName: f.toolName},
		{Event: provider.EventToolDelta, InputDelta: `{}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 5, OutputTokens: 3}},
	}}, nil
}
func (f *turnFakeLoopingToolCallProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "test-model", ContextWindow: 100_000}}, nil
}
func (f *turnFakeLoopingToolCallProvider) CountTokens(text string) int      { return len(text) }
func (f *turnFakeLoopingToolCallProvider) IsAvailable(ctx context.Context) bool { return true }

type turnFakeProvider struct {
	reply string
}

func (f *turnFakeProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	return &turnFakeIterator{chunks: []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: f.reply},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}}, nil
}
func (f *turnFakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "test-model", ContextWindow: 100_000}}, nil
}
func (f *turnFakeProvider) CountTokens(text string) int { return len(text) }
func (f *turnFakeProvider) IsAvailable(ctx context.Context) bool { return true }

type capturingNotifier struct{ events []any }

func (n *capturingNotifier) Send(msg any) { n.events = append(n.events, msg) }

func (n *capturingNotifier) has(target func(any) bool) bool {
	for _, e := range n.events {
		if target(e) {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunTurnSingleParticipantProducesResponse(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.CreateSession(ctx, SessionRecord{ID: "sess-1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	notifier := &capturingNotifier{}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "hi there"}, MaxTokens: 1024},
		},
		Store:    st,
		Notifier: notifier,
		Strategy: turnorder.Confidence,
	}

	result, err := exec.RunTurn(ctx, "sess-1", "@claude hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.SpeakerOrder) != 1 || result.SpeakerOrder[0] != "claude" {
		t.Fatalf("unexpected speaker order: %v", result.SpeakerOrder)
	}

	messages, err := st.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var sawAssistant bool
	for _, m := range messages {
		if m.Role == RoleAssistant && m.Content == "hi there" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatalf("expected assistant response persisted, got %+v", messages)
	}

	if !notifier.has(func(e any) bool { _, ok := e.(TurnCompleteEvent); return ok }) {
		t.Fatal("expected TurnCompleteEvent")
	}
	if !notifier.has(func(e any) bool { _, ok := e.(ResponseCompleteEvent); return ok }) {
		t.Fatal("expected ResponseCompleteEvent")
	}
}

func TestRunTurnSilentParticipantDoesNotSpeak(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})
	notifier := &capturingNotifier{}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: false, Model: "test-model", Client: &turnFakeProvider{reply: "should not run"}},
		},
		Store:    st,
		Notifier: notifier,
		Strategy: turnorder.Confidence,
	}

	result, err := exec.RunTurn(ctx, "sess-1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.SpeakerOrder) != 0 {
		t.Fatalf("expected no speakers, got %v", result.SpeakerOrder)
	}
}

func TestRunTurnFixedOrderSpeaksInConfiguredSequence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})
	notifier := &capturingNotifier{}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "claude reply"}, MaxTokens: 1024},
			{ID: "gpt", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "gpt reply"}, MaxTokens: 1024},
		},
		Store:      st,
		Notifier:   notifier,
		Strategy:   turnorder.Fixed,
		FixedOrder: []string{"gpt", "claude"},
	}

	result, err := exec.RunTurn(ctx, "sess-1", "hello everyone")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.SpeakerOrder) != 2 || result.SpeakerOrder[0] != "gpt" || result.SpeakerOrder[1] != "claude" {
		t.Fatalf("expected fixed order [gpt claude], got %v", result.SpeakerOrder)
	}
}

func TestRunTurnParticipantToolCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})
	notifier := &capturingNotifier{}
	fakeExec := &turnFakeToolExecutor{result: "tool output"}

	toolLoop, err := NewToolLoop(fakeExec, nil, notifier, nil, nil)
	if err != nil {
		t.Fatalf("NewToolLoop: %v", err)
	}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeToolCallProvider{toolName: "search.run", reply: "done"}, MaxTokens: 1024},
		},
		ToolLoop: toolLoop,
		Store:    st,
		Notifier: notifier,
		Strategy: turnorder.Confidence,
	}

	result, err := exec.RunTurn(ctx, "sess-1", "@claude look this up")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.SpeakerOrder) != 1 || result.SpeakerOrder[0] != "claude" {
		t.Fatalf("unexpected speaker order: %v", result.SpeakerOrder)
	}
	if len(fakeExec.calls) != 1 || fakeExec.calls[0] != "search.run" {
		t.Fatalf("expected one call to search.run, got %v", fakeExec.calls)
	}

	messages, err := st.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var sawToolResult, sawFinalReply bool
	for _, m := range messages {
		if m.Role == RoleTool {
			sawToolResult = true
		}
		if m.Role == RoleAssistant && m.Content == "done" {
			sawFinalReply = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a persisted tool-result message, got %+v", messages)
	}
	if !sawFinalReply {
		t.Fatalf("expected final assistant reply after tool round trip, got %+v", messages)
	}
	if !notifier.has(func(e any) bool { _, ok := e.(ParticipantToolCallEvent); return ok }) {
		t.Fatal("expected ParticipantToolCallEvent")
	}
	if !notifier.has(func(e any) bool { _, ok := e.(ParticipantToolResultEvent); return ok }) {
		t.Fatal("expected ParticipantToolResultEvent")
	}
}

func TestRunTurnEmitsIterationLimitErrorWhenToolLoopNeverStops(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})
	notifier := &capturingNotifier{}
	fakeExec := &turnFakeToolExecutor{result: "tool output"}

	toolLoop, err := NewToolLoop(fakeExec, nil, notifier, nil, nil)
	if err != nil {
		t.Fatalf("NewToolLoop: %v", err)
	}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeLoopingToolCallProvider{toolName: "search.run"}, MaxTokens: 1024},
		},
		ToolLoop:   toolLoop,
		Store:      st,
		Notifier:   notifier,
		Strategy:   turnorder.Confidence,
		Iterations: 3,
	}

	if _, err := exec.RunTurn(ctx, "sess-1", "@claude keep looking"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	var gotLimitError bool
	for _, e := range notifier.events {
		if ev, ok := e.(ParticipantErrorEvent); ok && ev.Kind == "tool_iteration_limit" {
			gotLimitError = true
			if !ev.Recoverable {
				t.Fatalf("expected tool_iteration_limit error to be recoverable: %+v", ev)
			}
		}
	}
	if !gotLimitError {
		t.Fatal("expected a ParticipantErrorEvent{Kind: \"tool_iteration_limit\"} when the tool loop never naturally stops")
	}
}

func TestRetrySpeakerRerunsOneParticipantAtTail(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})
	notifier := &capturingNotifier{}

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "first reply"}, MaxTokens: 1024},
			{ID: "grok", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "retried reply"}, MaxTokens: 1024},
		},
		Store:    st,
		Notifier: notifier,
		Strategy: turnorder.Confidence,
	}

	if _, err := exec.RunTurn(ctx, "sess-1", "@claude hello"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	notifier.events = nil
	result, err := exec.RetrySpeaker(ctx, "sess-1", "grok")
	if err != nil {
		t.Fatalf("RetrySpeaker: %v", err)
	}
	if len(result.SpeakerOrder) != 1 || result.SpeakerOrder[0] != "grok" {
		t.Fatalf("expected retry to re-run only grok, got %v", result.SpeakerOrder)
	}

	messages, err := st.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var sawRetriedReply bool
	for _, m := range messages {
		if m.Role == RoleAssistant && m.AuthorModel == "grok" && m.Content == "retried reply" {
			sawRetriedReply = true
		}
	}
	if !sawRetriedReply {
		t.Fatalf("expected grok's retried reply appended at the tail, got %+v", messages)
	}
	if !notifier.has(func(e any) bool { _, ok := e.(TurnCompleteEvent); return ok }) {
		t.Fatal("expected TurnCompleteEvent from RetrySpeaker")
	}
}

func TestRetrySpeakerUnknownParticipantErrors(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_ = st.CreateSession(ctx, SessionRecord{ID: "sess-1"})

	exec := &TurnExecutor{
		Participants: []Participant{
			{ID: "claude", Enabled: true, Model: "test-model", Client: &turnFakeProvider{reply: "hi"}},
		},
		Store:    st,
		Notifier: &capturingNotifier{},
		Strategy: turnorder.Confidence,
	}

	if _, err := exec.RetrySpeaker(ctx, "sess-1", "nobody"); err == nil {
		t.Fatal("expected error for unknown participant")
	}
}
