package summarize

import (
	"context"
	"io"
	"testing"

	"cosmos/core"
	"cosmos/core/provider"
)

type fakeIterator struct {
	chunks []provider.StreamChunk
	i      int
}

func (f *fakeIterator) Next() (provider.StreamChunk, error) {
	if f.i >= len(f.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fakeIterator) Close() error { return nil }

type fakeProvider struct{ text string }

func (f *fakeProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	return &fakeIterator{chunks: []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: f.text},
		{Event: provider.EventMessageStop},
	}}, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (f *fakeProvider) CountTokens(text string) int                                 { return len(text) }
func (f *fakeProvider) IsAvailable(ctx context.Context) bool                        { return true }

func messages(n int) []core.Message {
	out := make([]core.Message, n)
	for i := range out {
		out[i] = core.Message{ID: string(rune('a' + i)), Role: core.RoleUser, Content: "hello"}
	}
	return out
}

func TestGenerateProducesSummaryOverNonPreservedMessages(t *testing.T) {
	s := New(&fakeProvider{text: "a dense summary"}, "test-model", 0)
	msgs := messages(7) // 7 - 4 preserved = 3 summarized

	summary, err := s.Generate(context.Background(), "sess-1", msgs, core.SummaryFull)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if summary.Content != "a dense summary" {
		t.Fatalf("unexpected content: %q", summary.Content)
	}
	if summary.FirstMessageID != msgs[0].ID || summary.LastMessageID != msgs[2].ID {
		t.Fatalf("unexpected range: %s..%s", summary.FirstMessageID, summary.LastMessageID)
	}
}

func TestGenerateRejectsInsufficientHistory(t *testing.T) {
	s := New(&fakeProvider{}, "test-model", 0)
	if _, err := s.Generate(context.Background(), "sess-1", messages(4), core.SummaryFull); err == nil {
		t.Fatal("expected error for history at or below preserveRecent")
	}
}

func TestDueUsesThreshold(t *testing.T) {
	s := New(&fakeProvider{}, "test-model", 100)
	if s.Due(50) {
		t.Fatal("expected not due below threshold")
	}
	if !s.Due(150) {
		t.Fatal("expected due above threshold")
	}
}

func TestMarkSupersededStopsAtTarget(t *testing.T) {
	msgs := messages(5)
	n := MarkSuperseded(msgs, msgs[2].ID)
	if n != 3 {
		t.Fatalf("expected 3 marked, got %d", n)
	}
	for i := 0; i <= 2; i++ {
		if !msgs[i].Superseded {
			t.Fatalf("message %d should be superseded", i)
		}
	}
	for i := 3; i < 5; i++ {
		if msgs[i].Superseded {
			t.Fatalf("message %d should not be superseded", i)
		}
	}
}

func TestMarkSupersededSkipsPinnedMessages(t *testing.T) {
	msgs := messages(5)
	msgs[1].Pinned = true

	n := MarkSuperseded(msgs, msgs[2].ID)
	if n != 2 {
		t.Fatalf("expected 2 marked (pinned message skipped), got %d", n)
	}
	if msgs[1].Superseded {
		t.Fatal("pinned message should never be marked superseded")
	}
	if !msgs[0].Superseded || !msgs[2].Superseded {
		t.Fatal("unpinned messages in range should still be marked superseded")
	}
}

func TestGenerateIncrementalCoversOldestHalfOfUncoveredMessages(t *testing.T) {
	s := New(&fakeProvider{text: "partial summary"}, "test-model", 0)
	msgs := messages(12) // 12 - 4 preserved = 8 uncovered candidates, half = 4

	summary, err := s.Generate(context.Background(), "sess-1", msgs, core.SummaryIncremental)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if summary.Kind != core.SummaryIncremental {
		t.Fatalf("expected incremental kind, got %s", summary.Kind)
	}
	if summary.FirstMessageID != msgs[0].ID {
		t.Fatalf("expected range to start at oldest message, got %s", summary.FirstMessageID)
	}
	if summary.LastMessageID != msgs[3].ID {
		t.Fatalf("expected incremental pass to stop at oldest half (msgs[3]), got %s", summary.LastMessageID)
	}
}

func TestGenerateSkipsAlreadySupersededMessages(t *testing.T) {
	s := New(&fakeProvider{text: "summary"}, "test-model", 0)
	msgs := messages(7)
	msgs[0].Superseded = true
	msgs[1].Superseded = true

	summary, err := s.Generate(context.Background(), "sess-1", msgs, core.SummaryFull)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if summary.FirstMessageID != msgs[2].ID {
		t.Fatalf("expected range to skip already-covered messages, got first=%s", summary.FirstMessageID)
	}
}
