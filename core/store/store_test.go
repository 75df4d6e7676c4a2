package store

import (
	"context"
	"testing"
	"time"

	"cosmos/core"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSessionAndAppendMessages(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	if err := s.CreateSession(ctx, core.SessionRecord{ID: "sess-1", Name: "test"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg := core.Message{SessionID: "sess-1", Role: core.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestAppendMessagesBatchIsAtomicAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	msgs := []core.Message{
		{SessionID: "sess-1", Role: core.RoleUser, Content: "first"},
		{SessionID: "sess-1", Role: core.RoleAssistant, Content: "second"},
		{SessionID: "sess-1", Role: core.RoleTool, Content: "third"},
	}
	if err := s.AppendMessagesBatch(ctx, msgs); err != nil {
		t.Fatalf("AppendMessagesBatch: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 3 || got[0].Content != "first" || got[2].Content != "third" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestSetPinAndPinnedIDs(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	msg := core.Message{ID: "m1", SessionID: "sess-1", Role: core.RoleUser, Content: "pin me"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.SetPin(ctx, "m1", true); err != nil {
		t.Fatalf("SetPin: %v", err)
	}

	pins, err := s.PinnedIDs(ctx, "sess-1")
	if err != nil {
		t.Fatalf("PinnedIDs: %v", err)
	}
	if !pins["m1"] {
		t.Fatalf("expected m1 pinned, got %v", pins)
	}
}

func TestSetPinUnknownMessageErrors(t *testing.T) {
	s := open(t)
	if err := s.SetPin(context.Background(), "does-not-exist", true); err == nil {
		t.Fatal("expected error for unknown message id")
	}
}

func TestSearchMatchesContent(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})
	_ = s.AppendMessage(ctx, core.Message{SessionID: "sess-1", Role: core.RoleUser, Content: "fix the race condition"})
	_ = s.AppendMessage(ctx, core.Message{SessionID: "sess-1", Role: core.RoleAssistant, Content: "unrelated reply"})

	got, err := s.Search(ctx, "sess-1", "race")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Content != "fix the race condition" {
		t.Fatalf("unexpected search results: %+v", got)
	}
}

func TestAddSummaryMarksSupersededAndLatestSummary(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	ids := []string{"m1", "m2", "m3"}
	for _, id := range ids {
		if err := s.AppendMessage(ctx, core.Message{ID: id, SessionID: "sess-1", Role: core.RoleUser, Content: id}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	summary := core.Summary{SessionID: "sess-1", Kind: core.SummaryFull, Content: "summary", FirstMessageID: "m1", LastMessageID: "m2"}
	if err := s.AddSummary(ctx, summary); err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	for _, m := range got {
		want := m.ID == "m1" || m.ID == "m2"
		if m.Superseded != want {
			t.Fatalf("message %s superseded=%v, want %v", m.ID, m.Superseded, want)
		}
	}

	latest, err := s.LatestSummary(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if latest == nil || latest.Content != "summary" {
		t.Fatalf("unexpected latest summary: %+v", latest)
	}
}

func TestAddSummaryNeverSupersedesPinnedMessages(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	ids := []string{"m1", "m2", "m3"}
	for _, id := range ids {
		if err := s.AppendMessage(ctx, core.Message{ID: id, SessionID: "sess-1", Role: core.RoleUser, Content: id}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := s.SetPin(ctx, "m2", true); err != nil {
		t.Fatalf("SetPin: %v", err)
	}

	summary := core.Summary{SessionID: "sess-1", Kind: core.SummaryFull, Content: "summary", FirstMessageID: "m1", LastMessageID: "m3"}
	if err := s.AddSummary(ctx, summary); err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	for _, m := range got {
		if m.ID == "m2" && m.Superseded {
			t.Fatalf("pinned message m2 must never be marked superseded: %+v", m)
		}
		if m.ID != "m2" && !m.Superseded {
			t.Fatalf("unpinned message %s in range should be superseded", m.ID)
		}
	}
}

func TestAppendMessageIsIdempotentUnderRetry(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	msg := core.Message{ID: "m1", SessionID: "sess-1", Role: core.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("first AppendMessage: %v", err)
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("retried AppendMessage with same id should be a no-op, got error: %v", err)
	}

	got, err := s.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one message after retry, got %d: %+v", len(got), got)
	}
}

func TestAddSummaryIsIdempotentUnderRetry(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})
	_ = s.AppendMessage(ctx, core.Message{ID: "m1", SessionID: "sess-1", Role: core.RoleUser, Content: "m1"})

	summary := core.Summary{ID: "sum-1", SessionID: "sess-1", Kind: core.SummaryFull, Content: "summary", FirstMessageID: "m1", LastMessageID: "m1"}
	if err := s.AddSummary(ctx, summary); err != nil {
		t.Fatalf("first AddSummary: %v", err)
	}
	if err := s.AddSummary(ctx, summary); err != nil {
		t.Fatalf("retried AddSummary with same id should be a no-op, got error: %v", err)
	}
}

func TestLoadMessagesRespectsSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	_ = s.CreateSession(ctx, core.SessionRecord{ID: "sess-1"})

	cutoff := time.Now().UTC()
	_ = s.AppendMessage(ctx, core.Message{SessionID: "sess-1", Role: core.RoleUser, Content: "before", CreatedAt: cutoff.Add(-time.Minute)})
	_ = s.AppendMessage(ctx, core.Message{SessionID: "sess-1", Role: core.RoleUser, Content: "after-1", CreatedAt: cutoff.Add(time.Minute)})
	_ = s.AppendMessage(ctx, core.Message{SessionID: "sess-1", Role: core.RoleUser, Content: "after-2", CreatedAt: cutoff.Add(2 * time.Minute)})

	got, err := s.LoadMessages(ctx, "sess-1", cutoff, 1)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "after-1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}
