package window

import (
	"testing"

	"cosmos/core"
)

func charCount(s string) int { return len(s) }

func msg(id, content string, pinned bool) core.Message {
	return core.Message{ID: id, Role: core.RoleUser, Content: content, Pinned: pinned}
}

func TestAssembleOrdersSystemSummaryPinsThenRecent(t *testing.T) {
	history := []core.Message{
		msg("1", "oldest message", false),
		msg("2", "pinned message", true),
		msg("3", "recent message", false),
	}
	summary := &core.Summary{Content: "summary text"}

	window, warnings := Assemble(history, "system prompt", charCount, 1000, map[string]bool{}, summary)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if window[0].Role != core.RoleSystem || window[0].Content != "system prompt" {
		t.Fatalf("expected system prompt first, got %+v", window[0])
	}
	if window[1].Content != "summary text" {
		t.Fatalf("expected summary second, got %+v", window[1])
	}
	if window[2].ID != "2" {
		t.Fatalf("expected pinned message third, got %+v", window[2])
	}
	if window[3].ID != "1" || window[4].ID != "3" {
		t.Fatalf("expected remaining recent messages in chronological order, got %+v", window[3:])
	}
}

func TestAssembleStopsFillingWhenOverBudget(t *testing.T) {
	history := []core.Message{
		msg("1", "aaaaaaaaaa", false), // 10 chars
		msg("2", "bbbbbbbbbb", false), // 10 chars
		msg("3", "cccccccccc", false), // 10 chars, most recent
	}

	// budget fits system(0) + exactly one 10-char message
	window, _ := Assemble(history, "", charCount, 10, map[string]bool{}, nil)
	if len(window) != 2 {
		t.Fatalf("expected system + 1 message, got %d: %+v", len(window), window)
	}
	if window[1].ID != "3" {
		t.Fatalf("expected most recent message to be included, got %+v", window[1])
	}
}

func TestAssembleAbortsFurtherPinsOnOverflow(t *testing.T) {
	history := []core.Message{
		msg("1", "aaaaaaaaaa", true), // 10 chars, fits
		msg("2", "bbbbbbbbbb", true), // 10 chars, does not fit
	}

	window, warnings := Assemble(history, "", charCount, 10, map[string]bool{}, nil)
	if len(warnings) != 1 || warnings[0] != BudgetExceeded {
		t.Fatalf("expected budget_exceeded warning, got %v", warnings)
	}
	if len(window) != 2 || window[1].ID != "1" {
		t.Fatalf("expected only the first pin included, got %+v", window)
	}
}

func TestAssembleExcludesSupersededMessages(t *testing.T) {
	history := []core.Message{
		{ID: "1", Role: core.RoleUser, Content: "covered by summary", Superseded: true},
		msg("2", "still relevant", false),
	}

	window, _ := Assemble(history, "", charCount, 1000, map[string]bool{}, nil)
	for _, m := range window {
		if m.ID == "1" {
			t.Fatalf("superseded message should be excluded: %+v", window)
		}
	}
}

func TestAssembleIncludesPinnedMessageEvenWhenSuperseded(t *testing.T) {
	history := []core.Message{
		{ID: "1", Role: core.RoleUser, Content: "pinned but folded into summary", Pinned: true, Superseded: true},
		msg("2", "still relevant", false),
	}

	window, _ := Assemble(history, "", charCount, 1000, map[string]bool{}, nil)
	found := false
	for _, m := range window {
		if m.ID == "1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pinned message must survive even when marked superseded: %+v", window)
	}
}

func TestAssembleNeverSplitsAMessage(t *testing.T) {
	history := []core.Message{msg("1", "exactly eleven", false)} // 14 chars
	window, _ := Assemble(history, "", charCount, 5, map[string]bool{}, nil)
	for _, m := range window {
		if m.ID == "1" {
			t.Fatalf("message exceeding remaining budget must not be partially included: %+v", window)
		}
	}
}
