// Package window assembles, for a participant about to speak, an
// ordered message list that fits within that participant's token
// budget: system prompt, then an optional summary, then pinned
// messages, then as much recent history as the remaining budget allows.
package window

import "cosmos/core"

// Warning identifies a non-fatal condition encountered during assembly.
type Warning string

// BudgetExceeded is recorded when the budget could not fit every pinned
// message; pins already included remain, and inclusion of further pins
// is aborted.
const BudgetExceeded Warning = "budget_exceeded"

// CountTokens estimates the token cost of a string for a given
// participant. Assemble takes this as a parameter rather than a
// provider.Provider so it stays a pure function of its inputs.
type CountTokens func(text string) int

// Assemble builds the context window for one participant's turn.
//
// history must be in chronological order. budget is the participant's
// total token allowance B. pinned holds message ids that must be
// included regardless of recency. summary, if non-nil, is injected as a
// synthetic system-role message immediately after the participant's own
// system prompt.
//
// The result begins with systemPrompt, optionally followed by summary,
// then the pinned messages that fit (in chronological order), then the
// most recent unpinned messages that fit (in chronological order); it
// is not one chronological sequence when pins are present. It never
// exceeds budget tokens by countTokens. A message is included
// atomically or not at all.
func Assemble(history []core.Message, systemPrompt string, countTokens CountTokens, budget int, pinned map[string]bool, summary *core.Summary) ([]core.Message, []Warning) {
	var warnings []Warning

	remaining := budget - countTokens(systemPrompt)
	window := []core.Message{{Role: core.RoleSystem, Content: systemPrompt}}

	if summary != nil {
		cost := countTokens(summary.Content)
		if cost <= remaining {
			window = append(window, core.Message{Role: core.RoleSystem, Content: summary.Content})
			remaining -= cost
		}
	}

	pins, rest := partition(history, pinned, summary)

	pinsIncluded := 0
	for _, m := range pins {
		cost := countTokens(m.Content)
		if cost > remaining {
			warnings = append(warnings, BudgetExceeded)
			break
		}
		window = append(window, m)
		remaining -= cost
		pinsIncluded++
	}

	var tail []core.Message
	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		cost := countTokens(m.Content)
		if cost > remaining {
			break
		}
		tail = append([]core.Message{m}, tail...)
		remaining -= cost
	}

	window = append(window, tail...)
	return window, warnings
}

// partition splits history into pinned messages (in original
// chronological order) and the remaining unpinned, unsummarized
// messages eligible for backward fill. A pinned message is always kept,
// even if it falls inside a summarized range: the pinned check runs
// before the Superseded check, since the Persistence Layer guarantees
// pinned messages are never marked superseded, and the Context
// Assembler must not depend on that invariant holding to stay correct.
// Unpinned messages covered by summary (Superseded) are excluded, since
// the summary already represents them.
func partition(history []core.Message, pinned map[string]bool, summary *core.Summary) (pins, rest []core.Message) {
	for _, m := range history {
		if pinned[m.ID] || m.Pinned {
			pins = append(pins, m)
			continue
		}
		if m.Superseded {
			continue
		}
		rest = append(rest, m)
	}
	return pins, rest
}
