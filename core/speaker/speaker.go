// Package speaker decides which participants speak on a turn and with
// what initial priority, by fanning a "should speak" evaluation out to
// every enabled participant concurrently.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cosmos/core"
	"cosmos/core/mention"
	"cosmos/core/provider"

	"golang.org/x/sync/errgroup"
)

// DefaultDeadline is the hard per-participant evaluation deadline.
const DefaultDeadline = 5 * time.Second

// DefaultThreshold is the silence threshold θ: non-forced decisions
// below this confidence are coerced to silence.
const DefaultThreshold = 0.3

const shouldSpeakTemplate = `You are participant %q in a multi-model group chat. Decide whether you should respond to the latest message.

Conversation so far:
%s

Latest user message:
%s

Earlier responders this turn:
%s

Reply with ONLY a JSON object: {"should_speak": bool, "confidence": number between 0 and 1, "reason": short string}.`

// Evaluate runs the Speaker Evaluator for one turn: every enabled
// participant's should-speak decision is gathered. An @all mention
// short-circuits evaluation (everyone speaks with confidence 1.0);
// otherwise every enabled participant, mentioned or not, is fanned out
// concurrently with a per-participant hard deadline and per-task failure
// isolation (one participant's timeout or transport error never aborts
// another's evaluation). Mentioned participants are exempt from the
// silence threshold and sort first.
func Evaluate(ctx context.Context, participants []core.Participant, history []core.Message, userMsg string, forced map[string]bool, threshold float64, deadline time.Duration) []core.SpeakerDecision {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	if mention.IsAll(forced) {
		decisions := make([]core.SpeakerDecision, 0, len(participants))
		for _, p := range participants {
			if !p.Enabled {
				continue
			}
			decisions = append(decisions, core.SpeakerDecision{
				ParticipantID: p.ID,
				ShouldSpeak:   true,
				Confidence:    1.0,
				Reason:        "forced",
				Forced:        true,
				Mentioned:     true,
			})
		}
		return decisions
	}

	decisions := make([]core.SpeakerDecision, len(participants))
	var g errgroup.Group

	for i, p := range participants {
		i, p := i, p
		if !p.Enabled {
			continue
		}
		mentioned := forced[p.ID]

		g.Go(func() error {
			decisions[i] = evaluateOne(ctx, p, history, userMsg, mentioned, threshold, deadline)
			return nil // per-task failures are captured in the decision, never propagated
		})
	}
	_ = g.Wait()

	out := make([]core.SpeakerDecision, 0, len(participants))
	for i, p := range participants {
		if !p.Enabled {
			continue
		}
		out = append(out, decisions[i])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mentioned != out[j].Mentioned {
			return out[i].Mentioned
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// evaluateOne runs a single participant's should-speak evaluation under
// a hard deadline, tolerating malformed responses via lenient
// extraction and defaulting to speaking on unrecoverable parse failure.
func evaluateOne(ctx context.Context, p core.Participant, history []core.Message, userMsg string, mentioned bool, threshold float64, deadline time.Duration) core.SpeakerDecision {
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	prompt := buildPrompt(p, history, userMsg)
	text, err := drainText(taskCtx, p, prompt)
	if err != nil {
		// A mentioned participant is forced regardless of whether its
		// evaluation even completed; the transport failure still surfaces
		// via Reason so the UI can show why it was forced silently.
		return core.SpeakerDecision{
			ParticipantID: p.ID,
			ShouldSpeak:   mentioned,
			Confidence:    0.0,
			Reason:        errorReason(err),
			Forced:        mentioned,
			Mentioned:     mentioned,
		}
	}

	decision, ok := parseDecision(text)
	if !ok {
		decision = parsedDecision{ShouldSpeak: true, Confidence: 0.5, Reason: "parse-fallback"}
	}

	if !mentioned && decision.Confidence < threshold {
		decision.ShouldSpeak = false
	}

	return core.SpeakerDecision{
		ParticipantID: p.ID,
		ShouldSpeak:   decision.ShouldSpeak,
		Confidence:    decision.Confidence,
		Reason:        decision.Reason,
		Forced:        mentioned,
		Mentioned:     mentioned,
	}
}

// errorReason maps a transport failure to the evaluator's error
// taxonomy: deadline expiry is "timeout", anything else is "error".
func errorReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// buildPrompt renders the should-speak template for participant p.
func buildPrompt(p core.Participant, history []core.Message, userMsg string) string {
	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "[%s/%s] %s\n", m.Role, m.AuthorModel, m.Content)
	}
	return fmt.Sprintf(shouldSpeakTemplate, p.ID, sb.String(), userMsg, "(none yet)")
}

// drainText sends a single-shot prompt and concatenates all text deltas
// from the response, ignoring any tool-call chunks (should-speak
// evaluation never invokes tools).
func drainText(ctx context.Context, p core.Participant, prompt string) (string, error) {
	req := provider.Request{
		Model:     p.Model,
		System:    "Respond with a single JSON object and nothing else.",
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: 256,
	}

	iter, err := p.Client.Send(ctx, req)
	if err != nil {
		return "", err
	}
	defer iter.Close()

	var sb strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk.Event == provider.EventTextDelta {
			sb.WriteString(chunk.Text)
		}
		if chunk.Event == provider.EventMessageStop {
			break
		}
	}
	return sb.String(), nil
}
