// Package turnorder produces the serial speaking order for a turn from
// the Speaker Evaluator's decision set, under one of three configurable
// strategies.
package turnorder

import (
	"sort"

	"cosmos/core"
)

// Strategy selects how speakers are ordered within a turn.
type Strategy string

const (
	// Confidence places mentioned speakers first, then orders by
	// descending confidence, ties broken by a stable participant-id
	// ordering.
	Confidence Strategy = "confidence"
	// Rotate advances a rotating first-responder index each turn.
	Rotate Strategy = "rotate"
	// Fixed emits speakers in a user-configured static order.
	Fixed Strategy = "fixed"
)

// Rotator tracks the rotating first-responder index for the Rotate
// strategy across turns. It is not safe for concurrent use; callers
// already serialize turns, one executing at a time.
type Rotator struct {
	index int
}

// NewRotator creates a Rotator starting at index 0.
func NewRotator() *Rotator { return &Rotator{} }

// Order produces the serial speaking order for one turn.
//
// speaking is the Speaker Evaluator's output, already filtered to
// should_speak=true decisions. fixedOrder is the full configured
// participant order (used by Rotate and Fixed); it must list every
// participant id the evaluator could have decided over.
func Order(strategy Strategy, speaking []core.SpeakerDecision, fixedOrder []string, rotator *Rotator) []core.SpeakerDecision {
	switch strategy {
	case Rotate:
		return orderRotate(speaking, fixedOrder, rotator)
	case Fixed:
		return orderFixed(speaking, fixedOrder)
	default:
		return orderConfidence(speaking)
	}
}

// orderConfidence sorts mentioned speakers ahead of the rest (the
// evaluator keeps a mentioned participant's own confidence, so they are
// ranked here as if at 1.0), then by descending confidence, tied entries
// broken by participant id for determinism.
func orderConfidence(speaking []core.SpeakerDecision) []core.SpeakerDecision {
	out := append([]core.SpeakerDecision(nil), speaking...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mentioned != out[j].Mentioned {
			return out[i].Mentioned
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// orderFixed emits speakers in fixedOrder, intersected with the actual
// speaking set, with mentioned speakers moved to the front.
func orderFixed(speaking []core.SpeakerDecision, fixedOrder []string) []core.SpeakerDecision {
	byID := indexByID(speaking)

	var mentioned, rest []core.SpeakerDecision
	for _, id := range fixedOrder {
		d, ok := byID[id]
		if !ok {
			continue
		}
		if d.Mentioned {
			mentioned = append(mentioned, d)
		} else {
			rest = append(rest, d)
		}
	}
	return append(mentioned, rest...)
}

// orderRotate places the rotating first responder first, the rest of
// the speaking set after it in fixed order, then advances the index.
// If the indexed participant is not actually speaking, the next
// participant in fixed order that is speaking substitutes as first
// responder, but the rotation index still advances past the originally
// indexed participant so a silent participant doesn't get to "hold"
// first-responder status across turns. Mentioned speakers still take
// priority over the rotation, placed first regardless of index.
func orderRotate(speaking []core.SpeakerDecision, fixedOrder []string, rotator *Rotator) []core.SpeakerDecision {
	if len(fixedOrder) == 0 {
		return orderFixed(speaking, fixedOrder)
	}

	byID := indexByID(speaking)
	advanceBy := 1

	var mentioned []core.SpeakerDecision
	for _, id := range fixedOrder {
		if d, ok := byID[id]; ok && d.Mentioned {
			mentioned = append(mentioned, d)
		}
	}

	var firstResponder *core.SpeakerDecision
	startAt := rotator.index % len(fixedOrder)
	for i := 0; i < len(fixedOrder); i++ {
		id := fixedOrder[(startAt+i)%len(fixedOrder)]
		d, ok := byID[id]
		if !ok || d.Mentioned {
			continue
		}
		fr := d
		firstResponder = &fr
		break
	}
	rotator.index = (rotator.index + advanceBy) % len(fixedOrder)

	var rest []core.SpeakerDecision
	for _, id := range fixedOrder {
		d, ok := byID[id]
		if !ok || d.Mentioned {
			continue
		}
		if firstResponder != nil && d.ParticipantID == firstResponder.ParticipantID {
			continue
		}
		rest = append(rest, d)
	}

	out := mentioned
	if firstResponder != nil {
		out = append(out, *firstResponder)
	}
	return append(out, rest...)
}

func indexByID(speaking []core.SpeakerDecision) map[string]core.SpeakerDecision {
	m := make(map[string]core.SpeakerDecision, len(speaking))
	for _, d := range speaking {
		m[d.ParticipantID] = d
	}
	return m
}
