package policy

import "cosmos/engine/manifest"

// Level is the coarse-grained permission tier surfaced to the Tool Loop
// and the UI: SAFE tools run unprompted, CAUTIOUS/DANGEROUS may prompt
// depending on configuration, BLOCKED never runs. It sits above Effect,
// which is the evaluator's fine-grained, rule-matched outcome.
type Level string

const (
	Safe      Level = "SAFE"
	Cautious  Level = "CAUTIOUS"
	Dangerous Level = "DANGEROUS"
	Blocked   Level = "BLOCKED"
)

// LevelFromEffect translates an evaluator Effect into its Level.
// Allow maps to Safe, Deny to Blocked, and the two prompting effects
// split on how persistent the prompt is: PromptOnce (remembered per
// project) is the lower-friction Cautious tier, PromptAlways is
// Dangerous.
func LevelFromEffect(e Effect) Level {
	switch e {
	case EffectAllow:
		return Safe
	case EffectPromptOnce:
		return Cautious
	case EffectPromptAlways:
		return Dangerous
	default:
		return Blocked
	}
}

// LevelFromMode translates a manifest.PermissionMode directly, for
// callers that have a rule's configured mode but no evaluated Decision.
func LevelFromMode(m manifest.PermissionMode) Level {
	return LevelFromEffect(modeToEffect(m))
}

// RequiresPrompt reports whether a tool call at this level must go
// through the permission-prompt flow before executing.
func (l Level) RequiresPrompt() bool {
	return l == Cautious || l == Dangerous
}

// Allowed reports whether calls at this level may ever execute, absent
// an explicit user grant.
func (l Level) Allowed() bool {
	return l != Blocked
}
