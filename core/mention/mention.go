// Package mention parses @-mentions out of raw user text and produces
// the forced-speaker set the Speaker Evaluator starts from.
package mention

import (
	"regexp"
	"strings"
)

// All is the sentinel forced-speaker entry meaning "every enabled participant".
const All = "ALL"

// mentionRe matches an @name token at the start of the text or after a
// character that cannot be part of a name (so "user@claude" is not a
// mention). The preceding character, if any, is part of the match.
var mentionRe = regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_@-])@([A-Za-z0-9_-]+)`)

// Parse scans raw user text for case-insensitive, token-delimited
// @name mentions. known is the set of recognized participant ids
// (lowercase). Returns the forced set (participant ids, or {All} if
// "@all" appears) and the cleaned text with recognized mentions
// stripped, whitespace collapsed to single spaces, and leading/
// trailing whitespace trimmed. Unknown @tokens are left in place in
// cleaned text.
func Parse(text string, known map[string]bool) (forced map[string]bool, cleaned string) {
	forced = make(map[string]bool)

	cleaned = mentionRe.ReplaceAllStringFunc(text, func(tok string) string {
		at := strings.IndexByte(tok, '@')
		prefix := tok[:at]
		name := strings.ToLower(tok[at+1:])
		if name == strings.ToLower(All) {
			forced[All] = true
			return prefix
		}
		if known[name] {
			forced[name] = true
			return prefix
		}
		return tok // unknown mention: pass through verbatim
	})

	cleaned = collapseWhitespace(cleaned)
	return forced, cleaned
}

// collapseWhitespace reduces any run of whitespace to a single space
// and trims the result.
func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// IsAll reports whether the forced set resolves to "every enabled participant".
func IsAll(forced map[string]bool) bool {
	return forced[All]
}
