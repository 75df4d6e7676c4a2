package speaker

import "encoding/json"

// parsedDecision is the structured should-speak payload a participant
// is asked to return.
type parsedDecision struct {
	ShouldSpeak bool    `json:"should_speak"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// parseDecision leniently extracts a parsedDecision from a model's raw
// text response. Models routinely wrap the JSON object in prose or code
// fences, so this scans for the first balanced {...} substring rather
// than requiring the whole response to be valid JSON. Missing fields
// default to their zero value (should_speak=false, confidence=0,
// reason=""); ok is false only when no balanced object is found or the
// extracted substring itself fails to unmarshal.
func parseDecision(text string) (parsedDecision, bool) {
	obj, found := firstBalancedObject(text)
	if !found {
		return parsedDecision{}, false
	}

	var d parsedDecision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return parsedDecision{}, false
	}
	return d, true
}

// firstBalancedObject returns the first substring of s that is a
// balanced brace-delimited object, ignoring braces that occur inside
// string literals.
func firstBalancedObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
