package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// rawDecision is the shape the harness looks for inside the backend's free
// text. Models routinely wrap JSON in prose or markdown fences; ParseDecision
// tolerates both by scanning for the first balanced object.
type rawDecision struct {
	Decision     string  `json:"decision"`
	SetupQuality float64 `json:"setup_quality"`
	Reason       string  `json:"reason"`
}

// ParsedResponse is the decision plus the model's self-reported setup
// quality (spec.md §4.6 step 5 gates position-opening on this value
// meeting a configured minimum, in addition to the take/skip decision).
type ParsedResponse struct {
	Decision     Decision
	SetupQuality float64
}

// ParseDecision extracts the first balanced JSON object from text and
// decodes a decision (and setup quality, if present) out of it. Returns a
// *ParseError (wrapping the original text) if no valid decision object is
// found.
func ParseDecision(text string) (ParsedResponse, error) {
	obj, ok := firstJSONObject(text)
	if !ok {
		return ParsedResponse{}, &ParseError{Raw: text, Err: errors.New("no JSON object found in response")}
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return ParsedResponse{}, &ParseError{Raw: text, Err: err}
	}
	switch strings.ToLower(strings.TrimSpace(raw.Decision)) {
	case "take":
		return ParsedResponse{Decision: DecisionTake, SetupQuality: raw.SetupQuality}, nil
	case "skip":
		return ParsedResponse{Decision: DecisionSkip, SetupQuality: raw.SetupQuality}, nil
	default:
		return ParsedResponse{}, &ParseError{Raw: text, Err: errors.New("decision field missing or not take/skip")}
	}
}

// firstJSONObject scans s for the first balanced {...} span, respecting
// string literals and escapes so braces inside quoted text don't confuse
// the depth counter.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
