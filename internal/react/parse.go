package react

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject returns the outermost balanced {…} object in text.
// Brace matching is string-aware, so braces inside JSON string values do
// not confuse it; markdown fences around the object are tolerated.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in output")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in output")
}

// ParseProposal extracts and decodes the planner's action proposal.
func ParseProposal(text string) (*Proposal, error) {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("invalid proposal JSON: %w", err)
	}
	return &p, nil
}

// ParseVerdict extracts and decodes a reviewer verdict. A missing risk
// level defaults to low.
func ParseVerdict(text string) (*Verdict, error) {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid verdict JSON: %w", err)
	}
	if v.RiskLevel == "" {
		v.RiskLevel = RiskLow
	}
	return &v, nil
}

// truncate shortens s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
