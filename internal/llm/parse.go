package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// unmarshalLoose decodes a JSON object from model output, tolerating
// surrounding prose and markdown code fences.
func unmarshalLoose(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.Index(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	// Fall back to the outermost brace pair.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("parse response JSON: %w", err)
	}
	return nil
}

// normalizeCategory returns the suggestion when it is a member of known, and
// the first known category otherwise. The caller guarantees known is
// non-empty.
func normalizeCategory(suggestion string, known []string) string {
	suggestion = strings.TrimSpace(strings.Trim(strings.TrimSpace(suggestion), `"`))
	for _, c := range known {
		if strings.EqualFold(c, suggestion) {
			return c
		}
	}
	return known[0]
}
