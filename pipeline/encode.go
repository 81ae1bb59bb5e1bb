package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeJSON parses a model reply into T, tolerating markdown code fences and
// leading prose around the JSON object.
func decodeJSON[T any](raw string) (T, error) {
	var out T
	cleaned := sanitizeJSON(raw)
	if cleaned == "" {
		return out, fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return out, fmt.Errorf("decode model reply: %w", err)
	}
	return out, nil
}

// sanitizeJSON extracts the outermost JSON object or array from a reply.
func sanitizeJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if fenced, ok := stripFence(s); ok {
		s = fenced
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	body := strings.TrimPrefix(s, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body), true
}
