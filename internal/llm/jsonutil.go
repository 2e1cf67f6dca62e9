package llm

import (
	"encoding/json"
	"strings"

	. "github.com/ddanshin/gopsich/internal/logging"
)

// CleanJSON strips markdown fences from an LLM response and narrows it to
// the substring between the first '{' and the last '}' inclusive. Models
// love wrapping JSON in prose and code fences; callers get the best-effort
// object text and may still fail to parse it.
func CleanJSON(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)

	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first != -1 && last != -1 && last > first {
		s = s[first : last+1]
	}
	return s
}

// DecodeObject parses a cleaned LLM response into a generic object.
// Returns ok=false (and logs) when the text is not valid JSON; callers
// substitute their task-appropriate default instead of failing.
func DecodeObject(s string) (map[string]any, bool) {
	if s == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		L_warn("llm: JSON parse failed", "error", err, "snippet", truncate(s, 50))
		return nil, false
	}
	return obj, true
}

// DecodeInto parses a cleaned LLM response into v. Same tolerance contract
// as DecodeObject.
func DecodeInto(s string, v any) bool {
	if s == "" {
		return false
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		L_warn("llm: JSON parse failed", "error", err, "snippet", truncate(s, 50))
		return false
	}
	return true
}
