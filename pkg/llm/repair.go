package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// parseLoose decodes LLM output as JSON, tolerating the usual model
// misbehavior: markdown fences, trailing commas, single quotes,
// unquoted keys. Strict decoding is attempted first; the repair pass
// only runs when it fails.
func parseLoose(content string) (any, error) {
	content = stripFences(content)
	if content == "" {
		return nil, ErrEmptyResponse
	}

	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v, nil
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return v, nil
}

// normalize coerces a decoded value into the object shape callers
// expect: an array yields its first object element, and any non-object
// value is wrapped as {"raw": <content>}.
func normalize(v any, raw string) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		if len(t) > 0 {
			if obj, ok := t[0].(map[string]any); ok {
				return obj
			}
		}
		return map[string]any{"raw": raw}
	default:
		return map[string]any{"raw": raw}
	}
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
