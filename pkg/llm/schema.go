package llm

import "fmt"

// FieldKind is the expected JSON shape of a required response field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindObject
	KindList
	KindBool
	// KindAny accepts any non-nil value.
	KindAny
)

// Schema lists the fields a structured LLM response must contain.
// It checks presence and shape only — semantic validation (word counts,
// score ranges) belongs to the pipeline stages.
type Schema map[string]FieldKind

// Validate checks result against the schema, reporting the first
// violation. Numbers accept both float64 and json.Number decodings.
func (s Schema) Validate(result map[string]any) error {
	for field, kind := range s {
		v, ok := result[field]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing field %q", ErrSchemaViolation, field)
		}
		if !kindMatches(kind, v) {
			return fmt.Errorf("%w: field %q has unexpected type %T", ErrSchemaViolation, field, v)
		}
	}
	return nil
}

func kindMatches(kind FieldKind, v any) bool {
	switch kind {
	case KindString:
		s, ok := v.(string)
		return ok && s != ""
	case KindNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindList:
		_, ok := v.([]any)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindAny:
		return true
	}
	return false
}
