package logs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FieldKind decides how a field renders and how its submitted value is stored.
type FieldKind string

const (
	KindText        FieldKind = "text"
	KindLongText    FieldKind = "long_text"
	KindPhoto       FieldKind = "photo"
	KindMultiselect FieldKind = "multiselect"
	KindDuration    FieldKind = "duration"
	KindOpaque      FieldKind = "opaque"
)

const (
	maxTextRunes         = 500
	maxLongTextRunes     = 5000
	maxFileNameRunes     = 255
	maxMultiselectValues = 50
)

// ErrInvalidValue is wrapped by every per-kind validation failure.
var ErrInvalidValue = errors.New("invalid field value")

// ParseKind resolves a kind requested for a new field.
func ParseKind(value string) (FieldKind, bool) {
	switch kind := FieldKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case KindText, KindLongText, KindPhoto, KindMultiselect, KindDuration:
		return kind, true
	default:
		return "", false
	}
}

// InferKind derives a kind from a field name when none was requested.
func InferKind(fieldName string) FieldKind {
	switch strings.ToLower(strings.TrimSpace(fieldName)) {
	case "photo", "image", "picture":
		return KindPhoto
	case "review", "note", "notes", "comment", "comments":
		return KindLongText
	default:
		return KindText
	}
}

// InputType is the form control hint for the presentation layer.
func (k FieldKind) InputType() string {
	switch k {
	case KindPhoto:
		return "file"
	case KindLongText, KindOpaque:
		return "textarea"
	case KindMultiselect:
		return "multiselect"
	case KindDuration:
		return "duration"
	default:
		return "text"
	}
}

// Duration is the canonical stored form of a duration value.
type Duration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Normalize validates submitted values and returns the stored representation.
func (k FieldKind) Normalize(values []string) (string, error) {
	switch k {
	case KindText:
		return boundedText(values, maxTextRunes)
	case KindLongText:
		return boundedText(values, maxLongTextRunes)
	case KindPhoto:
		return boundedText(values, maxFileNameRunes)
	case KindMultiselect:
		return normalizeMultiselect(values)
	case KindDuration:
		return normalizeDuration(values)
	default:
		return normalizeOpaque(values)
	}
}

func boundedText(values []string, limit int) (string, error) {
	value := strings.TrimSpace(strings.Join(values, " "))
	if utf8.RuneCountInString(value) > limit {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidValue, limit)
	}
	return value, nil
}

func normalizeOpaque(values []string) (string, error) {
	if len(values) > 1 {
		encoded, err := json.Marshal(values)
		if err != nil {
			return "", err
		}
		values = []string{string(encoded)}
	}
	value := ""
	if len(values) == 1 {
		value = values[0]
	}
	if utf8.RuneCountInString(value) > maxLongTextRunes {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidValue, maxLongTextRunes)
	}
	return value, nil
}

func normalizeMultiselect(values []string) (string, error) {
	candidates := values
	if len(values) == 1 && strings.HasPrefix(strings.TrimSpace(values[0]), "[") {
		var decoded []string
		if err := json.Unmarshal([]byte(values[0]), &decoded); err != nil {
			return "", fmt.Errorf("%w: expected a list of strings", ErrInvalidValue)
		}
		candidates = decoded
	}

	selected := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			if utf8.RuneCountInString(trimmed) > maxTextRunes {
				return "", fmt.Errorf("%w: option longer than %d characters", ErrInvalidValue, maxTextRunes)
			}
			selected = append(selected, trimmed)
		}
	}
	if len(selected) > maxMultiselectValues {
		return "", fmt.Errorf("%w: at most %d options", ErrInvalidValue, maxMultiselectValues)
	}
	encoded, err := json.Marshal(selected)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func normalizeDuration(values []string) (string, error) {
	raw := strings.TrimSpace(strings.Join(values, ""))
	if raw == "" {
		return "", nil
	}

	var totalMinutes int
	switch {
	case strings.HasPrefix(raw, "{"):
		var parsed Duration
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return "", fmt.Errorf("%w: malformed duration", ErrInvalidValue)
		}
		if parsed.Hours < 0 || parsed.Minutes < 0 {
			return "", fmt.Errorf("%w: duration must not be negative", ErrInvalidValue)
		}
		totalMinutes = parsed.Hours*60 + parsed.Minutes
	default:
		if minutes, err := strconv.Atoi(raw); err == nil {
			totalMinutes = minutes
			break
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("%w: malformed duration", ErrInvalidValue)
		}
		totalMinutes = int(math.Round(parsed.Minutes()))
	}
	if totalMinutes < 0 {
		return "", fmt.Errorf("%w: duration must not be negative", ErrInvalidValue)
	}

	encoded, err := json.Marshal(Duration{Hours: totalMinutes / 60, Minutes: totalMinutes % 60})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
