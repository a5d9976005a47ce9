package normalize

import (
	"strconv"
	"strings"
	"time"
)

func dig(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// firstStr returns the first non-empty string among keys.
func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m, k); s != "" {
			return s
		}
	}
	return ""
}

func num(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	return toFloat(m[key])
}

func intField(m map[string]any, key string) int {
	f, _ := num(m, key)
	return int(f)
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// text reads YouTube's {simpleText} or {runs:[{text}]} wrappers.
func text(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := part["text"].(string); ok {
			b.WriteString(s)
			continue
		}
		if emoji := dig(part, "emoji"); emoji != nil {
			if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
				if s, ok := shortcuts[0].(string); ok {
					b.WriteString(s)
				}
			}
		}
	}
	return b.String()
}

// epochTime interprets a numeric or numeric-string epoch in the given unit.
func epochTime(v any, unit time.Duration) time.Time {
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(f)*int64(unit)).UTC()
}

// orTime returns t unless it is zero.
func orTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
