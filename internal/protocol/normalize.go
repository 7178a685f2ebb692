package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Normalize rewrites every object key in raw to snake_case so that payloads
// using "ID", "UserID" or "createdAt" decode through the same structs as
// canonical "id", "user_id" and "created_at". Values are left untouched.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("protocol: normalize: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("protocol: normalize: trailing data after JSON value")
	}

	out, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return nil, fmt.Errorf("protocol: normalize: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			nk := SnakeCase(k)
			// A canonical key wins over a differently cased duplicate.
			if _, exists := m[nk]; exists && k != nk {
				continue
			}
			m[nk] = normalizeValue(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// SnakeCase converts PascalCase, camelCase and acronym forms to snake_case:
// "UserID" -> "user_id", "createdAt" -> "created_at", "ID" -> "id".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prev != '_' && (unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower)) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
