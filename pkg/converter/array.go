// pkg/converter/array.go
package converter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ToSlice returns the elements of an array value.
// JSON array text and Postgres array literals ({a,b}) are decoded.
func (n *Normalizer) ToSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case pq.StringArray:
		return stringsToAny(v), true
	case string:
		return n.sliceFromText(v)
	case []byte:
		return n.sliceFromText(string(v))
	case nil:
		return nil, false
	}

	val := reflect.ValueOf(value)
	if val.Kind() == reflect.Slice || val.Kind() == reflect.Array {
		length := val.Len()
		result := make([]any, length)
		for i := 0; i < length; i++ {
			result[i] = val.Index(i).Interface()
		}
		return result, true
	}

	return nil, false
}

func (n *Normalizer) sliceFromText(s string) ([]any, bool) {
	trimmed := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		var out []any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, true
		}
	case strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && !strings.Contains(trimmed, ":"):
		var arr pq.StringArray
		if err := arr.Scan([]byte(trimmed)); err != nil {
			n.logger.Debug("Not a Postgres array literal", zap.String("value", trimmed), zap.Error(err))
			return nil, false
		}
		return stringsToAny(arr), true
	}
	return nil, false
}

// ToMap returns the fields of an object value.
// JSON object text is decoded.
func (n *Normalizer) ToMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case string:
		return n.mapFromText(v)
	case []byte:
		return n.mapFromText(string(v))
	case nil:
		return nil, false
	}

	val := reflect.ValueOf(value)
	switch val.Kind() {
	case reflect.Map:
		result := make(map[string]any, val.Len())
		for _, key := range val.MapKeys() {
			result[fmt.Sprintf("%v", key.Interface())] = val.MapIndex(key).Interface()
		}
		return result, true
	case reflect.Struct:
		jsonBytes, err := json.Marshal(value)
		if err != nil {
			return nil, false
		}
		var result map[string]any
		if err := json.Unmarshal(jsonBytes, &result); err != nil {
			return nil, false
		}
		return result, true
	}

	return nil, false
}

func (n *Normalizer) mapFromText(s string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// decodeJSON decodes JSON bytes as read from a jsonb column
func (n *Normalizer) decodeJSON(b []byte) (any, bool) {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// CanonicalKey renders a normalised value as a stable string used for
// order-independent comparison of array elements
func (n *Normalizer) CanonicalKey(value any) string {
	normalized := n.Normalize(value)
	if s, ok := normalized.(string); ok {
		// numeric text from Postgres array literals compares as a number
		if f, ok := ToFloat(s); ok {
			normalized = f
		} else {
			return "s:" + strings.ToLower(strings.TrimSpace(s))
		}
	}
	// encoding/json sorts map keys, so objects encode deterministically
	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Sprintf("%T:%v", normalized, normalized)
	}
	return string(jsonBytes)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
