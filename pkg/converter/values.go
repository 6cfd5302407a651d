// pkg/converter/values.go
package converter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// IsNull determines if a value should be treated as NULL
func (n *Normalizer) IsNull(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case *time.Time:
		return v == nil
	case string:
		return v == "" && n.config.EmptyStringAsNull
	case json.RawMessage:
		return len(v) == 0 || string(v) == "null"
	}
	return false
}

// ToTime normalises a timestamp representation to an absolute time.
// Accepts time.Time, RFC3339 and SQL layouts, epoch seconds or millis,
// and exported Firestore timestamps ({"_seconds": s, "_nanoseconds": ns}).
func (n *Normalizer) ToTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("nil timestamp")
		}
		return v.UTC(), nil
	case string:
		return n.parseTimeString(strings.TrimSpace(v))
	case []byte:
		return n.parseTimeString(strings.TrimSpace(string(v)))
	case map[string]any:
		return n.timeFromMap(v)
	}

	if f, ok := toFloat(value); ok {
		return n.timeFromEpoch(f), nil
	}

	return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", value)
}

func (n *Normalizer) parseTimeString(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if format := DetectTimeFormat(v); format != "" {
		if parsed, err := time.ParseInLocation(format, v, n.config.DefaultLocation); err == nil {
			return parsed.UTC(), nil
		}
	}

	for _, layout := range timeLayouts {
		if parsed, err := time.ParseInLocation(layout, v, n.config.DefaultLocation); err == nil {
			return parsed.UTC(), nil
		}
	}

	// Epoch values serialised as text
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return n.timeFromEpoch(f), nil
	}

	return time.Time{}, fmt.Errorf("cannot parse '%s' as timestamp", v)
}

func (n *Normalizer) timeFromMap(m map[string]any) (time.Time, error) {
	secs, ok := firstFloat(m, "_seconds", "seconds")
	if !ok {
		return time.Time{}, fmt.Errorf("object is not a timestamp")
	}
	nanos, _ := firstFloat(m, "_nanoseconds", "nanoseconds", "nanos")
	return time.Unix(int64(secs), int64(nanos)).UTC(), nil
}

func (n *Normalizer) timeFromEpoch(f float64) time.Time {
	if math.Abs(f) > n.config.EpochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// ToFloat converts numeric values, including numeric text, to float64
func ToFloat(value any) (float64, bool) {
	if f, ok := toFloat(value); ok {
		return f, true
	}
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f, err == nil
	}
	return 0, false
}

// toFloat converts Go numeric kinds only
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
