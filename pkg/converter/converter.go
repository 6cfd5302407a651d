// pkg/converter/converter.go
package converter

import (
	"time"

	"go.uber.org/zap"
)

// Normalizer brings values read from Firestore and Postgres into a common
// representation so they can be compared
type Normalizer struct {
	logger *zap.Logger
	// Configuration options
	config Config
}

// Config provides configuration options for normalisation
type Config struct {
	// Location used for timestamps without an explicit offset
	DefaultLocation *time.Location
	// Whether to treat empty strings as NULL
	EmptyStringAsNull bool
	// Epoch values above this are read as milliseconds rather than seconds
	EpochMillisThreshold float64
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		DefaultLocation:      time.UTC,
		EmptyStringAsNull:    false,
		EpochMillisThreshold: 1e12,
	}
}

// NewNormalizer creates a Normalizer with default configuration
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return NewNormalizerWithConfig(logger, DefaultConfig())
}

// NewNormalizerWithConfig creates a Normalizer with custom configuration
func NewNormalizerWithConfig(logger *zap.Logger, config Config) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultLocation == nil {
		config.DefaultLocation = time.UTC
	}
	return &Normalizer{
		logger: logger,
		config: config,
	}
}

// Normalize converts a value to its canonical form:
// nil, bool, float64, string, time.Time, []any or map[string]any
func (n *Normalizer) Normalize(value any) any {
	if n.IsNull(value) {
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case *time.Time:
		return v.UTC()
	case bool, string:
		return v
	case []byte:
		if decoded, ok := n.decodeJSON(v); ok {
			return n.Normalize(decoded)
		}
		return string(v)
	}

	if f, ok := toFloat(value); ok {
		return f
	}
	if s, ok := n.ToSlice(value); ok {
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = n.Normalize(e)
		}
		return out
	}
	if m, ok := n.ToMap(value); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = n.Normalize(e)
		}
		return out
	}

	n.logger.Debug("Value left as-is during normalisation", zap.Any("value", value))
	return value
}
