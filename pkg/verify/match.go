// pkg/verify/match.go
package verify

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/converter"
	"github.com/fittrack/firestore-migration/pkg/model"
)

// DateTolerance is the allowed skew between timestamps of the same field
const DateTolerance = time.Second

var defaultNormalizer = converter.NewNormalizer(nil)

// ValuesMatch compares a source value and a target value of the named field
func ValuesMatch(field string, source, target any) bool {
	return valuesMatch(defaultNormalizer, field, source, target)
}

func valuesMatch(n *converter.Normalizer, field string, a, b any) bool {
	nullA, nullB := n.IsNull(a), n.IsNull(b)
	if nullA || nullB {
		return nullA && nullB
	}

	// Arrays compare as multisets
	if sa, ok := n.ToSlice(a); ok {
		if sb, ok := n.ToSlice(b); ok {
			return sameElements(n, sa, sb)
		}
	}

	// Objects compare by deep equality after normalisation
	if ma, ok := n.ToMap(a); ok {
		if mb, ok := n.ToMap(b); ok {
			return reflect.DeepEqual(n.Normalize(ma), n.Normalize(mb))
		}
	}

	if model.IsDateField(field) {
		ta, errA := n.ToTime(a)
		tb, errB := n.ToTime(b)
		if errA == nil && errB == nil {
			diff := ta.Sub(tb)
			if diff < 0 {
				diff = -diff
			}
			return diff <= DateTolerance
		}
	}

	if sa, ok := asString(a); ok {
		if sb, ok := asString(b); ok {
			return strings.EqualFold(strings.TrimSpace(sa), strings.TrimSpace(sb))
		}
	}

	// Numeric text from Postgres numeric columns
	if fa, ok := converter.ToFloat(a); ok {
		if fb, ok := converter.ToFloat(b); ok {
			return fa == fb
		}
	}

	return reflect.DeepEqual(n.Normalize(a), n.Normalize(b))
}

func sameElements(n *converter.Normalizer, a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, e := range a {
		counts[n.CanonicalKey(e)]++
	}
	for _, e := range b {
		key := n.CanonicalKey(e)
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	return true
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// compareSample looks up sampled source records in the target and compares
// mapped fields. Mismatches are diagnostic; only lookup failures are errors.
func (v *Verifier) compareSample(ctx context.Context, pair Pair, sampleSize int, result *model.VerificationResult) {
	n := sampleSize
	if int64(n) > result.SourceCount {
		n = int(result.SourceCount)
	}

	comparison := &model.SampleComparison{
		Requested:  n,
		Mismatches: make([]model.FieldMismatch, 0),
	}
	result.Sample = comparison

	records, err := pair.shape().Sample(ctx, v.source, pair.Collection, n)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to sample %s: %v", pair.Collection, err))
		return
	}
	if len(records) > n {
		records = records[:n]
	}
	comparison.Achieved = len(records)

	for _, rec := range records {
		key := lookupValue(pair, rec)
		row, err := v.target.FindOne(ctx, pair.Table, pair.lookupKey(), key, pair.naturalKey())
		if err != nil {
			result.AddError(fmt.Sprintf("failed to look up %s=%v in %s: %v", pair.lookupKey(), key, pair.Table, err))
			return
		}
		if row == nil {
			comparison.MissingInTarget++
			continue
		}

		matched := true
		for _, m := range pair.Fields {
			sv, tv := rec.Get(m.Source), row.Get(m.Target)
			if valuesMatch(v.normalizer, m.Source, sv, tv) {
				continue
			}
			matched = false
			comparison.Mismatches = append(comparison.Mismatches, model.FieldMismatch{
				RecordID:    rec.ID,
				Field:       m.Source,
				SourceValue: sv,
				TargetValue: tv,
			})
		}
		if matched {
			comparison.Matched++
		} else {
			comparison.Mismatched++
		}
	}

	if comparison.MissingInTarget > 0 || comparison.Mismatched > 0 {
		v.logger.Debug("Sample differences",
			zap.String("pair", pair.name()),
			zap.Int("missing", comparison.MissingInTarget),
			zap.Int("mismatched", comparison.Mismatched))
	}
}

func lookupValue(pair Pair, rec model.Record) any {
	if pair.SourceKey == "" {
		return rec.ID
	}
	return rec.Get(pair.SourceKey)
}
