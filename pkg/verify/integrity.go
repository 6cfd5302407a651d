// pkg/verify/integrity.go
package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// checkIntegrity runs NOT NULL, uniqueness and foreign key checks on the
// target table. A check whose query fails yields a WARNING verdict.
func (v *Verifier) checkIntegrity(ctx context.Context, pair Pair, result *model.VerificationResult) {
	for _, field := range pair.RequiredFields {
		rows, err := v.target.ListNullField(ctx, pair.Table, field)
		check := model.IntegrityCheck{Kind: model.IntegrityNotNull, Table: pair.Table, Column: field}
		switch {
		case err != nil:
			check.Severity = model.SeverityWarning
			check.Message = fmt.Sprintf("null check failed: %v", err)
		case len(rows) > 0:
			check.Severity = model.SeverityError
			check.Affected = len(rows)
			check.Message = fmt.Sprintf("%d rows with null %s", len(rows), field)
		default:
			check.Severity = model.SeveritySuccess
			check.Message = "no null values"
		}
		v.addCheck(result, check)
	}

	for _, field := range pair.UniqueFields {
		rows, err := v.target.ListDuplicates(ctx, pair.Table, field)
		check := model.IntegrityCheck{Kind: model.IntegrityUnique, Table: pair.Table, Column: field}
		switch {
		case err != nil:
			check.Severity = model.SeverityWarning
			check.Message = fmt.Sprintf("duplicate check failed: %v", err)
		case len(rows) > 0:
			check.Severity = model.SeverityWarning
			check.Affected = len(rows)
			check.Message = fmt.Sprintf("%d duplicated values of %s", len(rows), field)
		default:
			check.Severity = model.SeveritySuccess
			check.Message = "no duplicates"
		}
		v.addCheck(result, check)
	}

	for _, fk := range pair.ForeignKeys {
		rows, err := v.target.CheckForeignKey(ctx, pair.Table, fk.Column, fk.RefTable, fk.RefColumn)
		check := model.IntegrityCheck{Kind: model.IntegrityForeignKey, Table: pair.Table, Column: fk.Column}
		switch {
		case err != nil:
			check.Severity = model.SeverityWarning
			check.Message = fmt.Sprintf("foreign key check failed: %v", err)
		case len(rows) > 0:
			check.Severity = model.SeverityError
			check.Affected = len(rows)
			check.Message = fmt.Sprintf("%d orphaned rows referencing %s.%s", len(rows), fk.RefTable, fk.RefColumn)
		default:
			check.Severity = model.SeveritySuccess
			check.Message = "all references resolve"
		}
		v.addCheck(result, check)
	}
}

func (v *Verifier) addCheck(result *model.VerificationResult, check model.IntegrityCheck) {
	result.Integrity = append(result.Integrity, check)
	if check.Severity == model.SeverityWarning {
		result.AddWarning(fmt.Sprintf("%s %s.%s: %s", check.Kind, check.Table, check.Column, check.Message))
	}
	if check.Severity != model.SeveritySuccess {
		v.logger.Warn("Integrity issue",
			zap.String("check", string(check.Kind)),
			zap.String("table", check.Table),
			zap.String("column", check.Column),
			zap.String("severity", string(check.Severity)),
			zap.Int("affected", check.Affected))
	}
}

// DefaultProbes returns the read queries timed by comprehensive verification
func DefaultProbes() []model.Probe {
	return []model.Probe{
		{
			Name:  "user_lookup_by_auth_id",
			Query: "SELECT id FROM users WHERE auth_id = (SELECT auth_id FROM users LIMIT 1)",
		},
		{
			Name:  "recent_workout_logs",
			Query: "SELECT id, completed_date FROM workout_logs ORDER BY completed_date DESC NULLS LAST LIMIT 20",
		},
		{
			Name: "program_with_exercises",
			Query: "SELECT p.id, count(pe.*) FROM programs p " +
				"LEFT JOIN program_exercises pe ON pe.program_id = p.id GROUP BY p.id LIMIT 20",
		},
		{
			Name:  "global_exercise_catalog",
			Query: "SELECT id, name FROM exercises WHERE is_global = true ORDER BY name LIMIT 50",
		},
	}
}

func (v *Verifier) runProbes(ctx context.Context) []model.ProbeResult {
	results := make([]model.ProbeResult, 0, len(v.probes))
	for _, probe := range v.probes {
		start := time.Now()
		err := v.prober.Probe(ctx, probe)
		res := model.ProbeResult{
			Name:      probe.Name,
			Passed:    err == nil,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			res.Error = err.Error()
			v.logger.Warn("Performance probe failed", zap.String("probe", probe.Name), zap.Error(err))
		} else {
			v.logger.Info("Performance probe",
				zap.String("probe", probe.Name),
				zap.Float64("latencyMs", res.LatencyMS))
		}
		results = append(results, res)
	}
	return results
}
