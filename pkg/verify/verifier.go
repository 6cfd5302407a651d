// pkg/verify/verifier.go
package verify

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/converter"
	"github.com/fittrack/firestore-migration/pkg/model"
)

// DefaultTolerance is the relative count difference allowed for document pairs
const DefaultTolerance = 0.01

// SourceReader reads documents from the source store
type SourceReader interface {
	Count(ctx context.Context, collection string) (int64, error)
	Sample(ctx context.Context, collection string, n int) ([]model.Record, error)
	GetByID(ctx context.Context, collection, id string) (*model.Record, error)
}

// TargetReader reads rows and integrity facts from the target store
type TargetReader interface {
	Count(ctx context.Context, table string) (int64, error)
	FindOne(ctx context.Context, table, key string, value any, orderBy string) (*model.Record, error)
	ListNullField(ctx context.Context, table, field string) ([]model.Record, error)
	ListDuplicates(ctx context.Context, table, field string) ([]model.Record, error)
	CheckForeignKey(ctx context.Context, table, column, refTable, refColumn string) ([]model.Record, error)
}

// Prober runs a performance probe against the target store
type Prober interface {
	Probe(ctx context.Context, probe model.Probe) error
}

// Settings controls a single verification sweep
type Settings struct {
	SampleSize int
	Probes     bool
}

// Verifier reconciles source collections against target tables
type Verifier struct {
	source     SourceReader
	target     TargetReader
	prober     Prober
	probes     []model.Probe
	normalizer *converter.Normalizer
	logger     *zap.Logger
	timeout    time.Duration
}

// NewVerifier creates a new verifier
func NewVerifier(source SourceReader, target TargetReader, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		source:     source,
		target:     target,
		probes:     DefaultProbes(),
		normalizer: converter.NewNormalizer(logger.Named("normalizer")),
		logger:     logger.Named("verifier"),
		timeout:    5 * time.Minute, // Default 5-minute timeout per pair
	}
}

// WithTimeout sets a custom timeout for each pair
func (v *Verifier) WithTimeout(timeout time.Duration) *Verifier {
	v.timeout = timeout
	return v
}

// WithProber enables performance probes
func (v *Verifier) WithProber(prober Prober, probes ...model.Probe) *Verifier {
	v.prober = prober
	if len(probes) > 0 {
		v.probes = probes
	}
	return v
}

// Verify reconciles every pair in order. A pair that fails is recorded and
// the sweep continues; only cancellation of ctx stops it early.
func (v *Verifier) Verify(ctx context.Context, pairs []Pair, settings Settings) (*model.VerificationReport, error) {
	started := time.Now()
	report := &model.VerificationReport{
		Results:   make([]model.VerificationResult, 0, len(pairs)),
		StartedAt: started.UTC(),
	}

	v.logger.Info("Starting verification",
		zap.Int("pairs", len(pairs)),
		zap.Int("sampleSize", settings.SampleSize),
		zap.Bool("probes", settings.Probes))

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(started)
			return report, fmt.Errorf("verification interrupted: %w", err)
		}
		result := v.VerifyPair(ctx, pair, settings.SampleSize)
		report.Add(*result)
	}

	if settings.Probes && v.prober != nil {
		report.Probes = v.runProbes(ctx)
	}

	report.Duration = time.Since(started)
	v.logger.Info("Verification finished",
		zap.Int("passed", report.PassedCount),
		zap.Int("failed", report.FailedCount),
		zap.Int("warnings", report.TotalWarnings),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// VerifyPair runs the count, sample and integrity checks for one pair
func (v *Verifier) VerifyPair(ctx context.Context, pair Pair, sampleSize int) *model.VerificationResult {
	result := model.NewVerificationResult(pair.Collection, pair.Table)
	logger := v.logger.With(zap.String("pair", pair.name()), zap.String("table", pair.Table))

	// Create context with timeout
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	countsOK := v.checkCounts(ctx, pair, result)

	if countsOK && result.SourceCount > 0 && result.TargetCount > 0 && sampleSize > 0 {
		v.compareSample(ctx, pair, sampleSize, result)
	}

	v.checkIntegrity(ctx, pair, result)

	result.Passed = len(result.Errors) == 0 && !result.HasIntegrityErrors()

	if result.Passed {
		logger.Info("Pair verified",
			zap.Int64("sourceCount", result.SourceCount),
			zap.Int64("targetCount", result.TargetCount),
			zap.Int("warnings", len(result.Warnings)))
	} else {
		logger.Warn("Pair failed verification",
			zap.Int64("sourceCount", result.SourceCount),
			zap.Int64("targetCount", result.TargetCount),
			zap.Strings("errors", result.Errors))
	}
	return result
}

// checkCounts records both counts and reports whether they could be read
func (v *Verifier) checkCounts(ctx context.Context, pair Pair, result *model.VerificationResult) bool {
	sourceCount, err := pair.shape().Count(ctx, v.source, pair.Collection)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to count source %s: %v", pair.Collection, err))
		return false
	}
	result.SourceCount = sourceCount

	targetCount, err := v.target.Count(ctx, pair.Table)
	if err != nil {
		result.AddError(fmt.Sprintf("failed to count target %s: %v", pair.Table, err))
		return false
	}
	result.TargetCount = targetCount

	tolerance := pair.tolerance()
	if !CountPass(sourceCount, targetCount, tolerance) {
		result.AddError(fmt.Sprintf("count mismatch: source %d, target %d, allowed difference %d",
			sourceCount, targetCount, AllowedDifference(sourceCount, tolerance)))
		return true
	}
	if sourceCount != targetCount {
		result.AddWarning(fmt.Sprintf("count difference of %d within tolerance (source %d, target %d)",
			absDiff(sourceCount, targetCount), sourceCount, targetCount))
	}
	return true
}

// CountPass reports whether target is close enough to source. An empty
// source requires an empty target.
func CountPass(source, target int64, tolerance float64) bool {
	if source == 0 {
		return target == 0
	}
	return absDiff(source, target) <= AllowedDifference(source, tolerance)
}

// AllowedDifference is max(1, floor(source*tolerance))
func AllowedDifference(source int64, tolerance float64) int64 {
	allowed := int64(math.Floor(float64(source) * tolerance))
	if allowed < 1 {
		allowed = 1
	}
	return allowed
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
