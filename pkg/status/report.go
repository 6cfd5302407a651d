// pkg/status/report.go
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// ReportWriter produces the human-facing report for a finished run
type ReportWriter interface {
	WriteReport(run *model.MigrationRun) error
}

// FileReportWriter writes <dir>/<runId>.json and <dir>/<runId>.md
type FileReportWriter struct {
	dir    string
	logger *zap.Logger
}

// NewFileReportWriter creates a report writer rooted at dir
func NewFileReportWriter(dir string, logger *zap.Logger) *FileReportWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileReportWriter{dir: dir, logger: logger.Named("report")}
}

// WriteReport writes the full JSON report and the Markdown summary.
// Both files are attempted; errors are combined.
func (w *FileReportWriter) WriteReport(run *model.MigrationRun) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	var err error

	data, jsonErr := json.MarshalIndent(run, "", "  ")
	if jsonErr != nil {
		err = multierr.Append(err, fmt.Errorf("encode report: %w", jsonErr))
	} else {
		jsonPath := filepath.Join(w.dir, run.ID+".json")
		if writeErr := os.WriteFile(jsonPath, data, 0o644); writeErr != nil {
			err = multierr.Append(err, fmt.Errorf("write %s: %w", jsonPath, writeErr))
		} else {
			w.logger.Info("Wrote run report",
				zap.String("path", jsonPath),
				zap.String("size", humanize.Bytes(uint64(len(data)))))
		}
	}

	var md bytes.Buffer
	WriteSummary(&md, run)
	mdPath := filepath.Join(w.dir, run.ID+".md")
	if writeErr := os.WriteFile(mdPath, md.Bytes(), 0o644); writeErr != nil {
		err = multierr.Append(err, fmt.Errorf("write %s: %w", mdPath, writeErr))
	} else {
		w.logger.Info("Wrote run summary", zap.String("path", mdPath))
	}

	return err
}

// WriteSummary renders the Markdown summary of a run
func WriteSummary(out io.Writer, run *model.MigrationRun) {
	fmt.Fprintf(out, "# Migration Report: %s\n\n", run.ID)
	fmt.Fprintf(out, "- **Status:** %s\n", run.Status)
	if run.StartedAt != nil {
		fmt.Fprintf(out, "- **Started:** %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(out, "- **Ended:** %s\n", run.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "- **Duration:** %s\n", formatDuration(time.Duration(run.DurationMS)*time.Millisecond))
	if run.CurrentPhase != "" {
		fmt.Fprintf(out, "- **Last phase:** %s\n", run.CurrentPhase)
	}
	fmt.Fprintf(out, "- **Checkpoints:** %s\n", humanize.Comma(int64(len(run.Checkpoints))))
	fmt.Fprintf(out, "- **Errors:** %s, **Warnings:** %s\n\n",
		humanize.Comma(int64(len(run.Errors))), humanize.Comma(int64(len(run.Warnings))))

	fmt.Fprintln(out, "## Phases")
	fmt.Fprintln(out)
	WritePhaseTable(out, run)
	fmt.Fprintln(out)

	if len(run.Statistics) > 0 {
		fmt.Fprintln(out, "## Key Metrics")
		fmt.Fprintln(out)
		writeStatisticsTable(out, run.Statistics)
		fmt.Fprintln(out)
	}

	if len(run.Errors) > 0 {
		fmt.Fprintln(out, "## Errors")
		fmt.Fprintln(out)
		for _, e := range run.Errors {
			fmt.Fprintf(out, "- %s\n", e.String())
		}
		fmt.Fprintln(out)
	}

	if run.Result != nil && run.Result.Rollback != nil {
		rb := run.Result.Rollback
		fmt.Fprintln(out, "## Rollback")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Scope %s, completed %t, %s rows removed across %d tables.\n\n",
			rb.Scope, rb.Completed, humanize.Comma(rb.TotalRemoved()), len(rb.Tables))
	}

	fmt.Fprintln(out, "## Next Steps")
	fmt.Fprintln(out)
	for i, step := range NextSteps(run.Status) {
		fmt.Fprintf(out, "%d. %s\n", i+1, step)
	}
}

// WritePhaseTable renders one row per tracked phase
func WritePhaseTable(out io.Writer, run *model.MigrationRun) {
	table := newMarkdownTable(out)
	table.SetHeader([]string{"Phase", "Status", "Progress", "Duration", "Errors"})
	for _, phase := range model.TrackedPhases {
		rec := run.Phases[phase]
		if rec == nil {
			continue
		}
		duration := "-"
		if rec.StartedAt != nil && rec.EndedAt != nil {
			duration = formatDuration(rec.EndedAt.Sub(*rec.StartedAt))
		}
		table.Append([]string{
			string(phase),
			string(rec.Status),
			fmt.Sprintf("%.0f%%", rec.Progress),
			duration,
			humanize.Comma(int64(len(rec.Errors))),
		})
	}
	table.Render()
}

func writeStatisticsTable(out io.Writer, stats model.Statistics) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := newMarkdownTable(out)
	table.SetHeader([]string{"Metric", "Value"})
	for _, k := range keys {
		table.Append([]string{k, humanize.Commaf(stats[k])})
	}
	table.Render()
}

func newMarkdownTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	return table
}

// NextSteps returns the recommended operator actions for a run status
func NextSteps(status model.RunStatus) []string {
	switch status {
	case model.RunStatusCompleted:
		return []string{
			"Run `migrate verify --level comprehensive` before switching traffic.",
			"Point the application at Postgres and keep Firestore read-only until sign-off.",
			"Archive this report with the release notes.",
		}
	case model.RunStatusFailed:
		return []string{
			"Inspect the failed phase and the Errors section above.",
			"Fix the root cause, then re-run with `--resume` to continue from the last checkpoint.",
			"If a rollback was attempted and did not complete, escalate before retrying.",
		}
	case model.RunStatusRolledBack:
		return []string{
			"Imported data was removed from the target; review the verification results.",
			"Correct the transformation or import issue and start a fresh run.",
		}
	case model.RunStatusEmergencyStopped:
		return []string{
			"Assess the target state; run `migrate rollback --emergency` if partial data must be removed.",
			"Resume with `--resume` once the incident is resolved.",
		}
	default:
		return []string{"The run has not finished; check again with `migrate status`."}
	}
}

// formatDuration formats a duration for reports
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if d >= time.Minute {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

