// cmd/migrate/commands.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/backfill"
	"github.com/fittrack/firestore-migration/pkg/model"
	"github.com/fittrack/firestore-migration/pkg/orchestrator"
	"github.com/fittrack/firestore-migration/pkg/rollback"
	"github.com/fittrack/firestore-migration/pkg/status"
	"github.com/fittrack/firestore-migration/pkg/suite"
)

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Migrate FitTrack data from Firestore to PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Environment files to load (default .env when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL")

	root.AddCommand(
		newRunCommand(opts),
		newVerifyCommand(opts),
		newRollbackCommand(opts),
		newStatusCommand(opts),
		newStopCommand(opts),
		newBackfillCommand(opts),
	)
	return root
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		skip   []string
		resume bool
		dryRun bool
		level  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the migration pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			lvl, err := suite.ParseLevel(valueOr(level, a.cfg.Migration.Level))
			if err != nil {
				return configError(err)
			}
			skipped, err := parsePhases(skip)
			if err != nil {
				return configError(err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.connect(ctx); err != nil {
				return err
			}

			tracker := a.newTracker()
			orch := orchestrator.New(tracker, a.newSuite(tracker, a.cfg.Migration.AutoRollback), orchestrator.Config{
				CheckpointFile: a.cfg.Migration.CheckpointFile,
				StopFile:       a.cfg.Migration.StopFile,
				AutoRollback:   a.cfg.Migration.AutoRollback,
				Level:          lvl,
			}, a.logger)
			if err := registerHandlers(orch, a); err != nil {
				return err
			}

			stopSignals := watchSignals(a.logger, orch, cancel)
			defer stopSignals()

			runErr := orch.Run(ctx, orchestrator.RunOptions{
				Skip:   skipped,
				Resume: resume,
				DryRun: dryRun,
				Level:  lvl,
			})

			out := cmd.OutOrStdout()
			run := tracker.Snapshot()
			fmt.Fprintf(out, "Run %s: %s\n\n", run.ID, run.Status)
			status.WritePhaseTable(out, run)

			if runErr != nil {
				return runErr
			}
			if run.Status != model.RunStatusCompleted {
				return fmt.Errorf("run ended %s", run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "Phases to skip")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume after the last checkpointed phase")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run executors in dry-run mode and skip verification")
	cmd.Flags().StringVar(&level, "level", "", "Verification level: basic, standard or comprehensive")
	return cmd
}

// registerHandlers wires pre-validation and the external phase executors
func registerHandlers(orch *orchestrator.Orchestrator, a *app) error {
	if err := orch.Handle(model.PhasePreValidation, &orchestrator.ValidationHandler{
		Pingers: []orchestrator.Pinger{a.source, a.target},
	}); err != nil {
		return err
	}

	commands := map[model.Phase][]string{
		model.PhaseExtraction:     a.cfg.Migration.ExtractionCommand,
		model.PhaseTransformation: a.cfg.Migration.TransformationCommand,
		model.PhaseImport:         a.cfg.Migration.ImportCommand,
	}
	for phase, command := range commands {
		if len(command) == 0 {
			a.logger.Warn("No executor configured; the phase must be skipped", zap.String("phase", string(phase)))
			continue
		}
		if err := orch.Handle(phase, orchestrator.NewCommandExecutor(command, a.cfg.Migration.ExecutorTimeout)); err != nil {
			return err
		}
	}
	return nil
}

// watchSignals turns the first SIGINT or SIGTERM into an emergency stop
// and a second one into cancellation of the running phase
func watchSignals(logger *zap.Logger, orch *orchestrator.Orchestrator, cancel context.CancelFunc) func() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case sig := <-signals:
				count++
				if count == 1 {
					logger.Warn("Signal received, stopping after the current phase", zap.String("signal", sig.String()))
					if err := orch.EmergencyStop("received " + sig.String()); err != nil {
						logger.Error("Emergency stop failed", zap.Error(err))
					}
					continue
				}
				logger.Warn("Second signal received, cancelling the current phase")
				cancel()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func newVerifyCommand(opts *globalOptions) *cobra.Command {
	var (
		level        string
		autoRollback bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify imported data against the source",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			lvl, err := suite.ParseLevel(valueOr(level, a.cfg.Migration.Level))
			if err != nil {
				return configError(err)
			}
			if err := a.connect(cmd.Context()); err != nil {
				return err
			}

			report, err := a.newSuite(nil, autoRollback).Run(cmd.Context(), lvl)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status != suite.StatusPassed {
				return fmt.Errorf("verification %s at level %s", report.Status, lvl)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "Verification level: basic, standard or comprehensive")
	cmd.Flags().BoolVar(&autoRollback, "auto-rollback", false, "Roll back imported data when verification fails")
	return cmd
}

func newRollbackCommand(opts *globalOptions) *cobra.Command {
	var (
		scope     string
		backup    bool
		yes       bool
		emergency bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Delete imported data from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			parsed, err := model.ParseRollbackScope(scope)
			if err != nil {
				return configError(err)
			}
			if err := a.connectTarget(cmd.Context()); err != nil {
				return err
			}

			tracker := a.newTracker()
			if err := tracker.Initialize(); err != nil {
				return err
			}

			var confirmer rollback.Confirmer
			if !yes && !emergency {
				confirmer = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			s := suite.NewSuite(nil, a.newRollbackManager(confirmer), tracker, suite.DefaultConfig(), a.logger)

			var result *model.RollbackResult
			if emergency {
				result, err = s.EmergencyRollback(cmd.Context())
			} else {
				result, err = s.Rollback(cmd.Context(), rollback.Options{
					Scope:               parsed,
					Backup:              backup,
					RequireConfirmation: !yes,
				})
			}
			if result != nil {
				writeRollbackTable(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}
			if !result.Completed {
				return errors.New("rollback did not complete")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(model.RollbackScopeDataOnly), "Rollback scope: data-only or full")
	cmd.Flags().BoolVar(&backup, "backup", false, "Snapshot the tables before deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "Full rollback without backup or confirmation")
	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted migration run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			run, err := status.NewFileStore(a.cfg.Migration.StatusFile).Load()
			if err != nil {
				return fmt.Errorf("read %s: %w", a.cfg.Migration.StatusFile, err)
			}
			out := cmd.OutOrStdout()
			if run == nil {
				fmt.Fprintln(out, "No migration run recorded")
				return nil
			}
			if asJSON {
				return writeJSON(out, run)
			}
			status.WriteSummary(out, run)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw run document")
	return cmd
}

func newStopCommand(opts *globalOptions) *cobra.Command {
	var (
		reason string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request an emergency stop of the running migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			path := a.cfg.Migration.StopFile
			if err := os.WriteFile(path, []byte(reason+"\n"), 0o644); err != nil {
				return fmt.Errorf("write stop file: %w", err)
			}
			fmt.Fprintf(out, "Stop requested via %s; the pipeline halts at the next phase boundary\n", path)

			if !force {
				return nil
			}
			// No pipeline process is left to act on the stop file
			tracker := a.newTracker()
			if err := tracker.Initialize(); err != nil {
				return err
			}
			if !tracker.Resumed() {
				fmt.Fprintln(out, "No run in progress")
				return nil
			}
			if err := tracker.EmergencyStop(reason); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				a.logger.Warn("Failed to remove stop file", zap.String("path", path), zap.Error(err))
			}
			fmt.Fprintf(out, "Run %s marked %s\n", tracker.RunID(), model.RunStatusEmergencyStopped)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual stop", "Reason recorded with the stop")
	cmd.Flags().BoolVar(&force, "force", false, "Mark the persisted run stopped immediately")
	return cmd
}

func newBackfillCommand(opts *globalOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Set completedDate on workout logs that only carry date",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connectSource(cmd.Context()); err != nil {
				return err
			}
			result, err := backfill.NewBackfiller(a.source, a.logger).
				WithPageSize(a.cfg.Migration.BackfillPageSize).
				Run(cmd.Context(), dryRun)
			if result != nil {
				if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil && err == nil {
					err = writeErr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count documents without writing")
	return cmd
}

func parsePhases(names []string) ([]model.Phase, error) {
	phases := make([]model.Phase, 0, len(names))
	for _, name := range names {
		phase := model.Phase(strings.TrimSpace(name))
		if model.PhaseIndex(phase) < 0 {
			return nil, fmt.Errorf("unknown phase %q", name)
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

func writeRollbackTable(out io.Writer, result *model.RollbackResult) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Table", "Rows removed"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, t := range result.Tables {
		table.Append([]string{t, fmt.Sprint(result.Removed[t])})
	}
	table.Render()

	fmt.Fprintf(out, "\nScope %s, completed %t, %d rows removed\n", result.Scope, result.Completed, result.TotalRemoved())
	if result.BackupRef != "" {
		fmt.Fprintf(out, "Backup: %s\n", result.BackupRef)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "- error: %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "- warning: %s\n", w)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
