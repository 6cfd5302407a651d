// pkg/orchestrator/executor.go
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fittrack/firestore-migration/pkg/model"
)

// Environment variables passed to phase executors
const (
	EnvRunID  = "MIGRATION_RUN_ID"
	EnvPhase  = "MIGRATION_PHASE"
	EnvDryRun = "MIGRATION_DRY_RUN"
)

const (
	// maxStderrTail bounds the stderr excerpt attached to executor errors
	maxStderrTail = 2048
	waitDelay     = 5 * time.Second
)

// CommandExecutor runs an external phase script as a subprocess. The last
// JSON document the script prints on stdout becomes the phase result.
type CommandExecutor struct {
	Command []string
	Timeout time.Duration
	Dir     string
	Env     []string
}

// NewCommandExecutor creates an executor for a command line
func NewCommandExecutor(command []string, timeout time.Duration) *CommandExecutor {
	return &CommandExecutor{Command: command, Timeout: timeout}
}

// Execute runs the command and captures its output
func (e *CommandExecutor) Execute(ctx context.Context, pc PhaseContext) (*model.PhaseResult, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("no command configured for phase %s", pc.Phase)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	// Children of the script may hold stdout open after it is killed
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		EnvRunID+"="+pc.RunID,
		EnvPhase+"="+string(pc.Phase),
		EnvDryRun+"="+strconv.FormatBool(pc.DryRun),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	pc.Logger.Info("Running phase executor",
		zap.String("command", strings.Join(e.Command, " ")),
		zap.Bool("dryRun", pc.DryRun))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", e.Command[0], e.Timeout)
		}
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > maxStderrTail {
			tail = tail[len(tail)-maxStderrTail:]
		}
		if tail != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.Command[0], err, tail)
		}
		return nil, fmt.Errorf("%s: %w", e.Command[0], err)
	}

	output := extractJSON(stdout.Bytes())
	pc.Logger.Info("Phase executor finished",
		zap.Duration("duration", duration),
		zap.Int("stdoutBytes", stdout.Len()))

	return &model.PhaseResult{
		Kind: model.ResultKindExecutor,
		Executor: &model.ExecutorResult{
			Output:     output,
			DurationMS: duration.Milliseconds(),
			DryRun:     pc.DryRun,
		},
	}, nil
}

// extractJSON returns stdout when it is a JSON document, otherwise the
// last line that is one, otherwise the text wrapped as {"stdout": ...}
func extractJSON(out []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && (line[0] == '{' || line[0] == '[') && json.Valid(line) {
			return json.RawMessage(line)
		}
	}

	wrapped, err := json.Marshal(map[string]string{"stdout": string(trimmed)})
	if err != nil {
		return nil
	}
	return wrapped
}
