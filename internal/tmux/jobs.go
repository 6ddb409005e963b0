package tmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/errdefs"
)

// donePromise is the literal token that ends a job loop early.
const donePromise = "<promise>DONE</promise>"

// CreateJobWindow writes the prompt to a temp file, generates a launcher
// script that loops up to maxIterations agent invocations, and runs the
// script in a new window. The first invocation starts an agent session;
// later ones resume it and ask the agent to continue. The loop terminates
// early when the agent output contains the done promise. The script removes
// its temp files on exit and exits quietly on INT/TERM.
func (r *Runner) CreateJobWindow(ctx context.Context, name, prompt string, maxIterations int, skipPermissions bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if prompt == "" {
		return fmt.Errorf("%w: job prompt is empty", errdefs.ErrInvalidArgument)
	}
	if maxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1", errdefs.ErrInvalidArgument)
	}
	exists, err := r.HasWindow(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, name)
	}

	sessionID := uuid.New().String()

	promptFile, err := os.CreateTemp("", "claude-host-job-prompt-*.txt")
	if err != nil {
		return fmt.Errorf("%w: write job prompt: %v", errdefs.ErrIoFailure, err)
	}
	if _, err := promptFile.WriteString(prompt); err != nil {
		promptFile.Close()
		os.Remove(promptFile.Name())
		return fmt.Errorf("%w: write job prompt: %v", errdefs.ErrIoFailure, err)
	}
	promptFile.Close()

	script := r.jobScript(promptFile.Name(), sessionID, maxIterations, skipPermissions)
	scriptFile := filepath.Join(os.TempDir(), fmt.Sprintf("claude-host-job-%s.sh", name))
	if err := os.WriteFile(scriptFile, []byte(script), 0o700); err != nil {
		os.Remove(promptFile.Name())
		return fmt.Errorf("%w: write job launcher: %v", errdefs.ErrIoFailure, err)
	}

	if _, err := r.run(ctx, "new-session", "-d", "-s", name,
		"-x", "200", "-y", "50", "bash", scriptFile); err != nil {
		os.Remove(promptFile.Name())
		os.Remove(scriptFile)
		return fmt.Errorf("%w: launch job %s: %v", errdefs.ErrSpawnFailure, name, err)
	}

	if err := r.SetWindowEnv(ctx, name, envAgentSessionID, sessionID); err != nil {
		r.logger.Warn("failed to store job session id", zap.String("name", name), zap.Error(err))
	}
	if err := r.SetWindowEnv(ctx, name, envCommand, r.agentBinary); err != nil {
		r.logger.Warn("failed to store job command", zap.String("name", name), zap.Error(err))
	}

	r.logger.Info("job window created",
		zap.String("name", name),
		zap.Int("max_iterations", maxIterations))
	return nil
}

// jobScript renders the launcher shell script for a job window.
func (r *Runner) jobScript(promptFile, sessionID string, maxIterations int, skipPermissions bool) string {
	permFlag := ""
	if skipPermissions {
		permFlag = " --dangerously-skip-permissions"
	}
	return fmt.Sprintf(`#!/bin/bash
# claude-host job launcher; temp files are removed on exit.
PROMPT_FILE=%q
SESSION_ID=%q
MAX_ITER=%d
cleanup() {
  rm -f "$PROMPT_FILE" "$0"
}
trap 'cleanup; exit 0' INT TERM
trap cleanup EXIT

for i in $(seq 1 "$MAX_ITER"); do
  if [ "$i" -eq 1 ]; then
    OUTPUT=$(%s -p "$(cat "$PROMPT_FILE")" --session-id "$SESSION_ID"%s 2>&1 | tee /dev/tty)
  else
    OUTPUT=$(%s -p "Continue working on the task. When it is fully complete, output %s" --resume "$SESSION_ID"%s 2>&1 | tee /dev/tty)
  fi
  case "$OUTPUT" in
    *%q*) break ;;
  esac
done
`, promptFile, sessionID, maxIterations,
		r.agentBinary, permFlag,
		r.agentBinary, donePromise, permFlag,
		donePromise)
}
