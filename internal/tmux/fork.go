package tmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/errdefs"
)

const (
	// forkHookTimeout bounds a user fork-hook invocation; on any failure
	// the fork falls back to the source command.
	forkHookTimeout = 5 * time.Second

	// forkPollInterval and forkPollWindow bound the async wait for the
	// agent to materialize the forked session file on disk.
	forkPollInterval = 500 * time.Millisecond
	forkPollWindow   = 30 * time.Second
)

// ForkWindow derives a new window from sourceName. The source command is
// rewritten by the user's fork hook when one is configured for its base
// token; when the hook file is missing but the base is listed, the built-in
// agent resume-with-fork rule applies; otherwise the command is reused
// unchanged. The new window inherits the source's working directory.
func (r *Runner) ForkWindow(ctx context.Context, sourceName, newName string, forkHooks map[string]string) error {
	if err := ValidateName(sourceName); err != nil {
		return err
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	exists, err := r.HasWindow(ctx, sourceName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: source window %s", errdefs.ErrNotFound, sourceName)
	}
	exists, err = r.HasWindow(ctx, newName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, newName)
	}

	sourceCwd, err := r.PaneCwd(ctx, sourceName)
	if err != nil {
		r.logger.Warn("failed to read source cwd", zap.String("source", sourceName), zap.Error(err))
		sourceCwd = ""
	}
	sourceCommand, err := r.StoredCommand(ctx, sourceName)
	if err != nil {
		sourceCommand = ""
	}

	command, agentFork := r.resolveForkCommand(ctx, sourceName, sourceCwd, sourceCommand, forkHooks)

	createArgs := []string{"new-session", "-d", "-s", newName, "-x", "200", "-y", "50"}
	if sourceCwd != "" {
		createArgs = append(createArgs, "-c", sourceCwd)
	}
	if _, err := r.run(ctx, createArgs...); err != nil {
		return fmt.Errorf("%w: create fork %s: %v", errdefs.ErrSpawnFailure, newName, err)
	}
	if err := r.SetWindowEnv(ctx, newName, envCommand, command); err != nil {
		r.logger.Warn("failed to store fork command", zap.String("name", newName), zap.Error(err))
	}
	if command != "" {
		if _, err := r.run(ctx, "send-keys", "-t", "="+newName, command, "Enter"); err != nil {
			_ = r.KillWindow(ctx, newName)
			return fmt.Errorf("%w: send fork command to %s: %v", errdefs.ErrSpawnFailure, newName, err)
		}
	}

	if agentFork {
		// The agent assigns the forked conversation a new session id; pick
		// it up from the project directory once the file appears.
		go r.adoptForkedSessionID(newName, sourceCwd, time.Now())
	}

	r.logger.Info("window forked",
		zap.String("source", sourceName),
		zap.String("name", newName),
		zap.String("command", command))
	return nil
}

// resolveForkCommand applies the fork-hook chain: user hook script, built-in
// agent rule, or the source command unchanged. The second return reports
// whether the built-in agent fork was used.
func (r *Runner) resolveForkCommand(ctx context.Context, sourceName, sourceCwd, sourceCommand string, forkHooks map[string]string) (string, bool) {
	base := baseToken(sourceCommand)
	hookPath, hooked := forkHooks[base]
	if !hooked || base == "" {
		return sourceCommand, false
	}

	if hookPath != "" {
		if _, err := os.Stat(hookPath); err == nil {
			if out := r.runForkHook(ctx, hookPath, sourceName, sourceCwd, sourceCommand); out != "" {
				return out, false
			}
			return sourceCommand, false
		}
	}

	// Hook listed but its file is absent: built-in agent forking rule.
	if base == r.agentBinary {
		agentSessionID, err := r.AgentSessionID(ctx, sourceName)
		if err == nil && agentSessionID != "" {
			return fmt.Sprintf("%s --resume %s --fork-session", sourceCommand, agentSessionID), true
		}
	}
	return sourceCommand, false
}

// runForkHook executes a user hook with the fork environment under a 5 s
// timeout. A non-empty stdout becomes the new command; any failure yields "".
func (r *Runner) runForkHook(ctx context.Context, hookPath, sourceName, sourceCwd, sourceCommand string) string {
	hookCtx, cancel := context.WithTimeout(ctx, forkHookTimeout)
	defer cancel()

	cmd := r.command(hookCtx, hookPath)
	cmd.Env = append(os.Environ(),
		"SOURCE_SESSION="+sourceName,
		"SOURCE_CWD="+sourceCwd,
		"SOURCE_COMMAND="+sourceCommand,
	)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Warn("fork hook failed, using source command",
			zap.String("hook", hookPath),
			zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(out))
}

// adoptForkedSessionID polls the agent's on-disk project directory for a
// session file created after the fork and writes its identifier into the
// forked window's environment on first appearance.
func (r *Runner) adoptForkedSessionID(windowName, sourceCwd string, since time.Time) {
	dir := agentProjectDir(sourceCwd)
	if dir == "" {
		return
	}
	deadline := time.Now().Add(forkPollWindow)
	for time.Now().Before(deadline) {
		id := newestSessionFile(dir, since)
		if id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), defaultExecTimeout)
			err := r.SetWindowEnv(ctx, windowName, envAgentSessionID, id)
			cancel()
			if err != nil {
				r.logger.Warn("failed to adopt forked session id",
					zap.String("name", windowName), zap.Error(err))
			} else {
				r.logger.Info("adopted forked session id",
					zap.String("name", windowName), zap.String("agent_session_id", id))
			}
			return
		}
		time.Sleep(forkPollInterval)
	}
}

// agentProjectDir maps a working directory to the agent's per-project
// session directory (~/.claude/projects/<munged-path>).
func agentProjectDir(cwd string) string {
	if cwd == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	munged := strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(cwd)
	return filepath.Join(home, ".claude", "projects", munged)
}

// newestSessionFile returns the identifier of the newest session file in
// dir created after since, or "".
func newestSessionFile(dir string, since time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().After(since) {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = strings.TrimSuffix(e.Name(), ".jsonl")
		}
	}
	return newest
}
