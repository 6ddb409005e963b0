// Package tmux wraps shell-multiplexer invocations. It is the only package
// that shells out to the tmux binary: window lifecycle, pane capture,
// activity and cwd queries, job launchers, and fork resolution all go
// through the Runner.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/errdefs"
)

// ValidSessionName is the grammar for session identifiers. Names are
// URL-safe and bounded by storage to 128 bytes.
var ValidSessionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	// maxNameLen bounds session names for storage.
	maxNameLen = 128

	// New windows open with headroom; clients resize on attach.
	initialCols = 200
	initialRows = 50

	// envAgentSessionID stores the injected agent session identifier in
	// the window environment.
	envAgentSessionID = "CLAUDE_HOST_AGENT_SESSION_ID"

	// envCommand stores the launched command for later fork resolution.
	envCommand = "CLAUDE_HOST_COMMAND"

	defaultExecTimeout = 5 * time.Second
)

// WindowInfo describes one live window as reported by the multiplexer.
type WindowInfo struct {
	Name         string
	Alive        bool
	LastActivity int64 // seconds since epoch
}

// Runner invokes the tmux binary. All operations are synchronous and run
// under short timeouts; the Runner holds no state beyond configuration.
type Runner struct {
	bin         string
	socket      string
	agentBinary string
	logger      *logger.Logger

	// command builds the *exec.Cmd for an invocation; tests stub it.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a Runner for the given tmux binary and optional socket
// name. agentBinary is the rich-agent CLI recognized for session-id
// injection and forks.
func NewRunner(bin, socket, agentBinary string, log *logger.Logger) *Runner {
	if bin == "" {
		bin = "tmux"
	}
	return &Runner{
		bin:         bin,
		socket:      socket,
		agentBinary: agentBinary,
		logger:      log.WithFields(zap.String("component", "tmux_runner")),
		command:     exec.CommandContext,
	}
}

// ValidateName rejects names outside the session identifier grammar.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen || !ValidSessionName.MatchString(name) {
		return fmt.Errorf("%w: %q", errdefs.ErrInvalidName, name)
	}
	return nil
}

// Preflight verifies the tmux binary is runnable.
func (r *Runner) Preflight(ctx context.Context) error {
	if _, err := r.run(ctx, "-V"); err != nil {
		return fmt.Errorf("tmux not available: %w", err)
	}
	return nil
}

// AttachArgs returns the argv used to attach a pty to the named window.
func (r *Runner) AttachArgs(name string) []string {
	args := r.baseArgs()
	return append([]string{r.bin}, append(args, "attach-session", "-t", "="+name)...)
}

// HasWindow reports whether a window with the given name exists.
func (r *Runner) HasWindow(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, err := r.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		// has-session exits non-zero when the session is absent.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateWindow opens a new 200x50 detached window and sends command to it.
// When the command's first token is the agent binary, a fresh 128-bit
// session identifier is injected into the window environment and appended
// to the command line as a session-id flag.
func (r *Runner) CreateWindow(ctx context.Context, name, command string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	exists, err := r.HasWindow(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, name)
	}

	if _, err := r.run(ctx, "new-session", "-d", "-s", name,
		"-x", strconv.Itoa(initialCols), "-y", strconv.Itoa(initialRows)); err != nil {
		return fmt.Errorf("%w: create window %s: %v", errdefs.ErrSpawnFailure, name, err)
	}

	launch := command
	if r.isAgentCommand(command) {
		sessionID := uuid.New().String()
		if err := r.SetWindowEnv(ctx, name, envAgentSessionID, sessionID); err != nil {
			r.logger.Warn("failed to store agent session id", zap.String("name", name), zap.Error(err))
		}
		launch = command + " --session-id " + sessionID
	}

	if err := r.SetWindowEnv(ctx, name, envCommand, command); err != nil {
		r.logger.Warn("failed to store window command", zap.String("name", name), zap.Error(err))
	}

	if launch != "" {
		if _, err := r.run(ctx, "send-keys", "-t", "="+name, launch, "Enter"); err != nil {
			_ = r.KillWindow(ctx, name)
			return fmt.Errorf("%w: send command to %s: %v", errdefs.ErrSpawnFailure, name, err)
		}
	}

	r.logger.Info("window created", zap.String("name", name), zap.String("command", command))
	return nil
}

// KillWindow removes the named window. Killing an absent window is not an
// error.
func (r *Runner) KillWindow(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := r.run(ctx, "kill-session", "-t", "="+name); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	r.logger.Info("window killed", zap.String("name", name))
	return nil
}

// ListWindows returns every live window with its last activity timestamp.
func (r *Runner) ListWindows(ctx context.Context) ([]WindowInfo, error) {
	out, err := r.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_activity}")
	if err != nil {
		// No server running means no windows.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, err
	}

	var windows []WindowInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		info := WindowInfo{Name: parts[0], Alive: true}
		if len(parts) == 2 {
			if ts, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				info.LastActivity = ts
			}
		}
		windows = append(windows, info)
	}
	return windows, nil
}

// CapturePane returns the last lines of pane text for the named window.
func (r *Runner) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 200
	}
	out, err := r.run(ctx, "capture-pane", "-p", "-t", "="+name, "-S", strconv.Itoa(-lines))
	if err != nil {
		return "", fmt.Errorf("%w: capture %s: %v", errdefs.ErrNotFound, name, err)
	}
	return out, nil
}

// PaneActivity returns the window's last activity as seconds since epoch.
func (r *Runner) PaneActivity(ctx context.Context, name string) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	out, err := r.run(ctx, "display-message", "-p", "-t", "="+name, "#{session_activity}")
	if err != nil {
		return 0, fmt.Errorf("%w: activity %s: %v", errdefs.ErrNotFound, name, err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse activity timestamp: %w", err)
	}
	return ts, nil
}

// PaneCwd returns the current working directory of the window's active pane.
func (r *Runner) PaneCwd(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	out, err := r.run(ctx, "display-message", "-p", "-t", "="+name, "#{pane_current_path}")
	if err != nil {
		return "", fmt.Errorf("%w: cwd %s: %v", errdefs.ErrNotFound, name, err)
	}
	return strings.TrimSpace(out), nil
}

// WindowEnv reads a window environment variable; empty when unset.
func (r *Runner) WindowEnv(ctx context.Context, name, key string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	out, err := r.run(ctx, "show-environment", "-t", "="+name, key)
	if err != nil {
		return "", nil
	}
	line := strings.TrimSpace(out)
	if idx := strings.IndexByte(line, '='); idx >= 0 {
		return line[idx+1:], nil
	}
	return "", nil
}

// SetWindowEnv stores a window environment variable.
func (r *Runner) SetWindowEnv(ctx context.Context, name, key, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := r.run(ctx, "set-environment", "-t", "="+name, key, value)
	return err
}

// StoredCommand returns the command a window was launched with.
func (r *Runner) StoredCommand(ctx context.Context, name string) (string, error) {
	return r.WindowEnv(ctx, name, envCommand)
}

// AgentSessionID returns the injected agent session id for a window, if any.
func (r *Runner) AgentSessionID(ctx context.Context, name string) (string, error) {
	return r.WindowEnv(ctx, name, envAgentSessionID)
}

// isAgentCommand reports whether the command's first whitespace-delimited
// token is the agent binary.
func (r *Runner) isAgentCommand(command string) bool {
	base := baseToken(command)
	return base != "" && base == r.agentBinary
}

// baseToken returns the first whitespace-delimited token of a command,
// stripped of any directory prefix.
func baseToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	tok := fields[0]
	if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
		tok = tok[idx+1:]
	}
	return tok
}

func (r *Runner) baseArgs() []string {
	if r.socket != "" {
		return []string{"-L", r.socket}
	}
	return nil
}

// run invokes tmux with the configured socket and returns combined stdout.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}
	full := append(r.baseArgs(), args...)
	cmd := r.command(ctx, r.bin, full...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
