package rich

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/claude-host/claude-host/internal/errdefs"
)

// agentProcess is the bridge's view of the agent subprocess. Tests stub it.
type agentProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Signal(sig os.Signal) error
	Kill()
	// Wait blocks until exit and returns the exit code with any wait error.
	Wait() (int, error)
}

// cmdProcess runs the real agent CLI in streaming JSON mode.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// spawnAgent starts the agent CLI for a rich session. A non-empty resumeID
// continues an earlier conversation.
func spawnAgent(agentBinary, resumeID string, skipPermissions bool, cwd string) (agentProcess, error) {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.Command(agentBinary, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: agent stdin: %v", errdefs.ErrSpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: agent stdout: %v", errdefs.ErrSpawnFailure, err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", errdefs.ErrSpawnFailure, agentBinary, err)
	}
	return &cmdProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *cmdProcess) Stdin() io.Writer  { return p.stdin }
func (p *cmdProcess) Stdout() io.Reader { return p.stdout }

func (p *cmdProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("%w: agent not running", errdefs.ErrNotFound)
	}
	return p.cmd.Process.Signal(sig)
}

func (p *cmdProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *cmdProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = p.stdin.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// classifyStdinError maps a stdin write failure onto the error taxonomy:
// a broken pipe is transient (the next prompt respawns with --resume),
// anything else is an io failure.
func classifyStdinError(err error) error {
	if isBrokenPipe(err) {
		return fmt.Errorf("%w: agent stdin: %v", errdefs.ErrTransient, err)
	}
	return fmt.Errorf("%w: agent stdin: %v", errdefs.ErrIoFailure, err)
}

// isBrokenPipe reports a stdin write against a dead agent process.
func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
