// Package tmux provides the terminal-multiplexer capability used to
// host agent processes, plus the process probes the health daemon and
// cleanup paths rely on. All subprocess invocations carry short
// deadlines so a wedged tmux or ps can never block the daemon loop.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"conductor/internal/logging"
)

// Multiplexer is the capability the orchestrator needs from a session
// host. Implementations must be safe for concurrent use.
type Multiplexer interface {
	// CreateSession starts a detached session running command with
	// stdin from promptPath and stdout appended to logPath. It returns
	// the pane's process id.
	CreateSession(ctx context.Context, name string, command []string, promptPath, logPath string) (pid int, err error)
	// SessionExists reports whether the named session is alive.
	SessionExists(ctx context.Context, name string) bool
	// KillSession terminates the named session. Killing a session that
	// is already gone is not an error.
	KillSession(ctx context.Context, name string) error
}

// Tmux is the production Multiplexer backed by the tmux binary.
type Tmux struct {
	binary       string
	probeTimeout time.Duration
}

// NewTmux returns a Tmux using the given probe timeout for
// SessionExists/KillSession calls.
func NewTmux(probeTimeout time.Duration) *Tmux {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Tmux{binary: "tmux", probeTimeout: probeTimeout}
}

// CreateSession starts a detached tmux session and resolves the pane
// pid.
func (t *Tmux) CreateSession(ctx context.Context, name string, command []string, promptPath, logPath string) (int, error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("empty command for session %s", name)
	}
	// The shell line redirects the prompt in and the stream log out so
	// the subprocess needs no knowledge of our file layout.
	shellCmd := fmt.Sprintf("%s < %s >> %s 2>&1",
		strings.Join(command, " "), shellQuote(promptPath), shellQuote(logPath))

	cmd := exec.CommandContext(ctx, t.binary, "new-session", "-d", "-s", name, shellCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("tmux new-session %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}

	pid, err := t.panePID(ctx, name)
	if err != nil {
		logging.Get(logging.CategoryTmux).Warn("session %s created but pid unresolved: %v", name, err)
		return 0, nil
	}
	logging.Get(logging.CategoryTmux).Info("created session %s (pid %d)", name, pid)
	return pid, nil
}

func (t *Tmux) panePID(ctx context.Context, name string) (int, error) {
	cmd := exec.CommandContext(ctx, t.binary, "list-panes", "-t", name, "-F", "#{pane_pid}")
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("tmux list-panes: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("no panes in session %s", name)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", fields[0], err)
	}
	return pid, nil
}

// SessionExists probes for the named session with a bounded deadline.
func (t *Tmux) SessionExists(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.binary, "has-session", "-t", name)
	return cmd.Run() == nil
}

// KillSession kills the named session; a missing session is fine.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.binary, "kill-session", "-t", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
