// Package tmux wraps the tmux commands used to host worker sessions.
//
// Each worker runs inside a detached tmux session so a human can attach to
// any agent's terminal at will, and so the watchdog has a cheap liveness
// probe (has-session) that does not touch the worker's process group.
package tmux

import (
	"fmt"
	"strings"

	"github.com/obra/overstory/internal/util"
)

// SessionPrefix namespaces Overstory worker sessions.
const SessionPrefix = "overstory-"

// SessionName returns the tmux session name for an agent.
func SessionName(agent string) string {
	return SessionPrefix + agent
}

// NewSession starts a detached session named name with the given working
// directory, injecting env as session environment. command is the program
// line launched inside the session.
func NewSession(name, workDir string, env map[string]string, command string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", workDir}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	if command != "" {
		args = append(args, command)
	}
	if err := util.Run("", "tmux", args...); err != nil {
		return fmt.Errorf("starting tmux session %s: %w", name, err)
	}
	return nil
}

// HasSession reports whether a session named name exists.
func HasSession(name string) bool {
	return util.Run("", "tmux", "has-session", "-t", name) == nil
}

// KillSession terminates a session. Killing an absent session is a no-op.
func KillSession(name string) error {
	err := util.Run("", "tmux", "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// SendKeys types keys into the session, followed by Enter.
func SendKeys(name, keys string) error {
	if err := util.Run("", "tmux", "send-keys", "-t", name, keys, "Enter"); err != nil {
		return fmt.Errorf("sending keys to %s: %w", name, err)
	}
	return nil
}

// ListSessions returns the names of Overstory worker sessions.
func ListSessions() ([]string, error) {
	out, err := util.RunOutput("", "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// PanePID returns the pid of the session's first pane process, for
// watchdog process probes.
func PanePID(name string) (int, error) {
	out, err := util.RunOutput("", "tmux", "list-panes", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("reading pane pid for %s: %w", name, err)
	}
	var pid int
	if _, err := fmt.Sscanf(strings.SplitN(out, "\n", 2)[0], "%d", &pid); err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}
