// Package spawn creates worker sessions: a git worktree on a dedicated
// branch, a guard overlay, a detached tmux session running the coding
// assistant, and a registry row tying it all together.
package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/guard"
	"github.com/obra/overstory/internal/manifest"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/tmux"
)

// Request asks for one new worker.
type Request struct {
	Capability  session.Capability
	BeadID      string
	ParentAgent string

	// ParentDepth is the spawning agent's depth; the worker gets one more.
	// Zero for workers spawned directly by the orchestrator.
	ParentDepth int
}

// Spawner wires the pieces a spawn touches. The tmux field indirection
// exists for tests; production callers leave the defaults.
type Spawner struct {
	Config   *config.Config
	Manifest *manifest.Manifest
	Registry *session.Registry
	Runs     *session.RunStore
	Events   *events.Store
	Repo     *git.Repo

	// WorktreesDir is the directory worktrees are allocated under.
	WorktreesDir string

	// Launcher builds the command line started inside the tmux session.
	// Defaults to the claude CLI with the resolved model.
	Launcher func(model manifest.Resolved, promptPath string) string

	NewTmuxSession   func(name, workDir string, env map[string]string, command string) error
	KillTmuxSession  func(name string) error
	StyleTmuxSession func(name string, theme tmux.Theme) error
}

// BranchName returns the branch a worker commits to.
func BranchName(agent, beadID string) string {
	return fmt.Sprintf("overstory/%s/%s", agent, beadID)
}

// Spawn creates a worker for req and returns its registry row.
//
// Failure after worktree creation removes the worktree and branch; failure
// after the tmux launch also kills the session. Nothing half-spawned is
// left behind for the watchdog to chase.
func (s *Spawner) Spawn(req Request) (*session.Session, error) {
	if !req.Capability.Valid() {
		return nil, &oserr.ValidationError{Field: "capability", Value: string(req.Capability), Msg: "unknown capability"}
	}
	if req.BeadID == "" {
		return nil, &oserr.ValidationError{Field: "beadId", Msg: "must not be empty"}
	}
	depth := req.ParentDepth + 1
	if max := s.Config.Agents.MaxDepth; max > 0 && depth > max {
		return nil, &oserr.AgentError{Op: "spawn",
			Err: fmt.Errorf("spawn depth %d exceeds limit %d", depth, max)}
	}

	active, err := s.Registry.GetActive()
	if err != nil {
		return nil, err
	}
	if max := s.Config.Agents.MaxConcurrent; max > 0 && len(active) >= max {
		return nil, &oserr.AgentError{Op: "spawn",
			Err: fmt.Errorf("%d agents already active, limit %d", len(active), max)}
	}

	role, err := s.pickRole(req.Capability)
	if err != nil {
		return nil, err
	}
	name := s.allocateName(role, active)

	branch := BranchName(name, req.BeadID)
	worktree := filepath.Join(s.WorktreesDir, name)
	if err := s.Repo.WorktreeAdd(worktree, branch, s.Config.Merge.CanonicalBranch); err != nil {
		return nil, &oserr.AgentError{Agent: name, Op: "spawn", Err: err}
	}

	sess, err := s.finishSpawn(req, name, role, branch, worktree, depth)
	if err != nil {
		s.cleanup(name, worktree, branch)
		return nil, err
	}
	return sess, nil
}

func (s *Spawner) finishSpawn(req Request, name, role, branch, worktree string, depth int) (*session.Session, error) {
	if _, err := guard.Deploy(worktree, name, req.Capability, s.Config.Merge.CanonicalBranch); err != nil {
		return nil, &oserr.AgentError{Agent: name, Op: "deployGuards", Err: err}
	}

	resolved := manifest.ResolveModel(s.Config, s.Manifest, role, "sonnet")
	env := map[string]string{
		guard.EnvAgent:    name,
		guard.EnvWorktree: worktree,
	}
	for k, v := range resolved.Env {
		env[k] = v
	}

	tmuxName := tmux.SessionName(name)
	command := s.launcher()(resolved, s.Manifest.PromptPath(role))
	if err := s.newTmux()(tmuxName, worktree, env, command); err != nil {
		return nil, &oserr.AgentError{Agent: name, Op: "startSession", Err: err}
	}
	// Cosmetic: color the status bar by capability so an attached human
	// can tell workers apart.
	_ = s.styleTmux()(tmuxName, tmux.ThemeFor(name, string(req.Capability)))

	runID := ""
	if s.Runs != nil {
		if run, err := s.Runs.GetActiveRun(); err == nil && run != nil {
			runID = run.ID
		}
	}

	sess := &session.Session{
		ID:           "sess-" + uuid.NewString()[:8],
		AgentName:    name,
		Capability:   req.Capability,
		WorktreePath: worktree,
		BranchName:   branch,
		BeadID:       req.BeadID,
		TmuxSession:  tmuxName,
		ParentAgent:  req.ParentAgent,
		Depth:        depth,
		RunID:        runID,
		State:        session.StateBooting,
	}
	if err := s.Registry.Upsert(sess); err != nil {
		_ = s.killTmux()(tmuxName)
		return nil, err
	}
	if runID != "" {
		if err := s.Runs.IncrementAgentCount(runID); err != nil {
			return nil, err
		}
	}
	s.recordSpawn(sess)
	return sess, nil
}

// pickRole finds a manifest agent declaring the capability. With several
// candidates the alphabetically first wins, keeping spawns deterministic.
func (s *Spawner) pickRole(cap session.Capability) (string, error) {
	names := s.Manifest.ByCapability(cap)
	if len(names) == 0 {
		return "", &oserr.AgentError{Op: "spawn",
			Err: fmt.Errorf("no manifest agent declares capability %q", cap)}
	}
	return names[0], nil
}

// allocateName picks the first free role-N name not already live.
func (s *Spawner) allocateName(role string, active []*session.Session) string {
	taken := make(map[string]bool, len(active))
	for _, a := range active {
		taken[a.AgentName] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s-%d", role, i)
		if !taken[name] {
			return name
		}
	}
}

func (s *Spawner) cleanup(name, worktree, branch string) {
	_ = s.killTmux()(tmux.SessionName(name))
	_ = s.Repo.WorktreeRemove(worktree, true)
	_ = os.RemoveAll(worktree)
	_ = s.Repo.DeleteBranch(branch)
}

func (s *Spawner) recordSpawn(sess *session.Session) {
	if s.Events == nil {
		return
	}
	_, _ = s.Events.Insert(&events.StoredEvent{
		RunID:     sess.RunID,
		AgentName: sess.AgentName,
		SessionID: sess.ID,
		EventType: events.TypeSpawn,
		Level:     events.LevelInfo,
		Data: fmt.Sprintf(`{"capability":%q,"branch":%q,"parent":%q}`,
			sess.Capability, sess.BranchName, sess.ParentAgent),
	})
}

// StaggerDelay is how long a caller spawning several workers should wait
// between spawns, so assistants do not all hit startup rate limits at once.
func (s *Spawner) StaggerDelay() time.Duration {
	return time.Duration(s.Config.Agents.StaggerDelayMs) * time.Millisecond
}

func (s *Spawner) launcher() func(manifest.Resolved, string) string {
	if s.Launcher != nil {
		return s.Launcher
	}
	return defaultLauncher
}

func defaultLauncher(model manifest.Resolved, promptPath string) string {
	cmd := "claude --model " + model.Model
	if promptPath != "" {
		cmd += " --append-system-prompt-file " + promptPath
	}
	return cmd
}

func (s *Spawner) newTmux() func(string, string, map[string]string, string) error {
	if s.NewTmuxSession != nil {
		return s.NewTmuxSession
	}
	return tmux.NewSession
}

func (s *Spawner) killTmux() func(string) error {
	if s.KillTmuxSession != nil {
		return s.KillTmuxSession
	}
	return tmux.KillSession
}

func (s *Spawner) styleTmux() func(string, tmux.Theme) error {
	if s.StyleTmuxSession != nil {
		return s.StyleTmuxSession
	}
	return tmux.ApplyTheme
}
