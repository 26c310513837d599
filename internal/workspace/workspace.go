// Package workspace locates the Overstory project root and provides path
// helpers for everything that lives under .overstory/.
//
// A project root is any directory containing a .overstory/ subdirectory.
// All durable state (stores, nudge markers, worktrees, agent homes) lives
// under that subdirectory; the repository being orchestrated is the root
// itself.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is the name of the Overstory state directory at the project root.
const Dir = ".overstory"

// Well-known file and directory names under .overstory/.
const (
	FileConfig     = "config.yaml"
	FileManifest   = "agent-manifest.json"
	FileHooks      = "hooks.json"
	FileCurrentRun = "current-run.txt"

	FileMailDB     = "mail.db"
	FileEventsDB   = "events.db"
	FileSessionsDB = "sessions.db"
	FileMetricsDB  = "metrics.db"
	FileMergeDB    = "merge-queue.db"

	DirAgentDefs     = "agent-defs"
	DirAgents        = "agents"
	DirWorktrees     = "worktrees"
	DirPendingNudges = "pending-nudges"
)

// Find walks up from dir looking for a .overstory directory.
// Returns the project root (the directory containing .overstory), or an
// error if none is found before the filesystem root.
func Find(dir string) (string, error) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		info, err := os.Stat(filepath.Join(cur, Dir))
		if err == nil && info.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no %s directory found above %s", Dir, dir)
		}
		cur = parent
	}
}

// FindFromCwd locates the project root starting from the current directory.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}

// Root bundles path helpers for one project root.
type Root struct {
	// Path is the project root (the directory containing .overstory).
	Path string
}

// Open returns a Root for the project containing dir.
func Open(dir string) (*Root, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return &Root{Path: path}, nil
}

// StateDir returns the .overstory directory itself.
func (r *Root) StateDir() string { return filepath.Join(r.Path, Dir) }

// ConfigPath returns the path to config.yaml.
func (r *Root) ConfigPath() string { return filepath.Join(r.StateDir(), FileConfig) }

// ManifestPath returns the path to agent-manifest.json.
func (r *Root) ManifestPath() string { return filepath.Join(r.StateDir(), FileManifest) }

// HooksPath returns the path to hooks.json.
func (r *Root) HooksPath() string { return filepath.Join(r.StateDir(), FileHooks) }

// CurrentRunPath returns the path to current-run.txt.
func (r *Root) CurrentRunPath() string { return filepath.Join(r.StateDir(), FileCurrentRun) }

// MailDB returns the path to the mail store.
func (r *Root) MailDB() string { return filepath.Join(r.StateDir(), FileMailDB) }

// EventsDB returns the path to the event store.
func (r *Root) EventsDB() string { return filepath.Join(r.StateDir(), FileEventsDB) }

// SessionsDB returns the path to the session registry store.
func (r *Root) SessionsDB() string { return filepath.Join(r.StateDir(), FileSessionsDB) }

// MetricsDB returns the path to the metrics store.
func (r *Root) MetricsDB() string { return filepath.Join(r.StateDir(), FileMetricsDB) }

// MergeDB returns the path to the merge queue store.
func (r *Root) MergeDB() string { return filepath.Join(r.StateDir(), FileMergeDB) }

// AgentDefsDir returns the directory holding role prompt files.
func (r *Root) AgentDefsDir() string { return filepath.Join(r.StateDir(), DirAgentDefs) }

// AgentDir returns the per-agent home directory (identity, checkpoint).
func (r *Root) AgentDir(name string) string {
	return filepath.Join(r.StateDir(), DirAgents, name)
}

// WorktreesDir returns the default directory for agent worktrees.
func (r *Root) WorktreesDir() string { return filepath.Join(r.StateDir(), DirWorktrees) }

// WorktreePath returns the worktree path for an agent.
func (r *Root) WorktreePath(agent string) string {
	return filepath.Join(r.WorktreesDir(), agent)
}

// PendingNudgesDir returns the directory holding per-recipient nudge markers.
func (r *Root) PendingNudgesDir() string {
	return filepath.Join(r.StateDir(), DirPendingNudges)
}

// NudgeMarkerPath returns the nudge marker path for a recipient.
func (r *Root) NudgeMarkerPath(agent string) string {
	return filepath.Join(r.PendingNudgesDir(), agent+".json")
}
