// Package checkpoint persists per-agent identity and session checkpoints
// under .overstory/agents/<name>/.
//
// Identity is permanent: written once at first spawn, reread on respawn so
// an agent keeps its id across sessions. The checkpoint is scratch state a
// worker saves before compaction or shutdown and reloads on its next boot.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/util"
)

const (
	identityFile   = "identity.yaml"
	checkpointFile = "checkpoint.json"
)

// Identity is the permanent per-agent record.
type Identity struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Capability session.Capability `yaml:"capability"`
	CreatedAt  time.Time          `yaml:"createdAt"`
}

// Checkpoint is the resumable session state a worker saves for itself.
type Checkpoint struct {
	// BeadID is the work item in progress.
	BeadID string `json:"beadId,omitempty"`

	// Branch is the worker's git branch.
	Branch string `json:"branch,omitempty"`

	// ModifiedFiles lists files touched since the last commit.
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`

	// Summary and NextSteps carry context for the resuming session.
	Summary   string   `json:"summary,omitempty"`
	NextSteps []string `json:"nextSteps,omitempty"`

	// SessionID identifies the session that wrote the checkpoint.
	SessionID string `json:"sessionId,omitempty"`

	SavedAt time.Time `json:"savedAt"`
}

// Dir manages one agent's state directory.
type Dir struct {
	path string
}

// ForAgent returns the checkpoint directory for agent under agentsDir,
// creating it if needed.
func ForAgent(agentsDir, agent string) (*Dir, error) {
	p := filepath.Join(agentsDir, agent)
	if err := util.EnsureDir(p); err != nil {
		return nil, err
	}
	return &Dir{path: p}, nil
}

// LoadIdentity returns the stored identity, or nil when none exists yet.
func (d *Dir) LoadIdentity() (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(d.path, identityFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return &id, nil
}

// EnsureIdentity returns the stored identity, writing a fresh one when the
// agent has never run before. An existing identity is never overwritten.
func (d *Dir) EnsureIdentity(id, name string, cap session.Capability) (*Identity, error) {
	existing, err := d.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	ident := &Identity{ID: id, Name: name, Capability: cap, CreatedAt: time.Now().UTC()}
	data, err := yaml.Marshal(ident)
	if err != nil {
		return nil, fmt.Errorf("marshaling identity: %w", err)
	}
	if err := util.AtomicWriteFile(filepath.Join(d.path, identityFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return ident, nil
}

// SaveCheckpoint atomically replaces the agent's checkpoint.
func (d *Dir) SaveCheckpoint(c *Checkpoint) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	return util.AtomicWriteJSON(filepath.Join(d.path, checkpointFile), c)
}

// LoadCheckpoint returns the saved checkpoint, or nil when none exists.
func (d *Dir) LoadCheckpoint() (*Checkpoint, error) {
	var c Checkpoint
	err := util.ReadJSON(filepath.Join(d.path, checkpointFile), &c)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearCheckpoint removes the checkpoint after a clean completion.
func (d *Dir) ClearCheckpoint() error {
	err := os.Remove(filepath.Join(d.path, checkpointFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	return nil
}
