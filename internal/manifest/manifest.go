// Package manifest loads and validates the agent catalog.
//
// The manifest is a JSON file mapping agent names to definitions: which
// role prompt to load, which model to run, which tools and capabilities
// the agent gets. A derived capability index answers "who can review"
// style questions for spawn and broadcast resolution.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/util"
)

// ErrFileMissing wraps the agent whose role prompt file does not exist.
type ErrFileMissing struct {
	Agent string
	Path  string
}

func (e *ErrFileMissing) Error() string {
	return fmt.Sprintf("agent %s: role prompt file missing: %s", e.Agent, e.Path)
}

// AgentDef is one agent entry in the catalog.
type AgentDef struct {
	// File is the role prompt path, relative to the manifest's directory.
	File string `json:"file"`

	// Model is a model alias (sonnet, opus, haiku) or a provider-prefixed
	// string like "openrouter/qwen-coder".
	Model string `json:"model"`

	Tools        []string `json:"tools,omitempty"`
	Capabilities []string `json:"capabilities"`
	CanSpawn     bool     `json:"canSpawn,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
}

// Manifest is the loaded agent catalog plus its derived capability index.
type Manifest struct {
	Version int                  `json:"version"`
	Agents  map[string]*AgentDef `json:"agents"`

	// capabilityIndex maps capability to the sorted agent names declaring it.
	capabilityIndex map[string][]string

	// dir is the manifest's directory, for resolving prompt paths.
	dir string
}

// Load reads, validates, and indexes the manifest at path. Every referenced
// role prompt file must exist.
func Load(path string) (*Manifest, error) {
	var m Manifest
	if err := util.ReadJSON(path, &m); err != nil {
		return nil, &oserr.AgentError{Op: "loadManifest", Err: err}
	}
	m.dir = filepath.Dir(path)

	if len(m.Agents) == 0 {
		return nil, &oserr.AgentError{Op: "loadManifest", Err: fmt.Errorf("manifest declares no agents")}
	}
	for name, def := range m.Agents {
		if def == nil || def.File == "" {
			return nil, &oserr.AgentError{Agent: name, Op: "loadManifest", Err: fmt.Errorf("missing file field")}
		}
		p := m.PromptPath(name)
		if _, err := os.Stat(p); err != nil {
			return nil, &ErrFileMissing{Agent: name, Path: p}
		}
	}

	m.buildIndex()
	if errs := m.Validate(); len(errs) > 0 {
		return nil, &oserr.AgentError{Op: "loadManifest", Err: fmt.Errorf("%s", errs[0])}
	}
	return &m, nil
}

// PromptPath returns the absolute role prompt path for agent name.
func (m *Manifest) PromptPath(name string) string {
	def := m.Agents[name]
	if def == nil {
		return ""
	}
	if filepath.IsAbs(def.File) {
		return def.File
	}
	return filepath.Join(m.dir, def.File)
}

func (m *Manifest) buildIndex() {
	m.capabilityIndex = make(map[string][]string)
	for name, def := range m.Agents {
		for _, c := range def.Capabilities {
			m.capabilityIndex[c] = append(m.capabilityIndex[c], name)
		}
	}
	for c := range m.capabilityIndex {
		sort.Strings(m.capabilityIndex[c])
	}
}

// ByCapability returns the agent names declaring capability c.
func (m *Manifest) ByCapability(c session.Capability) []string {
	return m.capabilityIndex[string(c)]
}

// Get returns the definition for agent name, or nil.
func (m *Manifest) Get(name string) *AgentDef {
	return m.Agents[name]
}

// Validate re-runs structural checks plus bidirectional index consistency
// and returns every problem found as a human-readable string.
func (m *Manifest) Validate() []string {
	var errs []string
	for name, def := range m.Agents {
		if def.File == "" {
			errs = append(errs, fmt.Sprintf("agent %s: missing file field", name))
		}
		if def.Model == "" {
			errs = append(errs, fmt.Sprintf("agent %s: missing model field", name))
		}
		if len(def.Capabilities) == 0 {
			errs = append(errs, fmt.Sprintf("agent %s: declares no capabilities", name))
		}
		for _, c := range def.Capabilities {
			if !session.Capability(c).Valid() {
				errs = append(errs, fmt.Sprintf("agent %s: unknown capability %q", name, c))
			}
			if !contains(m.capabilityIndex[c], name) {
				errs = append(errs, fmt.Sprintf("agent %s: capability %q missing from index", name, c))
			}
		}
	}
	for c, names := range m.capabilityIndex {
		for _, n := range names {
			def := m.Agents[n]
			if def == nil {
				errs = append(errs, fmt.Sprintf("index capability %q names undeclared agent %q", c, n))
				continue
			}
			if !contains(def.Capabilities, c) {
				errs = append(errs, fmt.Sprintf("index capability %q names agent %q which does not declare it", c, n))
			}
		}
	}
	sort.Strings(errs)
	return errs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
