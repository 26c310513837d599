// Package config loads and saves the Overstory project configuration.
//
// Configuration lives at .overstory/config.yaml. Missing sections fall
// back to defaults so a minimal file (or none at all) still yields a
// working setup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/obra/overstory/internal/util"
)

// Provider types in the providers table.
const (
	ProviderNative  = "native"
	ProviderGateway = "gateway"
)

// Config is the root of config.yaml.
type Config struct {
	// Project is the human-readable project name.
	Project string `yaml:"project"`

	Agents    AgentsConfig   `yaml:"agents"`
	Worktrees WorktreeConfig `yaml:"worktrees"`
	Beads     BeadsConfig    `yaml:"beads"`
	Mulch     MulchConfig    `yaml:"mulch"`
	Merge     MergeConfig    `yaml:"merge"`
	Watchdog  WatchdogConfig `yaml:"watchdog"`
	Logging   LoggingConfig  `yaml:"logging"`

	// Providers maps a provider key (the head of a slash-prefixed model
	// string) to its routing entry.
	Providers map[string]Provider `yaml:"providers,omitempty"`

	// Models overrides the manifest's model per role.
	Models map[string]string `yaml:"models,omitempty"`
}

// AgentsConfig controls spawning.
type AgentsConfig struct {
	// ManifestPath is the agent catalog, relative to .overstory/.
	ManifestPath string `yaml:"manifestPath"`

	// BaseDir holds per-agent homes (identity, checkpoint), relative to .overstory/.
	BaseDir string `yaml:"baseDir"`

	// MaxConcurrent caps simultaneously active workers.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// StaggerDelayMs is the pause between batch spawns.
	StaggerDelayMs int `yaml:"staggerDelayMs"`

	// MaxDepth bounds the spawn tree (orchestrator is depth 0).
	MaxDepth int `yaml:"maxDepth"`
}

// WorktreeConfig controls worktree placement.
type WorktreeConfig struct {
	// BaseDir holds agent worktrees, relative to .overstory/.
	BaseDir string `yaml:"baseDir"`
}

// BeadsConfig controls task-tracker integration.
type BeadsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MulchConfig controls knowledge-base integration.
type MulchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Domains     []string `yaml:"domains,omitempty"`
	PrimeFormat string   `yaml:"primeFormat,omitempty"`
}

// MergeConfig controls the merge pipeline.
type MergeConfig struct {
	// CanonicalBranch is the trunk agents merge into.
	CanonicalBranch string `yaml:"canonicalBranch"`

	// AIResolveEnabled gates tier 3 (per-file AI resolution).
	AIResolveEnabled bool `yaml:"aiResolveEnabled"`

	// ReimagineEnabled gates tier 4 (regenerate on canonical).
	ReimagineEnabled bool `yaml:"reimagineEnabled"`

	// ResolverCommand is the external helper invoked by tiers 3 and 4.
	ResolverCommand string `yaml:"resolverCommand,omitempty"`
}

// WatchdogConfig holds liveness thresholds. All durations are milliseconds.
type WatchdogConfig struct {
	// Tier0IntervalMs is the mechanical patrol interval.
	Tier0IntervalMs int `yaml:"tier0IntervalMs"`

	// StaleThresholdMs is inactivity before a session is escalated.
	StaleThresholdMs int `yaml:"staleThresholdMs"`

	// ZombieThresholdMs is inactivity before a session is terminated.
	ZombieThresholdMs int `yaml:"zombieThresholdMs"`

	// TriageEnabled gates the tier-1 AI stall classifier.
	TriageEnabled bool `yaml:"triageEnabled"`
}

// LoggingConfig controls CLI output.
type LoggingConfig struct {
	Verbose       bool `yaml:"verbose"`
	RedactSecrets bool `yaml:"redactSecrets"`
}

// Provider is one entry in the provider routing table.
type Provider struct {
	// Type is "native" or "gateway".
	Type string `yaml:"type"`

	// BaseURL is the gateway endpoint; required for gateway routing.
	BaseURL string `yaml:"baseUrl,omitempty"`

	// AuthTokenEnv names the environment variable holding the gateway
	// auth token. Pulled at resolve time, never cached.
	AuthTokenEnv string `yaml:"authTokenEnv,omitempty"`
}

// Default returns the configuration used when config.yaml is absent.
func Default() *Config {
	return &Config{
		Project: "overstory",
		Agents: AgentsConfig{
			ManifestPath:   "agent-manifest.json",
			BaseDir:        "agents",
			MaxConcurrent:  4,
			StaggerDelayMs: 2000,
			MaxDepth:       3,
		},
		Worktrees: WorktreeConfig{BaseDir: "worktrees"},
		Beads:     BeadsConfig{Enabled: true},
		Mulch:     MulchConfig{Enabled: false},
		Merge: MergeConfig{
			CanonicalBranch:  "main",
			AIResolveEnabled: false,
			ReimagineEnabled: false,
			ResolverCommand:  "claude",
		},
		Watchdog: WatchdogConfig{
			Tier0IntervalMs:   30_000,
			StaleThresholdMs:  300_000,
			ZombieThresholdMs: 900_000,
		},
		Logging: LoggingConfig{RedactSecrets: true},
	}
}

// Load reads config.yaml at path, layering it over defaults.
// A missing file returns defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from workspace helpers
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}
