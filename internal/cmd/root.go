// Package cmd implements the overstory CLI.
//
// Each verb lives in its own file: package-level flag vars, a cobra.Command,
// and an init() that registers flags and attaches the command to rootCmd.
// Commands open only the stores they touch and close them before returning;
// the CLI is invoked once per hook callback, so startup stays cheap.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/style"
	"github.com/obra/overstory/internal/workspace"
)

// Command groups for help output.
const (
	GroupAgents = "agents"
	GroupMail   = "mail"
	GroupMerge  = "merge"
	GroupDiag   = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "overstory",
	Short: "Multi-agent orchestration over git worktrees and tmux",
	Long: `Overstory coordinates a tree of coding-assistant agents working on one
repository. Each worker gets an isolated git worktree, a guard overlay, and
a detached tmux session; agents talk through a durable mail bus and land
their branches through a tiered merge queue.

All state lives under .overstory/ at the project root. Run 'overstory init'
in a git repository to get started.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupAgents, Title: "Agent lifecycle:"},
		&cobra.Group{ID: GroupMail, Title: "Messaging:"},
		&cobra.Group{ID: GroupMerge, Title: "Merge pipeline:"},
		&cobra.Group{ID: GroupDiag, Title: "Observability:"},
	)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		return exitCode(err)
	}
	return 0
}

// proj is the resolved project context every command starts from.
type proj struct {
	Root   *workspace.Root
	Config *config.Config
}

// openProject locates the project root from the working directory and loads
// its configuration.
func openProject() (*proj, error) {
	path, err := workspace.FindFromCwd()
	if err != nil {
		return nil, err
	}
	root := &workspace.Root{Path: path}
	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return nil, err
	}
	return &proj{Root: root, Config: cfg}, nil
}

// manifestPath resolves the configured manifest location against .overstory/.
func (p *proj) manifestPath() string {
	return filepath.Join(p.Root.StateDir(), p.Config.Agents.ManifestPath)
}

// worktreesDir resolves the configured worktree base against .overstory/.
func (p *proj) worktreesDir() string {
	return filepath.Join(p.Root.StateDir(), p.Config.Worktrees.BaseDir)
}

// agentsDir resolves the per-agent home base against .overstory/.
func (p *proj) agentsDir() string {
	return filepath.Join(p.Root.StateDir(), p.Config.Agents.BaseDir)
}

// currentRunID reads current-run.txt, returning "" when no run is active.
func (p *proj) currentRunID() string {
	data, err := os.ReadFile(p.Root.CurrentRunPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// callerAgent resolves the acting agent name: the flag when set, otherwise
// the identity env var guards inject, otherwise "operator".
func callerAgent(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("OVERSTORY_AGENT"); env != "" {
		return env
	}
	return "operator"
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
