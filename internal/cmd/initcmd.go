package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/manifest"
	"github.com/obra/overstory/internal/style"
	"github.com/obra/overstory/internal/util"
	"github.com/obra/overstory/internal/workspace"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: GroupAgents,
	Short:   "Scaffold .overstory/ in the current repository",
	Long: `Create the .overstory/ state directory with a default configuration,
a starter agent manifest, role prompt stubs, and the hook wiring that routes
assistant tool calls back through this CLI.

Refuses to overwrite an existing setup unless --force is given. Databases
and worktrees are never touched either way.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config, manifest, and hooks")
	rootCmd.AddCommand(initCmd)
}

// starterRoles are the manifest entries init scaffolds. Every capability a
// fresh orchestration needs is covered; operators trim or extend from here.
var starterRoles = []struct {
	name       string
	model      string
	caps       []string
	canSpawn   bool
	promptHint string
}{
	{"scout", "haiku", []string{"scout"}, false,
		"Explore the codebase and report findings by mail. You never edit files."},
	{"builder", "sonnet", []string{"builder"}, false,
		"Implement the assigned bead on your branch. Commit as you go and send worker_done when finished."},
	{"reviewer", "sonnet", []string{"reviewer"}, false,
		"Review the diff you are assigned and reply with findings. You never edit files."},
	{"lead", "sonnet", []string{"lead"}, true,
		"Break the assigned work into beads, spawn builders and reviewers, and send merge_ready when the branch set is reviewed."},
	{"merger", "sonnet", []string{"merger"}, false,
		"Resolve merge conflicts the queue could not settle mechanically."},
	{"monitor", "haiku", []string{"monitor"}, false,
		"Watch the event feed and escalate anomalies by mail. You never edit files."},
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	root := &workspace.Root{Path: cwd}

	if _, err := os.Stat(root.ConfigPath()); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", root.ConfigPath())
	}

	for _, dir := range []string{
		root.StateDir(),
		root.AgentDefsDir(),
		filepath.Join(root.StateDir(), workspace.DirAgents),
		root.WorktreesDir(),
		root.PendingNudgesDir(),
	} {
		if err := util.EnsureDir(dir); err != nil {
			return err
		}
	}

	if err := config.Save(root.ConfigPath(), config.Default()); err != nil {
		return err
	}
	if err := writeStarterManifest(root); err != nil {
		return err
	}
	if err := writeHooks(root); err != nil {
		return err
	}
	if err := writeStateIgnore(root); err != nil {
		return err
	}

	fmt.Printf("%s initialized %s\n", style.SuccessPrefix, root.StateDir())
	fmt.Printf("%s edit %s to tune roles and models\n", style.ArrowPrefix, root.ManifestPath())
	return nil
}

func writeStarterManifest(root *workspace.Root) error {
	m := &manifest.Manifest{Version: 1, Agents: map[string]*manifest.AgentDef{}}
	for _, r := range starterRoles {
		file := r.name + ".md"
		m.Agents[r.name] = &manifest.AgentDef{
			File:         filepath.Join(workspace.DirAgentDefs, file),
			Model:        r.model,
			Capabilities: r.caps,
			CanSpawn:     r.canSpawn,
		}
		prompt := fmt.Sprintf("# %s\n\n%s\n", r.name, r.promptHint)
		path := filepath.Join(root.AgentDefsDir(), file)
		if err := util.AtomicWriteFile(path, []byte(prompt), 0o644); err != nil {
			return err
		}
	}
	return util.AtomicWriteJSON(root.ManifestPath(), m)
}

// writeHooks emits the orchestrator-side hook table and deploys it verbatim
// into the repository's .claude/settings.json. Workers get their guard
// overlay separately at spawn; these hooks route every tool call and session
// boundary through the event log and deliver mail on each prompt.
func writeHooks(root *workspace.Root) error {
	logHook := func(sub string) map[string]any {
		return map[string]any{
			"type":    "command",
			"command": fmt.Sprintf(`overstory log %s --agent "$OVERSTORY_AGENT" --stdin`, sub),
		}
	}
	hooks := map[string]any{
		"hooks": map[string]any{
			"SessionStart": []map[string]any{
				{"hooks": []map[string]any{{
					"type":    "command",
					"command": `overstory prime --agent "$OVERSTORY_AGENT"`,
				}}},
			},
			"UserPromptSubmit": []map[string]any{
				{"hooks": []map[string]any{{
					"type":    "command",
					"command": `overstory mail check --agent "$OVERSTORY_AGENT" --inject`,
				}}},
			},
			"PreToolUse": []map[string]any{
				{"matcher": "*", "hooks": []map[string]any{logHook("tool-start")}},
			},
			"PostToolUse": []map[string]any{
				{"matcher": "*", "hooks": []map[string]any{logHook("tool-end")}},
			},
			"Stop": []map[string]any{
				{"hooks": []map[string]any{{
					"type":    "command",
					"command": `overstory log session-end --agent "$OVERSTORY_AGENT"`,
				}}},
			},
			"PreCompact": []map[string]any{
				{"hooks": []map[string]any{{
					"type":    "command",
					"command": `overstory prime --agent "$OVERSTORY_AGENT" --compact`,
				}}},
			},
		},
	}
	if err := util.AtomicWriteJSON(root.HooksPath(), hooks); err != nil {
		return err
	}
	settingsDir := filepath.Join(root.Path, ".claude")
	if err := util.EnsureDir(settingsDir); err != nil {
		return err
	}
	return util.AtomicWriteJSON(filepath.Join(settingsDir, "settings.json"), hooks)
}

// writeStateIgnore keeps runtime state out of the orchestrated repository.
func writeStateIgnore(root *workspace.Root) error {
	ignore := `*.db
*.db-shm
*.db-wal
worktrees/
pending-nudges/
current-run.txt
agents/
`
	return util.AtomicWriteFile(filepath.Join(root.StateDir(), ".gitignore"), []byte(ignore), 0o644)
}
