package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/manifest"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/spawn"
	"github.com/obra/overstory/internal/style"
)

var (
	spawnCapability  string
	spawnBead        string
	spawnParent      string
	spawnParentDepth int
	spawnCount       int
	spawnJSON        bool
)

var spawnCmd = &cobra.Command{
	Use:     "spawn",
	GroupID: GroupAgents,
	Short:   "Spawn a worker session",
	Long: `Spawn a worker: a git worktree on a dedicated branch, the guard overlay
for its capability, and a detached tmux session running the assistant.

The worker's name is allocated from its manifest role (builder-1, builder-2,
…) and its branch is overstory/<name>/<bead>. With --count, spawns are
staggered by the configured delay so assistants do not boot in lockstep.`,
	Args: cobra.NoArgs,
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnCapability, "capability", "", "Capability to spawn (builder, scout, reviewer, ...)")
	spawnCmd.Flags().StringVar(&spawnBead, "bead", "", "Work item id the worker is assigned")
	spawnCmd.Flags().StringVar(&spawnParent, "parent", "", "Spawning agent (defaults to $OVERSTORY_AGENT)")
	spawnCmd.Flags().IntVar(&spawnParentDepth, "parent-depth", 0, "Spawning agent's depth in the tree")
	spawnCmd.Flags().IntVar(&spawnCount, "count", 1, "Number of workers to spawn")
	spawnCmd.Flags().BoolVar(&spawnJSON, "json", false, "Output spawned sessions as JSON")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	if spawnCount < 1 {
		return &oserr.ValidationError{Field: "count", Value: fmt.Sprint(spawnCount), Msg: "must be at least 1"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	m, err := manifest.Load(p.manifestPath())
	if err != nil {
		return err
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()
	runs, err := session.OpenRuns(p.Root.SessionsDB(), p.Root.CurrentRunPath())
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		return err
	}
	defer func() { _ = ev.Close() }()

	spawner := &spawn.Spawner{
		Config:       p.Config,
		Manifest:     m,
		Registry:     reg,
		Runs:         runs,
		Events:       ev,
		Repo:         &git.Repo{Root: p.Root.Path},
		WorktreesDir: p.worktreesDir(),
	}

	req := spawn.Request{
		Capability:  session.Capability(spawnCapability),
		BeadID:      spawnBead,
		ParentAgent: callerAgent(spawnParent),
		ParentDepth: spawnParentDepth,
	}

	var spawned []*session.Session
	for i := 0; i < spawnCount; i++ {
		if i > 0 {
			time.Sleep(spawner.StaggerDelay())
		}
		sess, err := spawner.Spawn(req)
		if err != nil {
			return err
		}
		spawned = append(spawned, sess)
		if !spawnJSON {
			fmt.Printf("%s %s on %s (tmux %s)\n",
				style.SuccessPrefix, sess.AgentName, sess.BranchName, sess.TmuxSession)
		}
	}
	if spawnJSON {
		return printJSON(spawned)
	}
	return nil
}
