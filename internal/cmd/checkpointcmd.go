package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/checkpoint"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: GroupAgents,
	Short:   "Save and restore per-agent session state",
	Long: `A checkpoint is the small record a worker saves before compaction or
shutdown: the bead in progress, its branch, touched files, a summary, and
next steps. 'overstory prime' folds the saved checkpoint back into the next
session's context.`,
}

var (
	checkpointSaveAgent   string
	checkpointSaveSummary string
	checkpointSaveNext    []string
	checkpointSaveFiles   []string
)

var checkpointSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the agent's checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointSave,
}

var (
	checkpointShowAgent string
	checkpointShowJSON  bool
)

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the agent's saved checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointShow,
}

var checkpointClearAgent string

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the agent's checkpoint after clean completion",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointClear,
}

func init() {
	checkpointSaveCmd.Flags().StringVar(&checkpointSaveAgent, "agent", "", "Agent (defaults to $OVERSTORY_AGENT)")
	checkpointSaveCmd.Flags().StringVar(&checkpointSaveSummary, "summary", "", "One-paragraph progress summary")
	checkpointSaveCmd.Flags().StringSliceVar(&checkpointSaveNext, "next", nil, "Next step (repeatable)")
	checkpointSaveCmd.Flags().StringSliceVar(&checkpointSaveFiles, "files", nil, "Files touched since the last commit")

	checkpointShowCmd.Flags().StringVar(&checkpointShowAgent, "agent", "", "Agent (defaults to $OVERSTORY_AGENT)")
	checkpointShowCmd.Flags().BoolVar(&checkpointShowJSON, "json", false, "Output as JSON")

	checkpointClearCmd.Flags().StringVar(&checkpointClearAgent, "agent", "", "Agent (defaults to $OVERSTORY_AGENT)")

	checkpointCmd.AddCommand(checkpointSaveCmd, checkpointShowCmd, checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpointSave(cmd *cobra.Command, args []string) error {
	agent := callerAgent(checkpointSaveAgent)

	p, err := openProject()
	if err != nil {
		return err
	}
	dir, err := checkpoint.ForAgent(p.agentsDir(), agent)
	if err != nil {
		return err
	}

	cp := &checkpoint.Checkpoint{
		Summary:       checkpointSaveSummary,
		NextSteps:     checkpointSaveNext,
		ModifiedFiles: checkpointSaveFiles,
	}

	// Fill placement from the registry when the agent is known.
	if reg, err := session.OpenRegistry(p.Root.SessionsDB()); err == nil {
		if sess, err := reg.GetByName(agent); err == nil && sess != nil {
			cp.BeadID = sess.BeadID
			cp.Branch = sess.BranchName
			cp.SessionID = sess.ID
		}
		_ = reg.Close()
	}

	if err := dir.SaveCheckpoint(cp); err != nil {
		return err
	}
	fmt.Printf("%s checkpoint saved for %s\n", style.SuccessPrefix, agent)
	return nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	agent := callerAgent(checkpointShowAgent)

	p, err := openProject()
	if err != nil {
		return err
	}
	dir, err := checkpoint.ForAgent(p.agentsDir(), agent)
	if err != nil {
		return err
	}
	cp, err := dir.LoadCheckpoint()
	if err != nil {
		return err
	}
	if cp == nil {
		if checkpointShowJSON {
			return printJSON(nil)
		}
		fmt.Println(style.Dim.Render("no checkpoint"))
		return nil
	}
	if checkpointShowJSON {
		return printJSON(cp)
	}
	fmt.Printf("saved %s\n", cp.SavedAt.Format("2006-01-02 15:04:05"))
	if cp.BeadID != "" {
		fmt.Printf("bead   %s on %s\n", cp.BeadID, cp.Branch)
	}
	if cp.Summary != "" {
		fmt.Printf("%s\n", cp.Summary)
	}
	for _, step := range cp.NextSteps {
		fmt.Printf("  - %s\n", step)
	}
	return nil
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	agent := callerAgent(checkpointClearAgent)

	p, err := openProject()
	if err != nil {
		return err
	}
	dir, err := checkpoint.ForAgent(p.agentsDir(), agent)
	if err != nil {
		return err
	}
	if err := dir.ClearCheckpoint(); err != nil {
		return err
	}
	fmt.Printf("%s checkpoint cleared for %s\n", style.SuccessPrefix, agent)
	return nil
}
