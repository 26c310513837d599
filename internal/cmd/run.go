package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupAgents,
	Short:   "Manage orchestrator runs",
	Long: `A run groups the sessions, events, and mail of one orchestration under a
single id. The active run id lives in current-run.txt; spawned sessions and
recorded events pick it up automatically.`,
}

var runStatusJSON bool

var runStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run",
	Args:  cobra.NoArgs,
	RunE:  runRunStatus,
}

var runListJSON bool

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunList,
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new run",
	Args:  cobra.NoArgs,
	RunE:  runRunStart,
}

var runCompleteStatus string

var runCompleteCmd = &cobra.Command{
	Use:   "complete [run-id]",
	Short: "Complete a run",
	Long: `Mark a run completed or failed and clear the current-run pointer if it
still names this run. Without an argument the active run is completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRunComplete,
}

func init() {
	runStatusCmd.Flags().BoolVar(&runStatusJSON, "json", false, "Output as JSON")
	runListCmd.Flags().BoolVar(&runListJSON, "json", false, "Output as JSON")
	runCompleteCmd.Flags().StringVar(&runCompleteStatus, "status", "completed", "Terminal status: completed or failed")

	runCmd.AddCommand(runStatusCmd, runListCmd, runStartCmd, runCompleteCmd)
	rootCmd.AddCommand(runCmd)
}

func openRuns(p *proj) (*session.RunStore, error) {
	return session.OpenRuns(p.Root.SessionsDB(), p.Root.CurrentRunPath())
}

func runRunStart(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	runs, err := openRuns(p)
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	run, err := runs.CreateRun()
	if err != nil {
		return err
	}
	fmt.Printf("%s started run %s\n", style.SuccessPrefix, run.ID)
	return nil
}

func runRunStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	runs, err := openRuns(p)
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	run, err := runs.GetActiveRun()
	if err != nil {
		return err
	}
	if run == nil {
		if runStatusJSON {
			return printJSON(nil)
		}
		fmt.Println(style.Dim.Render("no active run"))
		return nil
	}
	if runStatusJSON {
		return printJSON(run)
	}
	fmt.Printf("%s  started %s  agents %d\n",
		style.Info.Render(run.ID), run.StartedAt.Format("2006-01-02 15:04:05"), run.AgentCount)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	runs, err := openRuns(p)
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	all, err := runs.ListRuns()
	if err != nil {
		return err
	}
	if runListJSON {
		return printJSON(all)
	}
	if len(all) == 0 {
		fmt.Println(style.Dim.Render("no runs"))
		return nil
	}
	for _, r := range all {
		end := "-"
		if r.CompletedAt != nil {
			end = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-9s  started %s  ended %s  agents %d\n",
			r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), end, r.AgentCount)
	}
	return nil
}

func runRunComplete(cmd *cobra.Command, args []string) error {
	status := session.RunStatus(runCompleteStatus)
	if status != session.RunCompleted && status != session.RunFailed {
		return &oserr.ValidationError{Field: "status", Value: runCompleteStatus, Msg: "must be completed or failed"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	runs, err := openRuns(p)
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	id := ""
	if len(args) == 1 {
		id = args[0]
	} else {
		active, err := runs.GetActiveRun()
		if err != nil {
			return err
		}
		if active == nil {
			return fmt.Errorf("no active run to complete")
		}
		id = active.ID
	}
	if err := runs.CompleteRun(id, status); err != nil {
		return err
	}
	fmt.Printf("%s run %s %s\n", style.SuccessPrefix, id, status)
	return nil
}
