package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
	"github.com/obra/overstory/internal/tmux"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: GroupAgents,
	Short:   "Inspect and clean agent worktrees",
}

var worktreeListJSON bool

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees with their session state",
	Args:  cobra.NoArgs,
	RunE:  runWorktreeList,
}

var (
	worktreeCleanCompleted bool
	worktreeCleanAll       bool
	worktreeCleanForce     bool
	worktreeCleanJSON      bool
)

var worktreeCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove worktrees of finished sessions",
	Long: `Remove the worktree, branch, tmux session, and registry row of finished
workers. --completed selects completed and zombie sessions; --all selects
every session, including active ones.

A worktree with uncommitted changes is skipped unless --force is given:
unlanded work is only thrown away on explicit request.`,
	Args: cobra.NoArgs,
	RunE: runWorktreeClean,
}

func init() {
	worktreeListCmd.Flags().BoolVar(&worktreeListJSON, "json", false, "Output as JSON")

	worktreeCleanCmd.Flags().BoolVar(&worktreeCleanCompleted, "completed", false, "Clean completed and zombie sessions")
	worktreeCleanCmd.Flags().BoolVar(&worktreeCleanAll, "all", false, "Clean every session, active ones included")
	worktreeCleanCmd.Flags().BoolVarP(&worktreeCleanForce, "force", "f", false, "Also remove worktrees with uncommitted changes")
	worktreeCleanCmd.Flags().BoolVar(&worktreeCleanJSON, "json", false, "Output as JSON")

	worktreeCmd.AddCommand(worktreeListCmd, worktreeCleanCmd)
	rootCmd.AddCommand(worktreeCmd)
}

// worktreeRow is one session's placement, for list output.
type worktreeRow struct {
	Agent   string        `json:"agent"`
	State   session.State `json:"state"`
	Branch  string        `json:"branch"`
	Path    string        `json:"path"`
	Exists  bool          `json:"exists"`
	Clean   bool          `json:"clean"`
	BeadID  string        `json:"beadId,omitempty"`
	TmuxUp  bool          `json:"tmuxUp"`
	Session string        `json:"tmuxSession,omitempty"`
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	sessions, err := reg.GetAll()
	if err != nil {
		return err
	}

	rows := make([]worktreeRow, 0, len(sessions))
	for _, s := range sessions {
		row := worktreeRow{
			Agent:   s.AgentName,
			State:   s.State,
			Branch:  s.BranchName,
			Path:    s.WorktreePath,
			BeadID:  s.BeadID,
			Session: s.TmuxSession,
			TmuxUp:  tmux.HasSession(s.TmuxSession),
		}
		if _, err := os.Stat(s.WorktreePath); err == nil {
			row.Exists = true
			wt := &git.Repo{Root: s.WorktreePath}
			row.Clean, _ = wt.IsClean()
		}
		rows = append(rows, row)
	}

	if worktreeListJSON {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println(style.Dim.Render("no sessions"))
		return nil
	}
	tbl := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "STATE", Width: 10},
		style.Column{Name: "BRANCH", Width: 40},
		style.Column{Name: "WORKTREE", Width: 20},
	)
	for _, r := range rows {
		note := ""
		switch {
		case !r.Exists:
			note = style.Error.Render("missing")
		case !r.Clean:
			note = style.Warning.Render("uncommitted changes")
		default:
			note = style.Dim.Render("clean")
		}
		tbl.AddRow(r.Agent, string(r.State), r.Branch, note)
	}
	fmt.Print(tbl.Render())
	return nil
}

// cleanResult reports what happened to one session during clean.
type cleanResult struct {
	Agent   string `json:"agent"`
	Removed bool   `json:"removed"`
	Reason  string `json:"reason,omitempty"`
}

func runWorktreeClean(cmd *cobra.Command, args []string) error {
	if !worktreeCleanCompleted && !worktreeCleanAll {
		return &oserr.ValidationError{Field: "selector", Msg: "pass --completed or --all"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	sessions, err := reg.GetAll()
	if err != nil {
		return err
	}
	repo := &git.Repo{Root: p.Root.Path}

	var results []cleanResult
	for _, s := range sessions {
		if !worktreeCleanAll && s.State.IsActive() {
			continue
		}
		res := cleanResult{Agent: s.AgentName}

		if !worktreeCleanForce && dirExists(s.WorktreePath) {
			wt := &git.Repo{Root: s.WorktreePath}
			if clean, err := wt.IsClean(); err == nil && !clean {
				res.Reason = "uncommitted changes (use --force)"
				results = append(results, res)
				continue
			}
		}

		_ = tmux.KillSession(s.TmuxSession)
		if dirExists(s.WorktreePath) {
			if err := repo.WorktreeRemove(s.WorktreePath, true); err != nil {
				res.Reason = err.Error()
				results = append(results, res)
				continue
			}
			_ = os.RemoveAll(s.WorktreePath)
		}
		if s.BranchName != "" && repo.BranchExists(s.BranchName) {
			_ = repo.DeleteBranch(s.BranchName)
		}
		if err := reg.Remove(s.AgentName); err != nil {
			res.Reason = err.Error()
			results = append(results, res)
			continue
		}
		res.Removed = true
		results = append(results, res)
	}
	_ = repo.WorktreePrune()

	if worktreeCleanJSON {
		return printJSON(results)
	}
	for _, r := range results {
		if r.Removed {
			fmt.Printf("%s %s removed\n", style.SuccessPrefix, r.Agent)
		} else {
			fmt.Printf("%s %s skipped: %s\n", style.WarningPrefix, r.Agent, r.Reason)
		}
	}
	if len(results) == 0 {
		fmt.Println(style.Dim.Render("nothing to clean"))
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
