package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/merge"
	"github.com/obra/overstory/internal/mergeq"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/style"
)

var mergeCmd = &cobra.Command{
	Use:     "merge",
	GroupID: GroupMerge,
	Short:   "Manage the merge queue",
	Long: `Branches land on the canonical branch through a FIFO queue. The runner
takes entries one at a time and walks the resolution tiers: clean merge,
mechanical keep-incoming, AI per-file resolution, and full reimagine. The
AI tiers are off by default; enable them in config.yaml under merge.`,
}

var (
	mergeEnqueueBranch string
	mergeEnqueueAgent  string
	mergeEnqueueBead   string
	mergeEnqueueFiles  []string
	mergeEnqueueJSON   bool
)

var mergeEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a branch for merging",
	Args:  cobra.NoArgs,
	RunE:  runMergeEnqueue,
}

var (
	mergeRunAll  bool
	mergeRunJSON bool
)

var mergeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the merge queue",
	Long: `Claim the oldest pending entry, merge its branch into the canonical
branch, and record the outcome. With --all, keeps going until the queue is
empty. The owning agent is notified by mail either way.`,
	Args: cobra.NoArgs,
	RunE: runMergeRun,
}

var (
	mergeListStatus string
	mergeListJSON   bool
)

var mergeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries, newest first",
	Args:  cobra.NoArgs,
	RunE:  runMergeList,
}

func init() {
	mergeEnqueueCmd.Flags().StringVar(&mergeEnqueueBranch, "branch", "", "Branch to merge")
	mergeEnqueueCmd.Flags().StringVar(&mergeEnqueueAgent, "agent", "", "Owning agent (defaults to $OVERSTORY_AGENT)")
	mergeEnqueueCmd.Flags().StringVar(&mergeEnqueueBead, "bead", "", "Work item the branch implements")
	mergeEnqueueCmd.Flags().StringSliceVar(&mergeEnqueueFiles, "files", nil, "Files the branch modified (used by the reimagine tier)")
	mergeEnqueueCmd.Flags().BoolVar(&mergeEnqueueJSON, "json", false, "Output the entry as JSON")

	mergeRunCmd.Flags().BoolVar(&mergeRunAll, "all", false, "Drain the queue instead of taking one entry")
	mergeRunCmd.Flags().BoolVar(&mergeRunJSON, "json", false, "Output results as JSON")

	mergeListCmd.Flags().StringVar(&mergeListStatus, "status", "", "Filter by status (pending, merging, merged, conflict, failed)")
	mergeListCmd.Flags().BoolVar(&mergeListJSON, "json", false, "Output as JSON")

	mergeCmd.AddCommand(mergeEnqueueCmd, mergeRunCmd, mergeListCmd)
	rootCmd.AddCommand(mergeCmd)
}

func runMergeEnqueue(cmd *cobra.Command, args []string) error {
	if mergeEnqueueBranch == "" {
		return &oserr.ValidationError{Field: "branch", Msg: "branch required"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	q, err := mergeq.Open(p.Root.MergeDB())
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	entry, err := q.Enqueue(mergeEnqueueBranch, callerAgent(mergeEnqueueAgent), mergeEnqueueBead, mergeEnqueueFiles)
	if err != nil {
		return err
	}
	if mergeEnqueueJSON {
		return printJSON(entry)
	}
	fmt.Printf("%s %s queued for %s\n", style.SuccessPrefix, entry.ID, entry.Branch)
	return nil
}

// mergeOutcome is one processed entry, for --json output.
type mergeOutcome struct {
	Entry  *mergeq.Entry `json:"entry"`
	Result merge.Result  `json:"result"`
}

func runMergeRun(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	q, err := mergeq.Open(p.Root.MergeDB())
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()
	client, closer, err := openMail(p)
	if err != nil {
		return err
	}
	defer closer()

	resolver := &merge.Resolver{
		Repo:             &git.Repo{Root: p.Root.Path},
		Canonical:        p.Config.Merge.CanonicalBranch,
		AIEnabled:        p.Config.Merge.AIResolveEnabled,
		ReimagineEnabled: p.Config.Merge.ReimagineEnabled,
		Command:          p.Config.Merge.ResolverCommand,
	}

	var outcomes []mergeOutcome
	for {
		entry, err := q.Claim()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}

		res := resolver.Resolve(entry)
		status := mergeq.StatusMerged
		if !res.Success {
			// Unresolvable conflicts wait for a human; anything else
			// (checkout, commit, abort going wrong) is a failure.
			status = mergeq.StatusFailed
			if res.Conflict {
				status = mergeq.StatusConflict
			}
		}
		if err := q.Resolve(entry.ID, status, res.Tier.Number(), res.ErrorMessage); err != nil {
			return err
		}
		notifyMergeOutcome(client, entry, res)
		outcomes = append(outcomes, mergeOutcome{Entry: entry, Result: res})

		if !mergeRunJSON {
			if res.Success {
				fmt.Printf("%s %s merged (%s)\n", style.SuccessPrefix, entry.Branch, res.Tier)
			} else {
				fmt.Printf("%s %s failed at %s: %s\n", style.ErrorPrefix, entry.Branch, res.Tier, res.ErrorMessage)
			}
		}
		if !mergeRunAll {
			break
		}
	}

	if mergeRunJSON {
		return printJSON(outcomes)
	}
	if len(outcomes) == 0 {
		fmt.Println(style.Dim.Render("queue empty"))
	}
	return nil
}

// notifyMergeOutcome mails the branch owner. Best effort: the queue entry
// already records the outcome, so a failed notification is only an
// inconvenience.
func notifyMergeOutcome(client *mail.Client, entry *mergeq.Entry, res merge.Result) {
	msg := &mail.Message{
		From:    "merge-queue",
		To:      entry.AgentName,
		Subject: fmt.Sprintf("merge of %s", entry.Branch),
	}
	if res.Success {
		msg.Type = mail.TypeMerged
		msg.Body = fmt.Sprintf("Branch %s landed via %s.", entry.Branch, res.Tier)
	} else {
		msg.Type = mail.TypeMergeFailed
		msg.Priority = mail.PriorityHigh
		msg.Body = fmt.Sprintf("Branch %s could not be merged (%s): %s", entry.Branch, res.Tier, res.ErrorMessage)
	}
	if _, err := client.Send(msg); err != nil {
		style.PrintWarning("notifying %s about %s: %v", entry.AgentName, entry.Branch, err)
	}
}

func runMergeList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	q, err := mergeq.Open(p.Root.MergeDB())
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	entries, err := q.List(mergeq.Status(mergeListStatus))
	if err != nil {
		return err
	}
	if mergeListJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println(style.Dim.Render("queue empty"))
		return nil
	}
	for _, e := range entries {
		detail := ""
		if e.Error != "" {
			detail = "  " + style.Dim.Render(e.Error)
		}
		fmt.Printf("%s  %-8s  %s (%s) tier %d%s\n", e.ID, e.Status, e.Branch, e.AgentName, e.Tier, detail)
	}
	return nil
}
