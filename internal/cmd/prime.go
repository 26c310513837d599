package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/checkpoint"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/session"
)

var (
	primeAgent   string
	primeCompact bool
)

var primeCmd = &cobra.Command{
	Use:     "prime",
	GroupID: GroupAgents,
	Short:   "Emit an agent's context block",
	Long: `Print the context text a session-start hook pastes into the agent's
prompt: who the agent is, what it is assigned, where its worktree and branch
are, any saved checkpoint from a previous session, and how much mail waits.

--compact emits the short form used after context compaction, where the
session already knows its role and only needs the resumable state back.`,
	Args: cobra.NoArgs,
	RunE: runPrime,
}

func init() {
	primeCmd.Flags().StringVar(&primeAgent, "agent", "", "Agent to prime (defaults to $OVERSTORY_AGENT)")
	primeCmd.Flags().BoolVar(&primeCompact, "compact", false, "Short form for post-compaction hooks")
	rootCmd.AddCommand(primeCmd)
}

func runPrime(cmd *cobra.Command, args []string) error {
	agent := callerAgent(primeAgent)
	if agent == "operator" {
		// Not one of ours; nothing to prime.
		return nil
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

	sess, err := reg.GetByName(agent)
	if err != nil {
		return err
	}

	var b strings.Builder
	if !primeCompact {
		fmt.Fprintf(&b, "You are %s", agent)
		if sess != nil {
			fmt.Fprintf(&b, ", a %s agent", sess.Capability)
		}
		b.WriteString(" in an Overstory orchestration.\n")
		if sess != nil {
			fmt.Fprintf(&b, "Your worktree is %s on branch %s.\n", sess.WorktreePath, sess.BranchName)
			if sess.BeadID != "" {
				fmt.Fprintf(&b, "You are assigned bead %s.\n", sess.BeadID)
			}
			if sess.ParentAgent != "" {
				fmt.Fprintf(&b, "You report to %s by mail.\n", sess.ParentAgent)
			}
		}
		b.WriteString("Check mail with `overstory mail check`; send status and results with `overstory mail send`.\n")
	}

	if dir, err := checkpoint.ForAgent(p.agentsDir(), agent); err == nil {
		if cp, err := dir.LoadCheckpoint(); err == nil && cp != nil {
			fmt.Fprintf(&b, "\nResuming from a checkpoint saved %s:\n", cp.SavedAt.Format("2006-01-02 15:04"))
			if cp.Summary != "" {
				fmt.Fprintf(&b, "  %s\n", cp.Summary)
			}
			for _, step := range cp.NextSteps {
				fmt.Fprintf(&b, "  - %s\n", step)
			}
		}
	}

	if store, err := mail.Open(p.Root.MailDB()); err == nil {
		if unread, err := store.GetUnread(agent); err == nil && len(unread) > 0 {
			fmt.Fprintf(&b, "\nYou have %d unread message(s); check your mail first.\n", len(unread))
		}
		_ = store.Close()
	}

	out := b.String()
	if out != "" {
		fmt.Print(out)
	}
	return nil
}
