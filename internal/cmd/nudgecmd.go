package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/nudge"
	"github.com/obra/overstory/internal/style"
)

var (
	nudgeFrom    string
	nudgeReason  string
	nudgeSubject string
	nudgeJSON    bool
)

var nudgeCmd = &cobra.Command{
	Use:     "nudge <agent>",
	GroupID: GroupMail,
	Short:   "Drop a priority reminder for an agent",
	Long: `Write (or overwrite) the agent's pending-nudge marker. The agent's own
hook consumes the marker on its next prompt and surfaces the banner, so the
reminder lands between tool calls instead of corrupting one in flight.

Purely file based: no registry lookup, no tmux. Nudging an agent that never
wakes up is harmless.`,
	Args: cobra.ExactArgs(1),
	RunE: runNudge,
}

func init() {
	nudgeCmd.Flags().StringVar(&nudgeFrom, "from", "", "Sender (defaults to $OVERSTORY_AGENT)")
	nudgeCmd.Flags().StringVar(&nudgeReason, "reason", "manual", "Why the agent is being nudged")
	nudgeCmd.Flags().StringVar(&nudgeSubject, "subject", "", "Banner subject")
	nudgeCmd.Flags().BoolVar(&nudgeJSON, "json", false, "Output the delivery record as JSON")
	rootCmd.AddCommand(nudgeCmd)
}

func runNudge(cmd *cobra.Command, args []string) error {
	agent := args[0]

	p, err := openProject()
	if err != nil {
		return err
	}
	nudges, err := nudge.NewLayer(p.Root.PendingNudgesDir())
	if err != nil {
		return err
	}

	delivered := true
	reason := nudgeReason
	if err := nudges.Write(agent, &nudge.Marker{
		From:    callerAgent(nudgeFrom),
		Reason:  nudgeReason,
		Subject: nudgeSubject,
	}); err != nil {
		delivered = false
		reason = err.Error()
	}

	if nudgeJSON {
		return printJSON(map[string]any{"delivered": delivered, "reason": reason})
	}
	if delivered {
		fmt.Printf("%s nudge queued for %s (%s)\n", style.SuccessPrefix, agent, reason)
		return nil
	}
	return fmt.Errorf("nudging %s: %s", agent, reason)
}
