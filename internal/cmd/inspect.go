package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/checkpoint"
	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/nudge"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
	"github.com/obra/overstory/internal/tmux"
)

var (
	inspectJSON   bool
	inspectFollow bool
	inspectLimit  int
	inspectNoTmux bool
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <agent>",
	GroupID: GroupDiag,
	Short:   "Show one agent's session, events, and mail state",
	Long: `Show everything known about one agent: its registry row, tmux liveness,
unread mail count, pending nudge, saved checkpoint, and recent events.
With --follow, keep streaming the agent's events afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().BoolVarP(&inspectFollow, "follow", "f", false, "Stream the agent's events after the summary")
	inspectCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 15, "Recent events to show")
	inspectCmd.Flags().BoolVar(&inspectNoTmux, "no-tmux", false, "Skip the tmux liveness probe")
	rootCmd.AddCommand(inspectCmd)
}

// inspection is the full picture of one agent.
type inspection struct {
	Session    *session.Session       `json:"session"`
	TmuxAlive  *bool                  `json:"tmuxAlive,omitempty"`
	UnreadMail int                    `json:"unreadMail"`
	Nudge      *nudge.Marker          `json:"pendingNudge,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Events     []*events.StoredEvent  `json:"recentEvents,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	agent := args[0]

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
	if sess == nil {
		return fmt.Errorf("no session registered for %s", agent)
	}

	ins := inspection{Session: sess}

	if !inspectNoTmux {
		alive := tmux.HasSession(sess.TmuxSession)
		ins.TmuxAlive = &alive
	}

	if store, err := mail.Open(p.Root.MailDB()); err == nil {
		if unread, err := store.GetUnread(agent); err == nil {
			ins.UnreadMail = len(unread)
		}
		_ = store.Close()
	}
	if nudges, err := nudge.NewLayer(p.Root.PendingNudgesDir()); err == nil {
		ins.Nudge, _ = nudges.Peek(agent)
	}
	if dir, err := checkpoint.ForAgent(p.agentsDir(), agent); err == nil {
		ins.Checkpoint, _ = dir.LoadCheckpoint()
	}

	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		return err
	}
	defer func() { _ = ev.Close() }()
	recent, err := ev.GetByAgent(agent, events.QueryOptions{})
	if err != nil {
		return err
	}
	if inspectLimit > 0 && len(recent) > inspectLimit {
		recent = recent[len(recent)-inspectLimit:]
	}
	ins.Events = recent

	if inspectJSON {
		if err := printJSON(ins); err != nil {
			return err
		}
	} else {
		printInspection(&ins)
	}

	if !inspectFollow {
		return nil
	}
	var lastID int64
	if len(recent) > 0 {
		lastID = recent[len(recent)-1].ID
	}
	feedAgents = []string{agent}
	feedRun = ""
	feedJSON = inspectJSON
	return followFeed(p, ev, lastID)
}

func printInspection(ins *inspection) {
	s := ins.Session
	fmt.Printf("%s  %s  %s\n", style.Bold.Render(s.AgentName), s.Capability, stateStyle(s.State))
	fmt.Printf("  branch    %s\n", s.BranchName)
	fmt.Printf("  worktree  %s\n", s.WorktreePath)
	if s.BeadID != "" {
		fmt.Printf("  bead      %s\n", s.BeadID)
	}
	if s.ParentAgent != "" {
		fmt.Printf("  parent    %s (depth %d)\n", s.ParentAgent, s.Depth)
	}
	if ins.TmuxAlive != nil {
		state := style.Success.Render("alive")
		if !*ins.TmuxAlive {
			state = style.Error.Render("dead")
		}
		fmt.Printf("  tmux      %s (%s)\n", s.TmuxSession, state)
	}
	fmt.Printf("  activity  %s\n", style.Dim.Render(s.LastActivity.Format(time.RFC3339)))
	fmt.Printf("  mail      %d unread\n", ins.UnreadMail)
	if ins.Nudge != nil {
		fmt.Printf("  nudge     %s\n", style.Warning.Render(ins.Nudge.Banner()))
	}
	if ins.Checkpoint != nil {
		fmt.Printf("  checkpoint %s\n", ins.Checkpoint.Summary)
	}
	if len(ins.Events) > 0 {
		fmt.Println("  recent events:")
		for _, e := range ins.Events {
			printEvent(e)
		}
	}
}

func stateStyle(s session.State) string {
	switch s {
	case session.StateWorking, session.StateBooting:
		return style.Success.Render(string(s))
	case session.StateStalled:
		return style.Warning.Render(string(s))
	case session.StateZombie:
		return style.Error.Render(string(s))
	default:
		return style.Dim.Render(string(s))
	}
}
