package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/style"
)

var (
	replayRun    string
	replayAgents []string
	replaySince  string
	replayUntil  string
	replayLimit  int
	replayJSON   bool
)

var replayCmd = &cobra.Command{
	Use:     "replay",
	GroupID: GroupDiag,
	Short:   "Replay the event log",
	Long: `Print stored events in chronological order. Filter by run, by agent, or
by a time window. Timestamps accept RFC 3339 ("2026-08-24T10:00:00Z") or a
relative duration like "30m" meaning that long ago.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayRun, "run", "", "Filter by run id")
	replayCmd.Flags().StringSliceVar(&replayAgents, "agent", nil, "Filter by agent name (repeatable)")
	replayCmd.Flags().StringVar(&replaySince, "since", "", "Only events at or after this time")
	replayCmd.Flags().StringVar(&replayUntil, "until", "", "Only events at or before this time")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "n", 0, "Maximum events to show (0 = all)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(replayCmd)
}

// parseWhen accepts an RFC 3339 timestamp or a duration meaning "that long
// before now". Empty input yields the zero time (no filter).
func parseWhen(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, &oserr.ValidationError{Field: field, Value: s, Msg: "want RFC 3339 or a duration like 30m"}
}

func runReplay(cmd *cobra.Command, args []string) error {
	since, err := parseWhen("since", replaySince)
	if err != nil {
		return err
	}
	until, err := parseWhen("until", replayUntil)
	if err != nil {
		return err
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		return err
	}
	defer func() { _ = ev.Close() }()

	opts := events.QueryOptions{Limit: replayLimit, Since: since, Until: until}
	list, err := queryEvents(ev, replayRun, replayAgents, opts)
	if err != nil {
		return err
	}

	if replayJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println(style.Dim.Render("no events"))
		return nil
	}
	for _, e := range list {
		printEvent(e)
	}
	return nil
}

// queryEvents fetches the timeline under the run/agent filters. Agent
// filtering on top of a run filter happens in process; the stores index one
// dimension at a time.
func queryEvents(ev *events.Store, runID string, agents []string, opts events.QueryOptions) ([]*events.StoredEvent, error) {
	switch {
	case runID != "":
		list, err := ev.GetByRun(runID, opts)
		if err != nil {
			return nil, err
		}
		return filterAgents(list, agents), nil
	case len(agents) == 1:
		return ev.GetByAgent(agents[0], opts)
	default:
		list, err := ev.GetTimeline(opts)
		if err != nil {
			return nil, err
		}
		return filterAgents(list, agents), nil
	}
}

func filterAgents(list []*events.StoredEvent, agents []string) []*events.StoredEvent {
	if len(agents) == 0 {
		return list
	}
	want := make(map[string]bool, len(agents))
	for _, a := range agents {
		want[a] = true
	}
	var out []*events.StoredEvent
	for _, e := range list {
		if want[e.AgentName] {
			out = append(out, e)
		}
	}
	return out
}

func printEvent(e *events.StoredEvent) {
	ts := style.Dim.Render(e.CreatedAt.Format("15:04:05.000"))
	detail := e.Data
	if e.ToolName != "" {
		detail = e.ToolName
		if e.ToolDurationMs != nil {
			detail += fmt.Sprintf(" (%dms)", *e.ToolDurationMs)
		}
	}
	line := fmt.Sprintf("%s %-14s %-13s %s", ts, e.AgentName, e.EventType, detail)
	switch e.Level {
	case events.LevelError:
		line = style.Error.Render(line)
	case events.LevelWarn:
		line = style.Warning.Render(line)
	}
	fmt.Println(line)
}
