package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/metrics"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
)

var (
	logAgent    string
	logToolName string
	logStdin    bool
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: GroupDiag,
	Short:   "Hook entrypoints that feed the event log",
	Long: `These subcommands are invoked by the assistant's hooks on every tool
call and session boundary. They are deliberately forgiving: a store problem
is reported to stderr and swallowed, because breaking a worker's tool call
over lost telemetry is a bad trade.

Without an agent (flag or $OVERSTORY_AGENT) they do nothing, so the same
hook table is safe in sessions Overstory did not spawn.`,
}

var logToolStartCmd = &cobra.Command{
	Use:   "tool-start",
	Short: "Record a tool_start event",
	Args:  cobra.NoArgs,
	RunE:  runLogToolStart,
}

var logToolEndCmd = &cobra.Command{
	Use:   "tool-end",
	Short: "Record a tool_end event and correlate its duration",
	Args:  cobra.NoArgs,
	RunE:  runLogToolEnd,
}

var logSessionEndCmd = &cobra.Command{
	Use:   "session-end",
	Short: "Record the end of an agent session",
	Args:  cobra.NoArgs,
	RunE:  runLogSessionEnd,
}

func init() {
	for _, c := range []*cobra.Command{logToolStartCmd, logToolEndCmd, logSessionEndCmd} {
		c.Flags().StringVar(&logAgent, "agent", "", "Acting agent (defaults to $OVERSTORY_AGENT)")
	}
	logToolStartCmd.Flags().StringVar(&logToolName, "tool-name", "", "Tool being called")
	logToolEndCmd.Flags().StringVar(&logToolName, "tool-name", "", "Tool that finished")
	logToolStartCmd.Flags().BoolVar(&logStdin, "stdin", false, "Read the hook JSON payload from stdin")
	logToolEndCmd.Flags().BoolVar(&logStdin, "stdin", false, "Read the hook JSON payload from stdin")

	logCmd.AddCommand(logToolStartCmd, logToolEndCmd, logSessionEndCmd)
	rootCmd.AddCommand(logCmd)
}

// hookPayload is the JSON object the assistant writes to a hook's stdin.
type hookPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	SessionID string         `json:"session_id"`
}

func readHookPayload() *hookPayload {
	var p hookPayload
	if err := json.NewDecoder(os.Stdin).Decode(&p); err != nil {
		style.PrintWarning("parsing hook payload: %v", err)
		return &hookPayload{}
	}
	return &p
}

// hookAgent resolves the acting agent; "" means this session is not one of
// ours and the hook is a no-op.
func hookAgent() string {
	if logAgent != "" {
		return logAgent
	}
	return os.Getenv("OVERSTORY_AGENT")
}

func runLogToolStart(cmd *cobra.Command, args []string) error {
	agent := hookAgent()
	if agent == "" {
		return nil
	}
	payload := &hookPayload{ToolName: logToolName}
	if logStdin {
		payload = readHookPayload()
		if payload.ToolName == "" {
			payload.ToolName = logToolName
		}
	}

	p, err := openProject()
	if err != nil {
		style.PrintWarning("tool-start: %v", err)
		return nil
	}
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		style.PrintWarning("tool-start: %v", err)
		return nil
	}
	defer func() { _ = ev.Close() }()

	filtered := events.FilterToolArgs(payload.ToolName, payload.ToolInput)
	_, err = ev.Insert(&events.StoredEvent{
		RunID:     p.currentRunID(),
		AgentName: agent,
		SessionID: payload.SessionID,
		EventType: events.TypeToolStart,
		ToolName:  payload.ToolName,
		ToolArgs:  filtered.ArgsJSON(),
		Data:      filtered.Summary,
	})
	if err != nil {
		style.PrintWarning("recording tool_start: %v", err)
	}
	stampActivity(p, agent)
	return nil
}

func runLogToolEnd(cmd *cobra.Command, args []string) error {
	agent := hookAgent()
	if agent == "" {
		return nil
	}
	payload := &hookPayload{ToolName: logToolName}
	if logStdin {
		payload = readHookPayload()
		if payload.ToolName == "" {
			payload.ToolName = logToolName
		}
	}

	p, err := openProject()
	if err != nil {
		style.PrintWarning("tool-end: %v", err)
		return nil
	}
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		style.PrintWarning("tool-end: %v", err)
		return nil
	}
	defer func() { _ = ev.Close() }()

	end := &events.StoredEvent{
		RunID:     p.currentRunID(),
		AgentName: agent,
		SessionID: payload.SessionID,
		EventType: events.TypeToolEnd,
		ToolName:  payload.ToolName,
	}
	if corr, err := ev.CorrelateToolEnd(agent, payload.ToolName); err == nil && corr != nil {
		end.ToolDurationMs = &corr.DurationMs
	}
	if _, err := ev.Insert(end); err != nil {
		style.PrintWarning("recording tool_end: %v", err)
	}
	stampActivity(p, agent)
	return nil
}

func runLogSessionEnd(cmd *cobra.Command, args []string) error {
	agent := hookAgent()
	if agent == "" {
		return nil
	}
	p, err := openProject()
	if err != nil {
		style.PrintWarning("session-end: %v", err)
		return nil
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		style.PrintWarning("session-end: %v", err)
		return nil
	}
	defer func() { _ = reg.Close() }()

	sess, err := reg.GetByName(agent)
	if err != nil || sess == nil {
		return nil
	}

	// Persistent agents outlive individual sessions; only workers complete.
	if !sess.Capability.IsPersistent() {
		if err := reg.UpdateState(agent, session.StateCompleted); err != nil {
			style.PrintWarning("completing %s: %v", agent, err)
		} else {
			sess.State = session.StateCompleted
		}
	}

	recordSessionEnd(p, sess)
	return nil
}

// recordSessionEnd writes the session_end event and the session metric.
// Both fire and forget.
func recordSessionEnd(p *proj, sess *session.Session) {
	duration := time.Since(sess.StartedAt)

	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		return
	}
	defer func() { _ = ev.Close() }()

	toolCalls := 0
	if list, err := ev.GetByAgent(sess.AgentName, events.QueryOptions{Since: sess.StartedAt}); err == nil {
		for _, e := range list {
			if e.EventType == events.TypeToolStart {
				toolCalls++
			}
		}
	}

	_, _ = ev.Insert(&events.StoredEvent{
		RunID:     sess.RunID,
		AgentName: sess.AgentName,
		SessionID: sess.ID,
		EventType: events.TypeSessionEnd,
		Data:      fmt.Sprintf(`{"durationMs":%d,"toolCalls":%d}`, duration.Milliseconds(), toolCalls),
	})

	ms, err := metrics.Open(p.Root.MetricsDB())
	if err != nil {
		return
	}
	defer func() { _ = ms.Close() }()
	_ = ms.Record(&metrics.SessionMetric{
		AgentName:  sess.AgentName,
		Capability: string(sess.Capability),
		RunID:      sess.RunID,
		BeadID:     sess.BeadID,
		FinalState: string(sess.State),
		Duration:   duration.Milliseconds(),
		ToolCalls:  toolCalls,
	})
}

// stampActivity updates the agent's last-activity timestamp, promoting a
// booting session to working as a side effect.
func stampActivity(p *proj, agent string) {
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		return
	}
	defer func() { _ = reg.Close() }()
	_ = reg.UpdateLastActivity(agent, time.Now().UTC())
}
