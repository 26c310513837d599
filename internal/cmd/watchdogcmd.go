package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
	"github.com/obra/overstory/internal/watchdog"
)

var (
	watchdogOnce     bool
	watchdogInterval int
	watchdogJSON     bool
)

var watchdogCmd = &cobra.Command{
	Use:     "watchdog",
	GroupID: GroupAgents,
	Short:   "Patrol agent health",
	Long: `Patrol the active sessions: reconcile registry rows whose tmux session
or process died, escalate idle workers with progressively sterner mail, and
terminate the unresponsive. Persistent agents (monitor, supervisor,
coordinator) are exempt from idle thresholds but still reconciled when dead.

Runs forever at the configured interval; --once does a single patrol, for
cron-style scheduling.`,
	Args: cobra.NoArgs,
	RunE: runWatchdog,
}

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "Patrol once and exit")
	watchdogCmd.Flags().IntVar(&watchdogInterval, "interval", 0, "Patrol interval in ms (defaults to config)")
	watchdogCmd.Flags().BoolVar(&watchdogJSON, "json", false, "Output health checks as JSON")
	rootCmd.AddCommand(watchdogCmd)
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()
	client, closer, err := openMail(p)
	if err != nil {
		return err
	}
	defer closer()

	w := watchdog.New(reg, p.Config, client)

	if watchdogOnce {
		return patrolOnce(w)
	}

	interval := time.Duration(p.Config.Watchdog.Tier0IntervalMs) * time.Millisecond
	if watchdogInterval > 0 {
		interval = time.Duration(watchdogInterval) * time.Millisecond
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := patrolOnce(w); err != nil {
			return err
		}
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}

func patrolOnce(w *watchdog.Watchdog) error {
	checks, err := w.Patrol()
	if err != nil {
		return err
	}
	if watchdogJSON {
		return printJSON(checks)
	}
	for _, hc := range checks {
		if hc.Action == watchdog.ActionNone {
			continue
		}
		line := fmt.Sprintf("%s %s", hc.Agent, hc.Action)
		if hc.EscalationLevel > 0 {
			line += fmt.Sprintf(" (level %d)", hc.EscalationLevel)
		}
		if hc.ReconciliationNote != "" {
			line += "  " + hc.ReconciliationNote
		}
		if hc.TriageNote != "" {
			line += "  " + hc.TriageNote
		}
		switch hc.Action {
		case watchdog.ActionTerminate:
			fmt.Println(style.Error.Render(line))
		default:
			fmt.Println(style.Warning.Render(line))
		}
	}
	return nil
}
