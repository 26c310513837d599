package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/style"
)

var (
	feedFollow   bool
	feedAgents   []string
	feedRun      string
	feedInterval int
	feedLimit    int
	feedJSON     bool
)

var feedCmd = &cobra.Command{
	Use:     "feed",
	GroupID: GroupDiag,
	Short:   "Tail the live event stream",
	Long: `Show the most recent events and, with --follow, keep streaming as agents
work. Follow mode watches the store directory for writes and falls back to
polling at --interval, so events appear promptly even when the filesystem
does not deliver change notifications.`,
	Args: cobra.NoArgs,
	RunE: runFeed,
}

func init() {
	feedCmd.Flags().BoolVarP(&feedFollow, "follow", "f", false, "Keep streaming new events")
	feedCmd.Flags().StringSliceVar(&feedAgents, "agent", nil, "Filter by agent name (repeatable)")
	feedCmd.Flags().StringVar(&feedRun, "run", "", "Filter by run id")
	feedCmd.Flags().IntVar(&feedInterval, "interval", 2000, "Polling fallback interval in milliseconds")
	feedCmd.Flags().IntVarP(&feedLimit, "limit", "n", 20, "Recent events to show before following")
	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "Output events as JSON lines")
	rootCmd.AddCommand(feedCmd)
}

func runFeed(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		return err
	}
	defer func() { _ = ev.Close() }()

	// Recent tail first: query newest-limited, then print oldest first.
	recent, err := queryEvents(ev, feedRun, feedAgents, events.QueryOptions{
		Since: time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		return err
	}
	if feedLimit > 0 && len(recent) > feedLimit {
		recent = recent[len(recent)-feedLimit:]
	}
	lastID := emitFeed(recent, 0)

	if !feedFollow {
		return nil
	}
	return followFeed(p, ev, lastID)
}

// followFeed streams events newer than lastID until interrupted. Wakeups
// come from fsnotify on the .overstory directory (sqlite rewrites the WAL
// there on every commit) with a ticker as the fallback.
func followFeed(p *proj, ev *events.Store, lastID int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(p.Root.StateDir()); err != nil {
		return fmt.Errorf("watching %s: %w", p.Root.StateDir(), err)
	}

	interval := time.Duration(feedInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Re-query no more than once per wakeup burst.
	since := time.Now().Add(-time.Minute)
	for {
		select {
		case <-stop:
			return nil
		case <-watcher.Events:
		case err := <-watcher.Errors:
			style.PrintWarning("watcher: %v", err)
		case <-ticker.C:
		}

		list, err := queryEvents(ev, feedRun, feedAgents, events.QueryOptions{Since: since})
		if err != nil {
			return err
		}
		if id := emitFeed(list, lastID); id > lastID {
			lastID = id
			since = time.Now().Add(-time.Minute)
		}
	}
}

// emitFeed prints events with an id greater than afterID and returns the
// highest id seen.
func emitFeed(list []*events.StoredEvent, afterID int64) int64 {
	last := afterID
	for _, e := range list {
		if e.ID <= afterID {
			continue
		}
		if feedJSON {
			_ = json.NewEncoder(os.Stdout).Encode(e)
		} else {
			printEvent(e)
		}
		if e.ID > last {
			last = e.ID
		}
	}
	return last
}
