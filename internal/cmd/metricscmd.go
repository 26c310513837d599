package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/metrics"
	"github.com/obra/overstory/internal/style"
)

var (
	metricsLast int
	metricsJSON bool
)

var metricsCmd = &cobra.Command{
	Use:     "metrics",
	GroupID: GroupDiag,
	Short:   "Show session outcome metrics",
	Long: `Summarize finished sessions per capability: count, average duration,
average tool calls, and how many completed cleanly. With --last, show the
N most recent sessions individually instead.`,
	Args: cobra.NoArgs,
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().IntVar(&metricsLast, "last", 0, "Show the N most recent sessions")
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	store, err := metrics.Open(p.Root.MetricsDB())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if metricsLast > 0 {
		last, err := store.Last(metricsLast)
		if err != nil {
			return err
		}
		if metricsJSON {
			return printJSON(last)
		}
		if len(last) == 0 {
			fmt.Println(style.Dim.Render("no sessions recorded"))
			return nil
		}
		tbl := style.NewTable(
			style.Column{Name: "AGENT", Width: 14},
			style.Column{Name: "CAPABILITY", Width: 12},
			style.Column{Name: "STATE", Width: 10},
			style.Column{Name: "TIME", Width: 8, Align: style.AlignRight},
			style.Column{Name: "TOOLS", Width: 6, Align: style.AlignRight},
			style.Column{Name: "ENDED", Width: 16, Style: style.Dim},
		)
		for _, m := range last {
			tbl.AddRow(m.AgentName, m.Capability, m.FinalState,
				(time.Duration(m.Duration) * time.Millisecond).Round(time.Second).String(),
				fmt.Sprintf("%d", m.ToolCalls),
				m.EndedAt.Format("2006-01-02 15:04"))
		}
		fmt.Print(tbl.Render())
		return nil
	}

	sums, err := store.Summarize()
	if err != nil {
		return err
	}
	if metricsJSON {
		return printJSON(sums)
	}
	if len(sums) == 0 {
		fmt.Println(style.Dim.Render("no sessions recorded"))
		return nil
	}
	tbl := style.NewTable(
		style.Column{Name: "CAPABILITY", Width: 12},
		style.Column{Name: "SESSIONS", Width: 8, Align: style.AlignRight},
		style.Column{Name: "AVG TIME", Width: 10, Align: style.AlignRight},
		style.Column{Name: "AVG TOOLS", Width: 10, Align: style.AlignRight},
		style.Column{Name: "COMPLETED", Width: 10, Align: style.AlignRight},
	)
	for _, s := range sums {
		tbl.AddRow(s.Capability, fmt.Sprintf("%d", s.Sessions),
			(time.Duration(s.AvgDurationMs) * time.Millisecond).Round(time.Second).String(),
			fmt.Sprintf("%d", s.AvgToolCalls), fmt.Sprintf("%d", s.Completed))
	}
	fmt.Print(tbl.Render())
	return nil
}
