// flowcat renders the flow logger's per-event-type timing table and
// recent errors from an on-disk flow log file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("flowcat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	path := fs.String("path", "", "Path to the flow log file (required)")
	session := fs.String("session", "", "Filter to a single session ID")
	slowMs := fs.Float64("slow-ms", 1000, "Threshold in milliseconds for the slow-operations section")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(out, "flowcat: -path is required")
		return 2
	}

	f, err := os.Open(*path)
	if err != nil {
		fmt.Fprintf(out, "flowcat: open %s: %v\n", *path, err)
		return 1
	}
	defer f.Close()

	analyzer, err := flowlog.NewAnalyzerFromReader(f)
	if err != nil {
		fmt.Fprintf(out, "flowcat: %v\n", err)
		return 1
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	printReport(out, analyzer, *session, *slowMs, color)
	return 0
}

func printReport(out io.Writer, a *flowlog.Analyzer, session string, slowMs float64, color bool) {
	heading := func(s string) {
		if color {
			fmt.Fprintf(out, "\033[1m%s\033[0m\n", s)
			return
		}
		fmt.Fprintln(out, s)
	}

	heading("=== Timing by event type ===")
	for _, et := range []flowlog.EventType{
		flowlog.QueryStart, flowlog.QueryAnalysis, flowlog.ToolSelection,
		flowlog.ToolExecution, flowlog.LLMCall, flowlog.QueryComplete, flowlog.ErrorEvent,
	} {
		stats, err := a.Stats(et)
		if err != nil || stats.Count == 0 {
			continue
		}
		fmt.Fprintf(out, "%-16s count=%-6d avg=%-8.1fms min=%-8.1fms max=%-8.1fms p95=%-8.1fms\n",
			stats.EventType, stats.Count, stats.Avg, stats.Min, stats.Max, stats.P95)
	}

	heading("\n=== Errors ===")
	for _, e := range a.Errors() {
		fmt.Fprintf(out, "[%s] %s session=%s\n", e.Timestamp.Format("15:04:05.000"), e.EventType, e.SessionID)
	}

	heading(fmt.Sprintf("\n=== Operations slower than %.0fms ===", slowMs))
	for _, e := range a.SlowerThan(slowMs) {
		fmt.Fprintf(out, "[%s] %s session=%s duration=%dms\n", e.Timestamp.Format("15:04:05.000"), e.EventType, e.SessionID, e.Duration.Milliseconds())
	}

	if session != "" {
		heading(fmt.Sprintf("\n=== Session %s ===", session))
		events, err := a.FilterBySession(session)
		if err != nil {
			fmt.Fprintf(out, "flowcat: filter session: %v\n", err)
			return
		}
		for _, e := range events {
			fmt.Fprintf(out, "[%s] %s status=%s\n", e.Timestamp.Format("15:04:05.000"), e.EventType, e.Status)
		}
	}
}
