// Command perfsummary prints the signal performance table for a period from
// the runtime's sqlite database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/performance"
	sqlitestore "intraday-runtime/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/runtime.db", "Path to SQLite database")
	period := flag.String("period", performance.PeriodDay, "Period: 1d, 1w, 1m, 1q, ytd, 1y or custom")
	startStr := flag.String("start", "", "Custom period start, YYYY-MM-DD (IST)")
	endStr := flag.String("end", "", "Custom period end, YYYY-MM-DD (IST, inclusive)")
	asJSON := flag.Bool("json", false, "Print JSON instead of a table")
	flag.Parse()

	start, end, err := parseRange(*startStr, *endStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	repo, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := performance.NewTracker(nil, nil, repo, 0).Summary(ctx, *period, start, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tINDEX\tSIGNALS\tWINS\tLOSSES\tPOINTS\tPNL")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", r.Strategy, r.Class, r.Signals, r.Wins, r.Losses, r.Points.StringFixed(2), r.PnL.StringFixed(2))
	}
	tw.Flush()
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if startStr != "" {
		if start, err = time.ParseInLocation("2006-01-02", startStr, markethours.IST); err != nil {
			return start, end, fmt.Errorf("bad -start: %w", err)
		}
	}
	if endStr != "" {
		if end, err = time.ParseInLocation("2006-01-02", endStr, markethours.IST); err != nil {
			return start, end, fmt.Errorf("bad -end: %w", err)
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}
