/*
main.go - Operator CLI for ledger repair and report maintenance

COMMANDS:
  chain-recalc    [--school=ID]             Rebuild the whole chain (all schools by default)
  sync-periods    --all | --month=M --year=Y Recompute consumed/closing, openings untouched
  fix-duplicates                            Merge duplicate ledger rows, keep latest updated
  diagnose-period MONTH YEAR                Read-only expected vs actual (flags > 0.01)
  regenerate      --school=ID --month=M --year=Y   Run the regeneration job now
  stale-reports   [--older-than=15m]        List reports stale longer than a threshold

EXIT CODES:
  0  success
  1  fatal precondition (no ledgers, backend unavailable, job could not run)
  2  usage error

Configuration comes from the same environment as the server (config.Load).
Change events raised by repairs are handled synchronously; with the memory
queue the resulting regeneration requests are run before the command exits.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/app"
	"github.com/warp/meal-ledger/config"
	"github.com/warp/meal-ledger/events"
	"github.com/warp/meal-ledger/generic"
	"github.com/warp/meal-ledger/meal"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// openApp builds the App for a command. Replaced in tests.
var openApp = func(ctx context.Context, logger logrus.FieldLogger) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger, events.NewDirect())
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"chain-recalc":    {"chain-recalc [--school=ID]", chainRecalc},
	"sync-periods":    {"sync-periods --all | --month=M --year=Y", syncPeriods},
	"fix-duplicates":  {"fix-duplicates", fixDuplicates},
	"diagnose-period": {"diagnose-period MONTH YEAR", diagnosePeriod},
	"regenerate":      {"regenerate --school=ID --month=M --year=Y", regenerate},
	"stale-reports":   {"stale-reports [--older-than=15m]", staleReports},
}

var order = []string{"chain-recalc", "sync-periods", "fix-duplicates", "diagnose-period", "regenerate", "stale-reports"}

// usageError makes run exit with exitUsage.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return exitUsage
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.WarnLevel)

	ctx := context.Background()
	a, err := openApp(ctx, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	defer a.Close()

	err = cmd.run(ctx, a, args[1:], stdout)
	var usage usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(stderr, "usage: ledgerctl %s\n%s\n", cmd.usage, usage.msg)
		return exitUsage
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	if a.Drain(ctx) {
		if n := pendingDropped(a); n > 0 {
			fmt.Fprintf(stderr, "warning: %d regeneration request(s) gave up\n", n)
		}
	}
	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ledgerctl <command> [flags]")
	fmt.Fprintln(w, "commands:")
	for _, name := range order {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func chainRecalc(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("chain-recalc")
	school := fs.String("school", "", "school ID (default: every school with ledgers)")
	if err := parse(fs, args); err != nil {
		return err
	}
	results, err := a.Repair.RecalcAll(ctx, generic.SchoolID(*school))
	if errors.Is(err, meal.ErrNoLedgers) {
		return fmt.Errorf("no ledgers to recalculate")
	}
	if err != nil {
		return err
	}
	printChainResults(stdout, results)
	return nil
}

func syncPeriods(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("sync-periods")
	all := fs.Bool("all", false, "every ledgered period")
	month := fs.Int("month", 0, "month 1-12")
	year := fs.Int("year", 0, "year")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *all == (*month != 0 || *year != 0) {
		return usageError{"pass either --all or both --month and --year"}
	}
	filter := meal.LedgerFilter{}
	if !*all {
		if *month < 1 || *month > 12 || *year < 1 {
			return usageError{"--month must be 1-12 and --year positive"}
		}
		filter.Month, filter.Year = *month, *year
	}
	results, err := a.Repair.SyncPeriods(ctx, filter)
	if err != nil {
		return err
	}
	printChainResults(stdout, results)
	return nil
}

func fixDuplicates(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if err := parse(newFlags("fix-duplicates"), args); err != nil {
		return err
	}
	rep, err := a.Repair.FixDuplicates(ctx)
	if err != nil {
		return err
	}
	if rep.Removed() == 0 {
		fmt.Fprintln(stdout, "no duplicate ledger rows")
		return nil
	}
	for _, k := range rep.Keys {
		fmt.Fprintf(stdout, "merged %s\n", k)
	}
	fmt.Fprintf(stdout, "removed %d rice and %d amount row(s)\n", len(rep.RiceRemoved), len(rep.AmountRemoved))
	return nil
}

func diagnosePeriod(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return usageError{"MONTH and YEAR are required"}
	}
	month, err1 := strconv.Atoi(args[0])
	year, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || month < 1 || month > 12 {
		return usageError{"MONTH must be 1-12 and YEAR a number"}
	}
	diagnoses, err := a.Repair.Diagnose(ctx, month, year)
	if err != nil {
		return err
	}
	if len(diagnoses) == 0 {
		fmt.Fprintf(stdout, "no ledgers for %04d-%02d\n", year, month)
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHOOL\tLEDGER\tEXP OPENING\tOPENING\tEXP CLOSING\tCLOSING\tSTATUS")
	for _, d := range diagnoses {
		status := "ok"
		if !d.OK() {
			status = fmt.Sprintf("MISMATCH %v", d.Mismatches)
		}
		expOpening := "-"
		if d.HasPrevious {
			expOpening = pair(d.ExpectedOpening)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.Key.SchoolID, d.Ledger,
			expOpening, pair(d.ActualOpening), pair(d.ExpectedClosing), pair(d.ActualClosing), status)
	}
	return tw.Flush()
}

func regenerate(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("regenerate")
	school := fs.String("school", "", "school ID")
	month := fs.Int("month", 0, "month 1-12")
	year := fs.Int("year", 0, "year")
	if err := parse(fs, args); err != nil {
		return err
	}
	key := generic.NewPeriodKey(generic.SchoolID(*school), *year, *month)
	if err := key.Validate(); err != nil {
		return usageError{err.Error()}
	}
	res := a.Job.Run(ctx, key)
	switch {
	case res.SchoolMissing:
		fmt.Fprintf(stdout, "school %s no longer exists, nothing to do\n", key.SchoolID)
	case res.Busy:
		return fmt.Errorf("%s is being regenerated elsewhere, retry later", key)
	}
	for _, k := range res.Regenerated {
		fmt.Fprintf(stdout, "regenerated %s report for %s\n", k, key.Label())
	}
	for _, k := range res.Skipped {
		fmt.Fprintf(stdout, "no %s report for %s\n", k, key.Label())
	}
	for k, err := range res.Failed {
		fmt.Fprintf(stdout, "FAILED %s report for %s: %v (left stale)\n", k, key.Label(), err)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d report(s) could not be regenerated", len(res.Failed))
	}
	return nil
}

func staleReports(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("stale-reports")
	olderThan := fs.Duration("older-than", a.Monitor.Threshold, "minimum staleness age")
	if err := parse(fs, args); err != nil {
		return err
	}
	entries, err := report.ListStale(ctx, a.Store, time.Now().UTC(), *olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d report(s) stale for at least %s\n", len(entries), *olderThan)
	if len(entries) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHOOL\tPERIOD\tKIND\tSTALE FOR\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Key.SchoolID, e.Key.Label(), e.Kind, e.StaleFor.Round(time.Second), e.Reason)
	}
	return tw.Flush()
}

// =============================================================================
// OUTPUT
// =============================================================================

func printChainResults(w io.Writer, results []meal.ChainResult) {
	for _, r := range results {
		if len(r.Changed) == 0 {
			fmt.Fprintf(w, "%s: %d period(s), already consistent\n", r.SchoolID, r.Periods)
			continue
		}
		labels := make([]string, len(r.Changed))
		for i, k := range r.Changed {
			labels[i] = k.Label()
		}
		fmt.Fprintf(w, "%s: %d period(s), updated %v\n", r.SchoolID, r.Periods, labels)
	}
}

func pair(v generic.SectionValues) string {
	return v.Primary.StringFixed(2) + "/" + v.Middle.StringFixed(2)
}

func pendingDropped(a *app.App) int {
	if mem, ok := a.Queue.(*queue.Memory); ok {
		return len(mem.Dropped())
	}
	return 0
}
