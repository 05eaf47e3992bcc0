// tierup runs built-in workloads on the tiered engine and reports how their
// code moved between tiers.
//
// Usage:
//
//	tierup [options] [workload...]
//	tierup -n 5000 sum calls
//	tierup -journal /tmp/tierup.db -snapshot overflow
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/profilerdb"
	"github.com/chazu/tierup/vm"
	"github.com/chazu/tierup/worklist"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0 quiet, 1 info, 2 debug)")
	configDir := flag.String("config", ".", "Directory to search upwards for tierup.toml")
	iterations := flag.Int("n", 1000, "Iterations per workload")
	threads := flag.Int("threads", -1, "Compiler threads (overrides tierup.toml when >= 0)")
	journalPath := flag.String("journal", "", "SQLite journal path (overrides tierup.toml)")
	snapshot := flag.Bool("snapshot", false, "Save a profile snapshot to the journal after each workload")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective options as TOML and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tierup [options] [workload...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs each workload (all of them by default) on a fresh VM.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nWorkloads:\n")
		for _, name := range workloadNames() {
			fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, workloads[name].description)
		}
	}
	flag.Parse()

	if *verbose > 0 {
		commonlog.Configure(*verbose+1, nil)
	}

	opts, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *threads >= 0 {
		opts.Worklist.NumberOfCompilerThreads = *threads
	}
	if *journalPath != "" {
		opts.Journal.Path = *journalPath
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *dumpConfig {
		if err := opts.Encode(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	names := flag.Args()
	if len(names) == 0 {
		names = workloadNames()
	}
	for _, name := range names {
		if _, ok := workloads[name]; !ok {
			fmt.Fprintf(os.Stderr, "Unknown workload %q (have %s)\n", name, strings.Join(workloadNames(), ", "))
			os.Exit(2)
		}
	}

	ctx := context.Background()
	var journal *profilerdb.Journal
	if opts.Journal.Path != "" {
		journal, err = profilerdb.Open(ctx, opts.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	var wl *worklist.Worklist
	if opts.Worklist.NumberOfCompilerThreads > 0 {
		wl = worklist.New(opts.Worklist.NumberOfCompilerThreads, nil)
		defer wl.Shutdown()
	}

	failed := false
	for _, name := range names {
		if err := runWorkload(ctx, name, opts, wl, journal, *iterations, *snapshot); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			failed = true
		}
	}
	if wl != nil {
		s := wl.Stats()
		fmt.Printf("worklist: %d compiled, %d failed, %d finalized, %d cancelled in %s\n",
			s.Compiled, s.Failed, s.Finalized, s.Cancelled, s.Time)
	}
	if failed {
		os.Exit(1)
	}
}

func runWorkload(ctx context.Context, name string, opts *config.Options, wl *worklist.Worklist,
	journal *profilerdb.Journal, n int, snapshot bool) error {
	var options []vm.Option
	if journal != nil {
		options = append(options, vm.WithJournal(journal))
	}
	v := vm.New(opts, wl, options...)
	defer v.Close()

	result, err := workloads[name].run(v, n)
	if err != nil {
		return err
	}
	v.Synchronize()

	s := v.Stats()
	fmt.Printf("%s: result %v\n", name, result)
	fmt.Printf("  calls %d, compiles %d baseline / %d optimized / %d failed / %d invalidated\n",
		s.Calls, s.BaselineCompiles, s.OptimizedCompiles, s.FailedCompiles, s.InvalidatedCompiles)
	fmt.Printf("  osr %d entries / %d exits, %d jettisons, %d reoptimizations\n",
		s.OSREntries, s.OSRExits, s.Jettisons, s.Reoptimizations)

	if journal == nil {
		return nil
	}
	counts, err := journal.Counts(ctx, v.ID())
	if err != nil {
		return err
	}
	fmt.Printf("  journal %v\n", counts)
	if snapshot {
		id, err := journal.SaveSnapshot(ctx, v.Snapshot())
		if err != nil {
			return err
		}
		fmt.Printf("  snapshot %s\n", id)
	}
	return nil
}
