// gcsim - runs a synthetic mutator against a simulated heap and collects it
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/scavenger/config"
	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/journal"
	"github.com/chazu/scavenger/server"
)

var log = commonlog.GetLogger("scavenger.gcsim")

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	veryVerbose := flag.Bool("vv", false, "Debug logging")
	configPath := flag.String("config", "", "Path to scavenger.toml or its directory (default: search upward from .)")
	cycles := flag.Int("cycles", 10, "Number of collection cycles to run")
	steps := flag.Int("steps", 2000, "Objects allocated between cycles")
	seed := flag.Uint64("seed", 1, "Workload random seed")
	strategy := flag.String("strategy", "", "Override the collector strategy (gencgc, marksweep)")
	journalPath := flag.String("journal", "", "Override the journal database path")
	census := flag.Bool("census", false, "Journal a heap census after every cycle")
	serveAddr := flag.String("serve", "", "After the run, serve the heap on this address (e.g. :7070)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gcsim [options]\n\n")
		fmt.Fprintf(os.Stderr, "Builds a heap from scavenger.toml, runs a synthetic workload and collects it.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gcsim                              # 10 cycles with the default heap\n")
		fmt.Fprintf(os.Stderr, "  gcsim -cycles 100 -strategy marksweep\n")
		fmt.Fprintf(os.Stderr, "  gcsim -journal cycles.db -census   # Record every cycle in SQLite\n")
		fmt.Fprintf(os.Stderr, "  gcsim -serve :7070                 # Keep the heap alive behind the inspection service\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *veryVerbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	gc.SetReporter(gc.ExitReporter{Code: 2})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *strategy != "" {
		cfg.Collector.Strategy = *strategy
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if *serveAddr != "" {
		cfg.Server.Addr = *serveAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *cycles, *steps, *seed, *census); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, which may name a file or a directory. An empty
// path searches upward from the working directory and falls back to the
// defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.FindAndLoad(".")
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			log.Info("no scavenger.toml found, using defaults")
			return config.Default(), nil
		}
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return config.Load(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := config.Parse(data, path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

func run(cfg *config.Config, cycles, steps int, seed uint64, census bool) error {
	h, err := cfg.NewHeap()
	if err != nil {
		return err
	}

	var j *journal.Journal
	if p := cfg.JournalPath(); p != "" {
		j, err = journal.Open(p, journal.WithKeep(cfg.Journal.Keep))
		if err != nil {
			return err
		}
		defer j.Close()
	}

	trigger := gc.NewTrigger(h, cfg.TriggerInterval())
	trigger.OnCycle = func(st *gc.CycleStats) {
		if j == nil {
			return
		}
		j.OnCycle(st)
		if census {
			if err := j.RecordCensus(st.ID, h.Census()); err != nil {
				log.Errorf("census: %v", err)
			}
		}
	}

	h.Lock()
	w := newWorkload(h, seed)
	h.Unlock()

	fmt.Printf("heap: %s, %d pages of %d bytes\n", h.Collector().Name(), h.Pages().NumPages(), cfg.Heap.PageBytes)
	for i := 0; i < cycles; i++ {
		h.Lock()
		w.run(h, steps)
		h.Unlock()

		st, err := trigger.CollectNow(schedule(i))
		if err != nil {
			return err
		}
		printCycle(i, st)
	}

	h.Lock()
	fmt.Printf("rooted slots: %d of %d\n", w.rooted(h), h.Options().RootSlots)
	h.Unlock()

	if j != nil {
		t, err := j.Totals()
		if err != nil {
			return err
		}
		fmt.Printf("journal %s: %d cycles, %d bytes freed, %d objects copied in %s\n",
			j.Path(), t.Cycles, t.BytesFreed, t.ObjectsCopied, t.Duration)
	}

	if cfg.Server.Addr == "" {
		return nil
	}
	return serve(cfg, h, j, trigger)
}

// schedule picks the oldest generation collected in cycle i.
func schedule(i int) gc.Generation {
	switch {
	case i%10 == 9:
		return 2
	case i%4 == 3:
		return 1
	default:
		return gc.Nursery
	}
}

func printCycle(i int, st *gc.CycleStats) {
	fmt.Printf("cycle %3d  gen<=%d  copied %8d B  freed %8d B  marked %6d  weak broken %4d  removed %4d  %s\n",
		i, st.Last, st.BytesCopied, st.BytesFreed, st.ObjectsMarked,
		st.WeakPointersBroken, st.WeakEntriesRemoved, st.Duration)
}

func serve(cfg *config.Config, h *gc.Heap, j *journal.Journal, trigger *gc.Trigger) error {
	var opts []server.ServerOption
	opts = append(opts, server.WithTrigger(trigger))
	if j != nil {
		opts = append(opts, server.WithJournal(j))
	}
	srv := server.New(h, opts...)

	trigger.Start()
	defer trigger.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
