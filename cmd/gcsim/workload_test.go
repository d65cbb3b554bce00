package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/scavenger/config"
	"github.com/chazu/scavenger/gc"
)

func TestWorkloadSurvivesCollection(t *testing.T) {
	for _, strategy := range gc.Strategies() {
		t.Run(strategy, func(t *testing.T) {
			cfg := config.Default()
			cfg.Collector.Strategy = strategy
			h, err := cfg.NewHeap()
			if err != nil {
				t.Fatalf("NewHeap failed: %v", err)
			}

			w := newWorkload(h, 7)
			for i := 0; i < 12; i++ {
				w.run(h, 500)
				if _, err := h.Collect(schedule(i)); err != nil {
					t.Fatalf("cycle %d: %v", i, err)
				}
			}

			loc := h.Locator()
			for i := 0; i < h.Options().RootSlots; i++ {
				r := h.Root(i)
				if r.IsPointer() && !loc.ValidPointer(r) {
					t.Errorf("root %d = %#x is not a valid object reference", i, r)
				}
			}
			if w.rooted(h) < 2 {
				t.Errorf("rooted = %d, want at least the table and symbol", w.rooted(h))
			}
			if h.Cycles() != 12 {
				t.Errorf("cycles = %d, want 12", h.Cycles())
			}
		})
	}
}

func TestSchedule(t *testing.T) {
	tests := []struct {
		cycle int
		want  gc.Generation
	}{
		{0, gc.Nursery},
		{3, 1},
		{7, 1},
		{9, 2},
		{19, 2},
		{10, gc.Nursery},
	}
	for _, tt := range tests {
		if got := schedule(tt.cycle); got != tt.want {
			t.Errorf("schedule(%d) = %d, want %d", tt.cycle, got, tt.want)
		}
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.toml")
	if err := os.WriteFile(path, []byte("[collector]\nstrategy = \"marksweep\"\n[journal]\npath = \"j.db\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Collector.Strategy != gc.StrategyMarkSweep {
		t.Errorf("strategy = %q, want marksweep", cfg.Collector.Strategy)
	}
	if cfg.JournalPath() != filepath.Join(dir, "j.db") {
		t.Errorf("journal path = %q, want it next to the file", cfg.JournalPath())
	}
}

func TestRunWritesJournal(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "cycles.db")

	if err := run(cfg, 3, 200, 1, true); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		t.Errorf("journal not written: %v", err)
	}
}
