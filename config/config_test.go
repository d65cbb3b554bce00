package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/scavenger/gc"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
	if c.Options() != gc.DefaultOptions() {
		t.Errorf("Options() = %+v, want %+v", c.Options(), gc.DefaultOptions())
	}
	if c.TriggerInterval() != gc.DefaultTriggerInterval {
		t.Errorf("trigger interval = %s, want %s", c.TriggerInterval(), gc.DefaultTriggerInterval)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[heap]
page-bytes = 8192
dynamic-space-bytes = 4194304
immobile-space-bytes = 262144
immobile-card-bytes = 2048
max-threads = 2
root-slots = 64

[generations]
gcs-before-promotion = 2
nursery-bytes = 65536
per-generation = [3, 0]

[collector]
strategy = "marksweep"
debug-checks = true
trigger-interval = "250ms"

[journal]
path = "cycles.db"
keep = 50

[server]
addr = "127.0.0.1:7070"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	o := c.Options()
	if o.PageBytes != 8192 || o.DynamicSpaceBytes != 4194304 {
		t.Errorf("page/dynamic = %d/%d, want 8192/4194304", o.PageBytes, o.DynamicSpaceBytes)
	}
	if o.ImmobileSpaceBytes != 262144 || o.ImmobileCardBytes != 2048 {
		t.Errorf("immobile = %d/%d, want 262144/2048", o.ImmobileSpaceBytes, o.ImmobileCardBytes)
	}
	if o.MaxThreads != 2 || o.RootSlots != 64 {
		t.Errorf("threads/roots = %d/%d, want 2/64", o.MaxThreads, o.RootSlots)
	}
	if o.Strategy != gc.StrategyMarkSweep || !o.DebugChecks {
		t.Errorf("collector = %q debug=%v, want marksweep debug=true", o.Strategy, o.DebugChecks)
	}
	if o.GCsBeforePromotion != 2 || o.NurseryBytes != 65536 {
		t.Errorf("generations = %d/%d, want 2/65536", o.GCsBeforePromotion, o.NurseryBytes)
	}
	// Keys not in the file keep their defaults.
	if o.StaticSpaceBytes != gc.DefaultOptions().StaticSpaceBytes {
		t.Errorf("static space = %d, want default %d", o.StaticSpaceBytes, gc.DefaultOptions().StaticSpaceBytes)
	}
	if c.TriggerInterval() != 250*time.Millisecond {
		t.Errorf("trigger interval = %s, want 250ms", c.TriggerInterval())
	}
	if c.Journal.Keep != 50 {
		t.Errorf("journal keep = %d, want 50", c.Journal.Keep)
	}
	if c.Server.Addr != "127.0.0.1:7070" {
		t.Errorf("server addr = %q, want 127.0.0.1:7070", c.Server.Addr)
	}

	abs, _ := filepath.Abs(dir)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
	if want := filepath.Join(abs, "cycles.db"); c.JournalPath() != want {
		t.Errorf("journal path = %q, want %q", c.JournalPath(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load error = %v, want a not-exist error", err)
	}
}

func TestNewHeapAppliesPerGeneration(t *testing.T) {
	c, err := Parse([]byte(`
[generations]
gcs-before-promotion = 1
per-generation = [4, 0, 2]
`), "inline")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	h, err := c.NewHeap()
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	want := []int{4, 0, 2, 1, 1, 1}
	for g, n := range want {
		if got := h.Generation(gc.Generation(g)).GCsBeforePromotion; got != n {
			t.Errorf("generation %d gcs-before-promotion = %d, want %d", g, got, n)
		}
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[collector]
strategy = "gencgc"
`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad returned nil, want the config in an ancestor")
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"page size not a power of two", "[heap]\npage-bytes = 3000\n", "page-bytes"},
		{"unknown strategy", "[collector]\nstrategy = \"refcount\"\n", "strategy"},
		{"bad trigger interval", "[collector]\ntrigger-interval = \"soon\"\n", "trigger-interval"},
		{"negative promotion threshold", "[generations]\ngcs-before-promotion = -1\n", "gcs-before-promotion"},
		{"no threads", "[heap]\nmax-threads = 0\n", "max-threads"},
		{"negative keep", "[journal]\nkeep = -3\n", "keep"},
		{"too many generations", "[generations]\nper-generation = [1, 1, 1, 1, 1, 1, 1]\n", "per-generation"},
		{"dynamic space not page aligned", "[heap]\ndynamic-space-bytes = 10000\n", "dynamic space"},
		{"cards do not tile immobile space", "[heap]\nimmobile-space-bytes = 5000\n", "immobile space"},
		{"malformed toml", "[heap\n", "parse error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "test.toml")
			if err == nil {
				t.Fatalf("Parse succeeded, want an error mentioning %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestTriggerIntervalFallsBack(t *testing.T) {
	c := Default()
	c.Collector.TriggerInterval = "0s"
	if c.TriggerInterval() != gc.DefaultTriggerInterval {
		t.Errorf("trigger interval = %s, want the default", c.TriggerInterval())
	}
}

func TestJournalPathDisabled(t *testing.T) {
	c := Default()
	c.Dir = "/srv/heap"
	if c.JournalPath() != "" {
		t.Errorf("journal path = %q, want empty", c.JournalPath())
	}
	c.Journal.Path = "/var/lib/cycles.db"
	if c.JournalPath() != "/var/lib/cycles.db" {
		t.Errorf("journal path = %q, want the absolute path unchanged", c.JournalPath())
	}
}
