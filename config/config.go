// Package config handles scavenger.toml heap configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/scavenger/gc"
)

// FileName is the name Load and FindAndLoad look for.
const FileName = "scavenger.toml"

//go:embed schema.cue
var schemaSource string

var log = commonlog.GetLogger("scavenger.config")

// Config represents a scavenger.toml file.
type Config struct {
	Heap        HeapConfig        `toml:"heap" json:"heap"`
	Generations GenerationsConfig `toml:"generations" json:"generations"`
	Collector   CollectorConfig   `toml:"collector" json:"collector"`
	Journal     JournalConfig     `toml:"journal" json:"journal"`
	Server      ServerConfig      `toml:"server" json:"server"`

	// Dir is the directory containing the scavenger.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// HeapConfig sizes the simulated address space.
type HeapConfig struct {
	PageBytes          int `toml:"page-bytes" json:"page-bytes"`
	DynamicSpaceBytes  int `toml:"dynamic-space-bytes" json:"dynamic-space-bytes"`
	StaticSpaceBytes   int `toml:"static-space-bytes" json:"static-space-bytes"`
	ReadOnlySpaceBytes int `toml:"read-only-space-bytes" json:"read-only-space-bytes"`
	ImmobileSpaceBytes int `toml:"immobile-space-bytes" json:"immobile-space-bytes"`
	ImmobileCardBytes  int `toml:"immobile-card-bytes" json:"immobile-card-bytes"`
	ThreadStackBytes   int `toml:"thread-stack-bytes" json:"thread-stack-bytes"`
	MaxThreads         int `toml:"max-threads" json:"max-threads"`
	RegionBytes        int `toml:"region-bytes" json:"region-bytes"`
	LargeObjectBytes   int `toml:"large-object-bytes" json:"large-object-bytes"`
	RootSlots          int `toml:"root-slots" json:"root-slots"`
}

// GenerationsConfig sets the promotion policy.
type GenerationsConfig struct {
	GCsBeforePromotion int `toml:"gcs-before-promotion" json:"gcs-before-promotion"`
	NurseryBytes       int `toml:"nursery-bytes" json:"nursery-bytes"`
	// PerGeneration overrides GCsBeforePromotion for generations 0, 1, ...
	PerGeneration []int `toml:"per-generation" json:"per-generation,omitempty"`
}

// CollectorConfig selects and tunes the collector.
type CollectorConfig struct {
	Strategy        string `toml:"strategy" json:"strategy"`
	DebugChecks     bool   `toml:"debug-checks" json:"debug-checks"`
	TriggerInterval string `toml:"trigger-interval" json:"trigger-interval"`
}

// JournalConfig configures the cycle journal. An empty path disables it.
type JournalConfig struct {
	Path string `toml:"path" json:"path"`
	// Keep bounds the number of cycles retained; 0 keeps all of them.
	Keep int `toml:"keep" json:"keep"`
}

// ServerConfig configures the inspection service. An empty address disables it.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`
}

// Default returns the configuration matching gc.DefaultOptions.
func Default() *Config {
	o := gc.DefaultOptions()
	return &Config{
		Heap: HeapConfig{
			PageBytes:          o.PageBytes,
			DynamicSpaceBytes:  o.DynamicSpaceBytes,
			StaticSpaceBytes:   o.StaticSpaceBytes,
			ReadOnlySpaceBytes: o.ReadOnlySpaceBytes,
			ImmobileSpaceBytes: o.ImmobileSpaceBytes,
			ImmobileCardBytes:  o.ImmobileCardBytes,
			ThreadStackBytes:   o.ThreadStackBytes,
			MaxThreads:         o.MaxThreads,
			RegionBytes:        o.RegionBytes,
			LargeObjectBytes:   o.LargeObjectBytes,
			RootSlots:          o.RootSlots,
		},
		Generations: GenerationsConfig{
			GCsBeforePromotion: o.GCsBeforePromotion,
			NurseryBytes:       o.NurseryBytes,
		},
		Collector: CollectorConfig{
			Strategy:        o.Strategy,
			DebugChecks:     o.DebugChecks,
			TriggerInterval: gc.DefaultTriggerInterval.String(),
		},
		Journal: JournalConfig{Keep: 1000},
	}
}

// Parse decodes data over the defaults and validates the result. name is
// used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", name, key)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return c, nil
}

// Load parses a scavenger.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	log.Debugf("loaded %s", path)
	return c, nil
}

// FindAndLoad walks up from startDir to find a scavenger.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded schema and then checks the heap
// geometry it describes.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema violation: %s", cueerrors.Details(err, nil))
	}

	if n := len(c.Generations.PerGeneration); n > int(gc.HighestNormal)+1 {
		return fmt.Errorf("per-generation has %d entries, at most %d generations are collected", n, gc.HighestNormal+1)
	}
	if _, err := time.ParseDuration(c.Collector.TriggerInterval); err != nil {
		return fmt.Errorf("trigger-interval: %w", err)
	}
	return c.Options().Validate()
}

// Options converts c to heap options.
func (c *Config) Options() gc.Options {
	return gc.Options{
		Strategy:           c.Collector.Strategy,
		PageBytes:          c.Heap.PageBytes,
		DynamicSpaceBytes:  c.Heap.DynamicSpaceBytes,
		StaticSpaceBytes:   c.Heap.StaticSpaceBytes,
		ReadOnlySpaceBytes: c.Heap.ReadOnlySpaceBytes,
		ImmobileSpaceBytes: c.Heap.ImmobileSpaceBytes,
		ImmobileCardBytes:  c.Heap.ImmobileCardBytes,
		ThreadStackBytes:   c.Heap.ThreadStackBytes,
		MaxThreads:         c.Heap.MaxThreads,
		RegionBytes:        c.Heap.RegionBytes,
		LargeObjectBytes:   c.Heap.LargeObjectBytes,
		GCsBeforePromotion: c.Generations.GCsBeforePromotion,
		NurseryBytes:       c.Generations.NurseryBytes,
		RootSlots:          c.Heap.RootSlots,
		DebugChecks:        c.Collector.DebugChecks,
	}
}

// NewHeap builds a heap from c and applies the per-generation overrides.
func (c *Config) NewHeap() (*gc.Heap, error) {
	h, err := gc.NewHeap(c.Options())
	if err != nil {
		return nil, err
	}
	c.ApplyGenerations(h)
	return h, nil
}

// ApplyGenerations installs the per-generation promotion thresholds on h.
func (c *Config) ApplyGenerations(h *gc.Heap) {
	for i, n := range c.Generations.PerGeneration {
		h.SetGCsBeforePromotion(gc.Generation(i), n)
	}
}

// TriggerInterval returns the parsed trigger interval, or the default when
// it does not parse.
func (c *Config) TriggerInterval() time.Duration {
	d, err := time.ParseDuration(c.Collector.TriggerInterval)
	if err != nil || d <= 0 {
		return gc.DefaultTriggerInterval
	}
	return d
}

// JournalPath returns the journal path resolved against Dir, or "" when
// the journal is disabled.
func (c *Config) JournalPath() string {
	p := c.Journal.Path
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
