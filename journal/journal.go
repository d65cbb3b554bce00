// Package journal keeps a SQLite history of collection cycles.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/scavenger/gc"
)

// ErrNotFound indicates the requested cycle is not in the journal.
var ErrNotFound = errors.New("cycle not found")

var log = commonlog.GetLogger("scavenger.journal")

var schema = []string{`
CREATE TABLE IF NOT EXISTS cycles (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	strategy       TEXT NOT NULL,
	last_gen       INTEGER NOT NULL,
	started_at     TEXT NOT NULL,
	duration_ns    INTEGER NOT NULL,
	bytes_freed    INTEGER NOT NULL,
	objects_copied INTEGER NOT NULL,
	stats          BLOB NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS census (
	cycle_id TEXT PRIMARY KEY,
	census   BLOB NOT NULL
)`,
}

// Journal records cycle statistics and census snapshots.
type Journal struct {
	db   *sql.DB
	path string
	keep int
	mu   sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

// WithKeep bounds the number of cycles retained. Older cycles and their
// census snapshots are pruned after each Record. Zero keeps everything.
func WithKeep(n int) Option {
	return func(j *Journal) { j.keep = n }
}

// Totals aggregates every cycle in the journal.
type Totals struct {
	Cycles        int
	BytesFreed    int64
	ObjectsCopied int64
	Duration      time.Duration
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{path: path}
	for _, opt := range opts {
		opt(j)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	j.db = db

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}

	log.Debugf("journal open at %s (keep %d)", path, j.keep)
	return j, nil
}

// Path returns the database path.
func (j *Journal) Path() string { return j.path }

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record stores st. A cycle without an ID is stored under a fresh one. st
// is not modified.
func (j *Journal) Record(st *gc.CycleStats) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := *st
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	blob, err := MarshalStats(&rec)
	if err != nil {
		return fmt.Errorf("encoding cycle %s: %w", rec.ID, err)
	}

	_, err = j.db.Exec(
		`INSERT INTO cycles (id, strategy, last_gen, started_at, duration_ns, bytes_freed, objects_copied, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Strategy, rec.Last, rec.StartedAt.UTC().Format(time.RFC3339Nano),
		int64(rec.Duration), rec.BytesFreed, rec.ObjectsCopied, blob,
	)
	if err != nil {
		return fmt.Errorf("saving cycle %s: %w", rec.ID, err)
	}
	return j.prune()
}

// RecordCensus stores c against the cycle id, replacing any earlier one.
func (j *Journal) RecordCensus(id string, c *gc.Census) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	if err := j.db.QueryRow("SELECT COUNT(*) FROM cycles WHERE id = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("querying cycle %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("census for %s: %w", id, ErrNotFound)
	}

	blob, err := MarshalCensus(c)
	if err != nil {
		return fmt.Errorf("encoding census: %w", err)
	}
	if _, err := j.db.Exec("INSERT OR REPLACE INTO census (cycle_id, census) VALUES (?, ?)", id, blob); err != nil {
		return fmt.Errorf("saving census: %w", err)
	}
	return nil
}

func (j *Journal) prune() error {
	if j.keep <= 0 {
		return nil
	}
	_, err := j.db.Exec(
		"DELETE FROM cycles WHERE seq <= (SELECT MAX(seq) FROM cycles) - ?", j.keep)
	if err != nil {
		return fmt.Errorf("pruning cycles: %w", err)
	}
	_, err = j.db.Exec("DELETE FROM census WHERE cycle_id NOT IN (SELECT id FROM cycles)")
	if err != nil {
		return fmt.Errorf("pruning census: %w", err)
	}
	return nil
}

// Get returns the stats of cycle id.
func (j *Journal) Get(id string) (*gc.CycleStats, error) {
	var blob []byte
	err := j.db.QueryRow("SELECT stats FROM cycles WHERE id = ?", id).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying cycle: %w", err)
	}
	return UnmarshalStats(blob)
}

// Census returns the census recorded for cycle id.
func (j *Journal) Census(id string) (*gc.Census, error) {
	var blob []byte
	err := j.db.QueryRow("SELECT census FROM census WHERE cycle_id = ?", id).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying census: %w", err)
	}
	return UnmarshalCensus(blob)
}

// Recent returns up to n cycles, newest first.
func (j *Journal) Recent(n int) ([]*gc.CycleStats, error) {
	rows, err := j.db.Query("SELECT id, stats FROM cycles ORDER BY seq DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("querying recent cycles: %w", err)
	}
	defer rows.Close()

	var out []*gc.CycleStats
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		st, err := UnmarshalStats(blob)
		if err != nil {
			log.Warningf("skipping cycle %s: %v", id, err)
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Totals sums the recorded cycles.
func (j *Journal) Totals() (Totals, error) {
	var t Totals
	var dur int64
	err := j.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(bytes_freed), 0), COALESCE(SUM(objects_copied), 0),
		        COALESCE(SUM(duration_ns), 0)
		 FROM cycles`,
	).Scan(&t.Cycles, &t.BytesFreed, &t.ObjectsCopied, &dur)
	if err != nil {
		return Totals{}, fmt.Errorf("querying totals: %w", err)
	}
	t.Duration = time.Duration(dur)
	return t, nil
}

// OnCycle records st, logging instead of returning a failure. It has the
// shape of gc.Trigger.OnCycle.
func (j *Journal) OnCycle(st *gc.CycleStats) {
	if err := j.Record(st); err != nil {
		log.Errorf("%v", err)
	}
}
