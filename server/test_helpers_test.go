package server

import (
	"context"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/journal"
	"github.com/chazu/scavenger/layout"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own heap, since collections mutate it.
// ---------------------------------------------------------------------------

// testEnv bundles a fresh heap with its worker and an optional journal.
type testEnv struct {
	Heap    *gc.Heap
	Worker  *HeapWorker
	Journal *journal.Journal
}

// newTestEnv creates a heap and worker that are torn down with the test.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	h, err := gc.NewHeap(gc.DefaultOptions())
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	w := NewHeapWorker(h)
	t.Cleanup(w.Stop)
	return &testEnv{Heap: h, Worker: w}
}

// withJournal attaches a journal in a temporary directory.
func (e *testEnv) withJournal(t *testing.T) *testEnv {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "cycles.db"))
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	e.Journal = j
	return e
}

// populate roots a three element list and leaves some garbage behind.
func (e *testEnv) populate() {
	h := e.Heap
	l := layout.Fixnum(0)
	for i := 3; i > 0; i-- {
		l = h.Cons(layout.Fixnum(int64(i)), l)
	}
	h.SetRoot(0, l)
	for i := 0; i < 50; i++ {
		h.Cons(layout.Fixnum(int64(i)), layout.Fixnum(0))
	}
}

// ---------------------------------------------------------------------------
// Request builders for tests.
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}
