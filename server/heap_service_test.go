package server

import (
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/layout"
)

// ---------------------------------------------------------------------------
// Collect
// ---------------------------------------------------------------------------

func TestCollect_JournalsCycle(t *testing.T) {
	env := newTestEnv(t).withJournal(t)
	env.populate()
	svc := NewHeapService(env.Worker, env.Journal, nil)

	resp, err := svc.Collect(bg(), connectReq(&CollectRequest{Last: 0, Census: true}))
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	st := resp.Msg.Stats
	if st == nil || st.ID == "" {
		t.Fatal("Collect should return stats with an ID")
	}
	if st.ObjectsCopied != 3 {
		t.Errorf("ObjectsCopied = %d, want 3", st.ObjectsCopied)
	}

	got, err := env.Journal.Get(st.ID)
	if err != nil {
		t.Fatalf("journal Get failed: %v", err)
	}
	if got.BytesFreed != st.BytesFreed {
		t.Errorf("journaled BytesFreed = %d, want %d", got.BytesFreed, st.BytesFreed)
	}
	if _, err := env.Journal.Census(st.ID); err != nil {
		t.Errorf("journal Census failed: %v", err)
	}
}

func TestCollect_BadGeneration(t *testing.T) {
	env := newTestEnv(t)
	svc := NewHeapService(env.Worker, nil, nil)

	for _, last := range []int{-1, int(gc.PseudoStatic)} {
		_, err := svc.Collect(bg(), connectReq(&CollectRequest{Last: last}))
		if err == nil {
			t.Fatalf("Collect(%d) should fail", last)
		}
		if connect.CodeOf(err) != connect.CodeInvalidArgument {
			t.Errorf("Collect(%d) code = %v, want InvalidArgument", last, connect.CodeOf(err))
		}
	}
}

func TestCollect_ThroughTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.populate()
	tr := gc.NewTrigger(env.Heap, time.Hour)
	var seen []*gc.CycleStats
	tr.OnCycle = func(st *gc.CycleStats) { seen = append(seen, st) }
	svc := NewHeapService(env.Worker, nil, tr)

	resp, err := svc.Collect(bg(), connectReq(&CollectRequest{Last: 1}))
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if tr.CycleCount() != 1 {
		t.Errorf("trigger CycleCount = %d, want 1", tr.CycleCount())
	}
	if len(seen) != 1 || seen[0] != resp.Msg.Stats {
		t.Errorf("OnCycle saw %d cycles, want the one returned", len(seen))
	}
	if resp.Msg.Stats.Last != 1 {
		t.Errorf("Last = %d, want 1", resp.Msg.Stats.Last)
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestStats_ReportsHeapAndHistory(t *testing.T) {
	env := newTestEnv(t).withJournal(t)
	env.populate()
	svc := NewHeapService(env.Worker, env.Journal, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.Collect(bg(), connectReq(&CollectRequest{})); err != nil {
			t.Fatalf("Collect returned error: %v", err)
		}
	}

	resp, err := svc.Stats(bg(), connectReq(&StatsRequest{Recent: 2}))
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	msg := resp.Msg
	if msg.Strategy != gc.StrategyGenCGC {
		t.Errorf("Strategy = %q, want %q", msg.Strategy, gc.StrategyGenCGC)
	}
	if msg.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", msg.Cycles)
	}
	if msg.Last == nil || msg.Last.ID != env.Heap.LastCycle().ID {
		t.Error("Last should be the heap's most recent cycle")
	}
	if len(msg.Recent) != 2 || msg.Recent[0].ID != msg.Last.ID {
		t.Errorf("Recent = %d cycles, want 2 starting with the last", len(msg.Recent))
	}
	if len(msg.Generations) != int(gc.PseudoStatic)+1 {
		t.Errorf("Generations = %d entries, want %d", len(msg.Generations), gc.PseudoStatic+1)
	}
	if msg.FreePages <= 0 {
		t.Errorf("FreePages = %d, want > 0", msg.FreePages)
	}
}

func TestStats_RejectsBadRecent(t *testing.T) {
	env := newTestEnv(t)
	svc := NewHeapService(env.Worker, nil, nil)

	_, err := svc.Stats(bg(), connectReq(&StatsRequest{Recent: maxRecentCycles + 1}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Stats code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Locate
// ---------------------------------------------------------------------------

func TestLocate_StaticVector(t *testing.T) {
	env := newTestEnv(t)
	v := env.Heap.In(gc.SpaceStatic).NewVector(3, layout.Fixnum(0))
	svc := NewHeapService(env.Worker, nil, nil)

	resp, err := svc.Locate(bg(), connectReq(&LocateRequest{
		Address: uint64(v.Native()) + 3*layout.WordBytes,
	}))
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	msg := resp.Msg
	if !msg.Found {
		t.Fatal("Locate should find the vector")
	}
	if msg.Space != "static" || msg.Start != uint64(v.Native()) || msg.Ref != uint64(v) {
		t.Errorf("Locate = %s %#x %#x, want static %#x %#x", msg.Space, msg.Start, msg.Ref, v.Native(), v)
	}
	if msg.Type != "simple-vector" || msg.Words != 6 {
		t.Errorf("Type/Words = %s/%d, want simple-vector/6", msg.Type, msg.Words)
	}
	if msg.Generation != int(gc.PseudoStatic) {
		t.Errorf("Generation = %d, want %d", msg.Generation, gc.PseudoStatic)
	}
}

func TestLocate_Cons(t *testing.T) {
	env := newTestEnv(t)
	env.populate()
	svc := NewHeapService(env.Worker, nil, nil)
	if _, err := svc.Collect(bg(), connectReq(&CollectRequest{})); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}

	root := env.Heap.Root(0)
	resp, err := svc.Locate(bg(), connectReq(&LocateRequest{Address: uint64(root.Native())}))
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if !resp.Msg.Found || resp.Msg.Type != "cons" || resp.Msg.Ref != uint64(root) {
		t.Errorf("Locate = %+v, want the rooted cons", resp.Msg)
	}
	if resp.Msg.Words != 2 {
		t.Errorf("Words = %d, want 2", resp.Msg.Words)
	}
}

func TestLocate_Miss(t *testing.T) {
	env := newTestEnv(t)
	svc := NewHeapService(env.Worker, nil, nil)

	resp, err := svc.Locate(bg(), connectReq(&LocateRequest{Address: uint64(gc.ControlStackStart)}))
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if resp.Msg.Found {
		t.Errorf("Locate found %+v in a control stack", resp.Msg)
	}

	_, err = svc.Locate(bg(), connectReq(&LocateRequest{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Locate(0) code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Census
// ---------------------------------------------------------------------------

func TestCensus_CountsConses(t *testing.T) {
	env := newTestEnv(t)
	env.populate()
	svc := NewHeapService(env.Worker, nil, nil)

	resp, err := svc.Census(bg(), connectReq(&CensusRequest{}))
	if err != nil {
		t.Fatalf("Census returned error: %v", err)
	}
	var conses int
	for _, e := range resp.Msg.Census.Entries {
		if e.Space == "dynamic" && e.Type == "cons" {
			conses += e.Objects
		}
	}
	if conses != 53 {
		t.Errorf("census counted %d conses, want 53", conses)
	}
}
