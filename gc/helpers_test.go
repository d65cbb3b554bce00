package gc

import (
	"errors"
	"testing"

	"github.com/chazu/scavenger/layout"
)

// newTestHeap builds a heap from the default options after applying each
// configure function.
func newTestHeap(t *testing.T, configure ...func(*Options)) *Heap {
	t.Helper()
	opts := DefaultOptions()
	for _, f := range configure {
		f(&opts)
	}
	h, err := NewHeap(opts)
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	return h
}

func withStrategy(s string) func(*Options) {
	return func(o *Options) { o.Strategy = s }
}

func mustCollect(t *testing.T, h *Heap, last Generation) *CycleStats {
	t.Helper()
	st, err := h.Collect(last)
	if err != nil {
		t.Fatalf("Collect(%s) failed: %v", last, err)
	}
	return st
}

// expectLose runs fn and returns the invariant it lost on. The test fails
// if fn returns normally or loses on a different check.
func expectLose(t *testing.T, check string, fn func()) (lost *InvariantError) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("Expected %q invariant to be lost, but the call returned", check)
		}
		err, ok := r.(error)
		if !ok || !errors.As(err, &lost) {
			panic(r)
		}
		if lost.Check != check {
			t.Fatalf("Expected %q invariant to be lost, got %q: %s", check, lost.Check, lost.Detail)
		}
	}()
	fn()
	return nil
}

// list builds a proper list of fixnums.
func list(b *Builder, values ...int64) Ref {
	r := layout.Fixnum(0)
	for i := len(values) - 1; i >= 0; i-- {
		r = b.Cons(layout.Fixnum(values[i]), r)
	}
	return r
}

// listValues reads back a list built by list.
func listValues(h *Heap, r Ref) []int64 {
	var out []int64
	for r.IsPointer() {
		out = append(out, h.Car(r).FixnumValue())
		r = h.Cdr(r)
	}
	return out
}

func garbage(b *Builder, n int) {
	for i := 0; i < n; i++ {
		b.Cons(layout.Fixnum(int64(i)), layout.Fixnum(0))
	}
}
