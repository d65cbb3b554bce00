package server

import (
	"errors"
	"testing"

	"github.com/chazu/scavenger/gc"
)

func TestHeapWorkerDo(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.Worker.Do(func(h *gc.Heap) interface{} {
		return h.Collector().Name()
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result != gc.StrategyGenCGC {
		t.Errorf("result = %v, want %s", result, gc.StrategyGenCGC)
	}
	if env.Worker.Heap() != env.Heap {
		t.Error("Heap() should return the wrapped heap")
	}
}

func TestHeapWorkerRecoversLostInvariant(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Worker.Do(func(h *gc.Heap) interface{} {
		panic(&gc.InvariantError{Check: "test", Detail: "deliberate"})
	})
	var lost *gc.InvariantError
	if !errors.As(err, &lost) || lost.Check != "test" {
		t.Fatalf("Do error = %v, want the invariant error", err)
	}

	// The worker keeps serving after a panic.
	result, err := env.Worker.Do(func(h *gc.Heap) interface{} { return 42 })
	if err != nil || result != 42 {
		t.Errorf("Do after panic = %v, %v; want 42, nil", result, err)
	}
}

func TestHeapWorkerRecoversPlainPanic(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Worker.Do(func(h *gc.Heap) interface{} {
		panic("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("Do error = %v, want boom", err)
	}
}

func TestHeapWorkerStopped(t *testing.T) {
	env := newTestEnv(t)
	env.Worker.Stop()
	env.Worker.Stop()

	_, err := env.Worker.Do(func(h *gc.Heap) interface{} { return nil })
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop error = %v, want ErrWorkerStopped", err)
	}
}
