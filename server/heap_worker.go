package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/scavenger/gc"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("heap worker stopped")

// heapRequest represents a unit of work to be executed on the heap goroutine.
type heapRequest struct {
	fn   func(*gc.Heap) interface{}
	done chan heapResult
}

// heapResult holds the return value from a heap operation.
type heapResult struct {
	value interface{}
	err   error
}

// HeapWorker serializes all service access to a heap through a single
// goroutine. Functions that read heap memory must take the heap lock
// themselves; gc.Heap.Collect and gc.Heap.Census already do.
type HeapWorker struct {
	heap     *gc.Heap
	requests chan heapRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewHeapWorker creates a HeapWorker and starts the processing goroutine.
func NewHeapWorker(h *gc.Heap) *HeapWorker {
	w := &HeapWorker{
		heap:     h,
		requests: make(chan heapRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *HeapWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the heap. A lost invariant panics with an
// *gc.InvariantError, which is returned as the error.
func (w *HeapWorker) execute(fn func(*gc.Heap) interface{}) heapResult {
	var result heapResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok {
					result.err = err
				} else {
					result.err = fmt.Errorf("%v", r)
				}
				log.Errorf("heap worker: %v", result.err)
			}
		}()
		result.value = fn(w.heap)
	}()
	return result
}

// Do submits fn for execution on the heap goroutine and blocks until it
// completes.
func (w *HeapWorker) Do(fn func(*gc.Heap) interface{}) (interface{}, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}

	req := heapRequest{
		fn:   fn,
		done: make(chan heapResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine. It may be called more than once.
func (w *HeapWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// Heap returns the underlying heap.
func (w *HeapWorker) Heap() *gc.Heap {
	return w.heap
}
