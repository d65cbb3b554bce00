package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/journal"
	"github.com/chazu/scavenger/layout"
)

// Procedure paths of the heap service.
const (
	HeapServiceName    = "scavenger.v1.HeapService"
	CollectProcedure   = "/" + HeapServiceName + "/Collect"
	StatsProcedure     = "/" + HeapServiceName + "/Stats"
	LocateProcedure    = "/" + HeapServiceName + "/Locate"
	CensusProcedure    = "/" + HeapServiceName + "/Census"
	maxRecentCycles    = 100
	defaultRecentCycle = 10
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// CollectRequest asks for a cycle collecting generations 0 through Last.
type CollectRequest struct {
	Last int `cbor:"last"`
	// Census records a census with the cycle when a journal is attached.
	Census bool `cbor:"census,omitempty"`
}

// CollectResponse carries the statistics of the cycle just run.
type CollectResponse struct {
	Stats *gc.CycleStats `cbor:"stats"`
}

// StatsRequest asks for the heap's current state.
type StatsRequest struct {
	// Recent is how many journaled cycles to return.
	Recent int `cbor:"recent,omitempty"`
}

// StatsResponse describes the heap and its recent cycles.
type StatsResponse struct {
	Strategy       string               `cbor:"strategy"`
	Cycles         int                  `cbor:"cycles"`
	BytesAllocated int64                `cbor:"bytes_allocated"`
	NurseryBytes   int64                `cbor:"nursery_bytes"`
	FreePages      int                  `cbor:"free_pages"`
	Generations    []gc.GenerationStats `cbor:"generations"`
	Last           *gc.CycleStats       `cbor:"last,omitempty"`
	Recent         []*gc.CycleStats     `cbor:"recent,omitempty"`
}

// LocateRequest asks which object contains Address.
type LocateRequest struct {
	Address uint64 `cbor:"address"`
}

// LocateResponse describes the containing object, if any.
type LocateResponse struct {
	Found      bool   `cbor:"found"`
	Space      string `cbor:"space,omitempty"`
	Start      uint64 `cbor:"start,omitempty"`
	Ref        uint64 `cbor:"ref,omitempty"`
	Type       string `cbor:"type,omitempty"`
	Words      int    `cbor:"words,omitempty"`
	Generation int    `cbor:"generation,omitempty"`
}

// CensusRequest asks for a census of the heap.
type CensusRequest struct{}

// CensusResponse carries the census.
type CensusResponse struct {
	Census *gc.Census `cbor:"census"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// HeapService implements the heap inspection handlers.
type HeapService struct {
	worker  *HeapWorker
	journal *journal.Journal
	trigger *gc.Trigger
}

// NewHeapService creates a HeapService. j and t may be nil.
func NewHeapService(worker *HeapWorker, j *journal.Journal, t *gc.Trigger) *HeapService {
	return &HeapService{worker: worker, journal: j, trigger: t}
}

// Collect runs a cycle. With a trigger attached the cycle goes through it,
// so its OnCycle hook sees the cycle; otherwise the cycle is journaled here.
func (s *HeapService) Collect(
	ctx context.Context,
	req *connect.Request[CollectRequest],
) (*connect.Response[CollectResponse], error) {
	last := gc.Generation(req.Msg.Last)
	if last < gc.Nursery || last > gc.HighestNormal {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("generation %d cannot be collected", req.Msg.Last))
	}

	result, err := s.worker.Do(func(h *gc.Heap) interface{} {
		var st *gc.CycleStats
		var err error
		if s.trigger != nil {
			st, err = s.trigger.CollectNow(last)
		} else {
			st, err = h.Collect(last)
			if err == nil && s.journal != nil {
				err = s.journal.Record(st)
			}
		}
		if err != nil {
			return err
		}
		if req.Msg.Census && s.journal != nil {
			if err := s.journal.RecordCensus(st.ID, h.Census()); err != nil {
				return err
			}
		}
		return st
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if errVal, ok := result.(error); ok {
		return nil, connect.NewError(connect.CodeInternal, errVal)
	}
	return connect.NewResponse(&CollectResponse{Stats: result.(*gc.CycleStats)}), nil
}

// Stats returns the heap's current state and, with a journal attached, its
// most recent cycles.
func (s *HeapService) Stats(
	ctx context.Context,
	req *connect.Request[StatsRequest],
) (*connect.Response[StatsResponse], error) {
	n := req.Msg.Recent
	if n < 0 || n > maxRecentCycles {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("recent must be between 0 and %d", maxRecentCycles))
	}

	result, err := s.worker.Do(func(h *gc.Heap) interface{} {
		resp := &StatsResponse{
			Strategy:       h.Collector().Name(),
			Cycles:         h.Cycles(),
			Last:           h.LastCycle(),
			BytesAllocated: h.BytesAllocated(),
		}
		h.Lock()
		resp.NurseryBytes = h.NurseryBytes()
		resp.FreePages = h.Pages().FreePages()
		for g := gc.Nursery; g <= gc.PseudoStatic; g++ {
			bytes, blocks := h.Pages().GenerationBytes(g)
			resp.Generations = append(resp.Generations, gc.GenerationStats{
				Generation: int(g),
				Bytes:      bytes,
				Blocks:     blocks,
				NumGC:      h.Generation(g).NumGC,
			})
		}
		h.Unlock()
		return resp
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := result.(*StatsResponse)

	if s.journal != nil {
		if n == 0 {
			n = defaultRecentCycle
		}
		recent, err := s.journal.Recent(n)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.Recent = recent
	}
	return connect.NewResponse(resp), nil
}

// Locate finds the object containing an address in any object space.
func (s *HeapService) Locate(
	ctx context.Context,
	req *connect.Request[LocateRequest],
) (*connect.Response[LocateResponse], error) {
	if req.Msg.Address == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("address is required"))
	}

	result, err := s.worker.Do(func(h *gc.Heap) interface{} {
		h.Lock()
		defer h.Unlock()

		loc, ok := h.Locator().SearchAll(gc.Addr(req.Msg.Address))
		if !ok {
			return &LocateResponse{}
		}
		resp := &LocateResponse{
			Found: true,
			Space: loc.Space.String(),
			Start: uint64(loc.Start),
			Ref:   uint64(loc.Ref),
			Type:  "cons",
			Words: gc.SizeOf(h.Memory(), loc.Start),
		}
		if wt := h.Widetag(loc.Ref); wt != 0 {
			resp.Type = layout.WidetagName(wt)
		}
		if gen, ok := h.GenerationOf(loc.Ref); ok {
			resp.Generation = int(gen)
		}
		return resp
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(result.(*LocateResponse)), nil
}

// Census counts every object in the heap by space, generation and type.
func (s *HeapService) Census(
	ctx context.Context,
	req *connect.Request[CensusRequest],
) (*connect.Response[CensusResponse], error) {
	result, err := s.worker.Do(func(h *gc.Heap) interface{} {
		return h.Census()
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&CensusResponse{Census: result.(*gc.Census)}), nil
}
