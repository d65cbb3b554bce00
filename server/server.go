// Package server exposes a running heap over Connect RPC.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/scavenger/gc"
	"github.com/chazu/scavenger/journal"
)

var log = commonlog.GetLogger("scavenger.server")

// Server is the inspection service wrapping a heap. It speaks the Connect
// protocol with CBOR message bodies.
type Server struct {
	worker *HeapWorker
	mux    *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	journal *journal.Journal
	trigger *gc.Trigger
}

// WithJournal records cycles run through the service in j and serves its
// recent history from Stats.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithTrigger routes Collect through t, so that manual and automatic
// cycles share one history.
func WithTrigger(t *gc.Trigger) ServerOption {
	return func(c *serverConfig) { c.trigger = t }
}

// New creates a Server wrapping h.
func New(h *gc.Heap, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewHeapWorker(h)
	s := &Server{
		worker: worker,
		mux:    http.NewServeMux(),
	}

	svc := NewHeapService(worker, cfg.journal, cfg.trigger)
	codec := connect.WithCodec(Codec{})
	s.mux.Handle(CollectProcedure, connect.NewUnaryHandler(CollectProcedure, svc.Collect, codec))
	s.mux.Handle(StatsProcedure, connect.NewUnaryHandler(StatsProcedure, svc.Stats, codec))
	s.mux.Handle(LocateProcedure, connect.NewUnaryHandler(LocateProcedure, svc.Locate, codec))
	s.mux.Handle(CensusProcedure, connect.NewUnaryHandler(CensusProcedure, svc.Census, codec))

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address. It returns
// nil once Stop has shut the server down.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Noticef("heap service listening on %s", addr)
	log.Infof("  Connect (CBOR): http://%s%s", addr, StatsProcedure)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down the HTTP server, if one is running, and the heap worker.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warningf("shutdown: %v", err)
		}
	}
	s.worker.Stop()
}
