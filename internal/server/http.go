// ABOUTME: Read-only HTTP surface exposing server stats, the bot table, and recent logs.
// ABOUTME: JSON over net/http; consumers display it, nothing here mutates state.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alzzmetth/Osxnt/internal/registry"
)

func (s *Server) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/bots", s.handleBots)
	mux.HandleFunc("GET /api/bots/{id}", s.handleBot)
	mux.HandleFunc("GET /api/logs", s.handleLogs)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.HTTPAddr,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("stats endpoint listening", "addr", s.cfg.Server.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stats endpoint failed", "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, s.monitor.GetStats())
}

func (s *Server) handleBots(w http.ResponseWriter, _ *http.Request) {
	bots := s.monitor.ListBots()
	if bots == nil {
		bots = []registry.Bot{}
	}
	writeJSON(w, s.logger, bots)
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.monitor.GetBot(r.PathValue("id"))
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, s.logger, bot)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	logs := s.monitor.RecentLogs(n)
	if logs == nil {
		logs = []registry.LogEntry{}
	}
	writeJSON(w, s.logger, logs)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing response", "error", err)
	}
}
