// Package server exposes the local status API: the live system state, recent
// bid history, and a websocket stream of runtime actions. It is a LAN
// surface; there is no user identity here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/storage"
	"github.com/opencbp/opencbp/pkg/types"
)

// StatusProvider reports the live system state. Implemented by the runtime.
type StatusProvider interface {
	Status() types.StatusReport
}

// Server handles the HTTP status API for the OpenCBP daemon.
type Server struct {
	status  StatusProvider
	storage storage.Provider
	hub     *Hub

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(sp StatusProvider, store storage.Provider, hub *Hub) *Server {
	srv := &Server{
		status:  sp,
		storage: store,
		hub:     hub,
	}

	listenAddr := lflag.String("http-listen", ":8080", "HTTP status server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/bids", s.handleBids)
	mux.HandleFunc("GET /api/stream", s.hub.serveWS)
	return gziphandler.GzipHandler(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.status.Status())
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 24*31 {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	recs, err := s.storage.GetBidHistory(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to fetch bid history", slog.Any("error", err))
		http.Error(w, "failed to fetch bid history", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []types.BidRecord{}
	}
	writeJSON(w, r, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to encode response", slog.Any("error", err))
	}
}

// Run serves the status API until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).InfoContext(ctx, "status server listening", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	return nil
}
