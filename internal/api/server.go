// Package api exposes the service's observable state over HTTP: health,
// current status, prometheus metrics, and a live status feed over WebSocket.
// It observes the service and never consumes the snapshot stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scenecast/scenecast/internal/observability"
	"github.com/scenecast/scenecast/internal/receiver"
)

const writeTimeout = 10 * time.Second

// Server is the HTTP ops surface.
type Server struct {
	svc    *receiver.Service
	logger observability.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer builds the ops server for svc, bound to addr when started.
func NewServer(addr string, svc *receiver.Service, logger observability.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws/status", s.handleStatusFeed)

	s.http = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the ops surface.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the ops server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.State() == receiver.StateIdle {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	text, updated := s.svc.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.svc.State().String(),
		"status":  text,
		"updated": updated,
	})
}

// handleStatusFeed streams applied status events as JSON over a WebSocket.
// Slow observers see only the most recent update, like the display itself.
func (s *Server) handleStatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("status feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.svc.Watch()
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		// Reads are discarded; the pump only detects the peer leaving.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(statusEvent{
			Time:     ev.Time,
			Severity: ev.Severity.String(),
			Message:  ev.Message,
		}); err != nil {
			return
		}
	}
}

type statusEvent struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
