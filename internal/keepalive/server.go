// Package keepalive serves the liveness endpoints an external supervisor
// polls to confirm the process is still running.
package keepalive

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/neveroff/neveroff/internal/config"
	"github.com/neveroff/neveroff/internal/gateway"
)

const aliveBanner = "🎉✨ neveroff: alive, buzzing, and smiling! 😊💪 Heartbeat strong — online forever! 🚀🔋"

type Server struct {
	srv        *http.Server
	ln         net.Listener
	log        *zap.SugaredLogger
	started    time.Time
	instanceID string
	gwStatus   func() gateway.Status
}

// New binds the listener immediately so an occupied or forbidden port fails
// startup instead of leaving the process running without a liveness endpoint.
func New(addr string, cfg *config.State, instanceID string, gwStatus func() gateway.Status, logger *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind keep-alive port %q: %w", addr, err)
	}

	s := &Server{
		ln:         ln,
		log:        logger,
		started:    time.Now(),
		instanceID: instanceID,
		gwStatus:   gwStatus,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(aliveBanner))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/statusz", s.handleStatus)

	insp := &Inspector{DataRoot: cfg.Current().DataDir, Config: cfg.Current}
	r.Route("/v1/state", insp.Routes)

	s.srv = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Addr is the bound listener address, useful when the configured port is 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until Shutdown. http.ErrServerClosed is passed through so the
// caller can tell a clean shutdown from a serve failure.
func (s *Server) Serve() error {
	s.log.Infow("keep-alive listening", "addr", s.ln.Addr().String())
	return s.srv.Serve(s.ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	Instance      string         `json:"instance"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Gateway       gateway.Status `json:"gateway"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Instance:      s.instanceID,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.gwStatus != nil {
		resp.Gateway = s.gwStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
