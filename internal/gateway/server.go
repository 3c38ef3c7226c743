// Package gateway exposes the world runtime over a websocket control plane:
// request/response operations correlated by requestId, with subscribed
// events streamed back on the same connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/skills"
	"github.com/haasonsaas/agora/internal/world"
)

// Config wires the gateway's dependencies.
type Config struct {
	Addr    string
	Manager *world.Manager
	Skills  *skills.Registry
	Auth    *JWTAuth
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server serves the websocket control plane plus health and metrics
// endpoints.
type Server struct {
	cfg        Config
	logger     *observability.CategoryLogger
	httpServer *http.Server
}

// NewServer builds the gateway server. It does not start listening.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.Category("gateway"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s.newWSHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server shuts down.
func (s *Server) ListenAndServe() error {
	s.logger.Info(context.Background(), "gateway listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
