// Package server exposes the action dispatcher over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mbarlow/wrangler/internal/dispatch"
	"github.com/mbarlow/wrangler/internal/errors"
)

// Server serves the action surface: POST /v1/actions plus a health
// endpoint.
type Server struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	http       *http.Server
}

// Config holds the HTTP listener settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// New builds the server and its routes.
func New(cfg Config, d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dispatcher: d, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	if len(cfg.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/actions", s.handleAction)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// actionResponse is the envelope for both success and failure.
type actionResponse struct {
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *errors.Error `json:"error,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Invalid("malformed request body"))
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.logger.Warn("action failed", "action", req.Action, "error", err)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{OK: true, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	structured := errors.AsError(err)
	if structured == nil {
		structured = errors.Wrap(err, "internal error")
	}
	writeJSON(w, structured.HTTPStatus(), actionResponse{OK: false, Error: structured})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
