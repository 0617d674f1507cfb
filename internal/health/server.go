package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/session"
)

// Reporter exposes the state of a running session
type Reporter interface {
	State() chat.State
	Stats() session.Stats
}

// Server provides HTTP health, status and metrics endpoints
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// New creates a new health check server
func New(addr string, reporter Reporter, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(reporter),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// NewRouter builds the handler tree
func NewRouter(reporter Reporter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := reporter.State()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if st == chat.StateClosed {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(st.String()))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reporter.Stats())
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Health check server listening")
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down health check server")
	return s.server.Shutdown(ctx)
}
