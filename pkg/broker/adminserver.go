package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// AdminServer exposes the broker's health and status over HTTP for operators
// and probes: /healthz for liveness, /statusz for queue depths and registry
// state.
type AdminServer struct {
	logger     zerolog.Logger
	broker     *Broker
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewAdminServer creates an admin server for the broker on the given port
// (":8081" form; ":0" picks a free port).
func NewAdminServer(b *Broker, httpPort string, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		logger:   logger.With().Str("component", "AdminServer").Logger(),
		broker:   b,
		httpPort: httpPort,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	s.mux = mux
	s.httpServer = &http.Server{Addr: httpPort, Handler: mux}
	return s
}

// Start begins serving in a background goroutine.
func (s *AdminServer) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Admin HTTP server starting to listen.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, respecting the context's deadline.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down admin HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// Addr returns the address actually listened on, once started.
func (s *AdminServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *AdminServer) handleStatusz(w http.ResponseWriter, r *http.Request) {
	report, err := s.broker.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build status report.")
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status report.")
	}
}
