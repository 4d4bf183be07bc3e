package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const endpoint = "/metrics"

// Server is the http server that will be serving the /metrics request for prometheus
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a new server that will listen on the given port and
// responds to only the `/metrics` endpoint.
func NewServer(log zerolog.Logger, port uint) *Server {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.Handler())

	return &Server{
		server: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		log:    log.With().Str("component", "metrics-server").Logger(),
	}
}

// Start binds the listener and serves in the background. Binding errors are
// returned, serving errors are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.log.Info().Str("address", s.server.Addr).Str("endpoint", endpoint).Msg("metrics server started")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err).Msg("error serving metrics server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
