package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/qrisgate/server/internal/config"
)

// Server wraps the stdlib HTTP server with sane timeouts and graceful
// shutdown.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer builds the listener around the assembled router.
func NewServer(cfg config.ServerConfig, handler http.Handler, log zerolog.Logger) *Server {
	readTimeout := cfg.ReadTimeout.Duration
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout.Duration
	if writeTimeout <= 0 {
		writeTimeout = 35 * time.Second
	}
	idleTimeout := cfg.IdleTimeout.Duration
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		log: log,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
