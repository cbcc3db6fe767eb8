package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server wraps the App's handler in a net/http.Server with a context-aware
// lifecycle, so it can be driven directly by supervisor.Supervisor.Run as a
// CoreFunc.
type Server struct {
	app    *App
	logger *zap.Logger
	addr   string

	httpServer *http.Server
}

// NewServer creates a Server listening on addr ("host:port").
func NewServer(app *App, addr string, logger *zap.Logger) *Server {
	return &Server{app: app, addr: addr, logger: logger}
}

// Run starts serving and blocks until ctx is cancelled or the listener
// fails. It satisfies supervisor.CoreFunc.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints (SSE) must not be cut off
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && s.logger != nil {
			s.logger.Warn("server shutdown error", zap.Error(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string {
	return s.addr
}

// HealthProbe is a supervisor.HealthProbeFunc dialing the server's own
// listener to confirm it's accepting connections.
func (s *Server) HealthProbe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health probe dial failed: %w", err)
	}
	return conn.Close()
}
