package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/config"
)

// newHTTPServer applies production timeouts. Upgraded connections are not
// subject to them: the upgrader clears the deadlines after hijacking.
func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run listens until ctx is cancelled, then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	case <-ctx.Done():
	}
	return s.Shutdown(s.cfg.ShutdownTimeout)
}

// Shutdown stops accepting requests, then closes every WebSocket connection
// with 1001 and waits for them. Both steps share timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	remaining := time.Until(deadlineOf(ctx))
	if err := s.hub.Shutdown(remaining); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("Shutdown incomplete", zap.Error(err))
		return err
	}
	s.log.Info("HTTP server shutdown completed")
	return nil
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now()
}
