package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// shutdownSlack is added to the session close grace when bounding shutdown.
const shutdownSlack = 5 * time.Second

// Start runs the HTTP server until ctx is done, then shuts it down
// gracefully. It returns early if the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Broker listening",
			"addr", s.cfg.Addr,
			"path", s.cfg.WSPath,
			"codec", s.manager.Codec().Name())
		if err := s.E.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseGrace+shutdownSlack)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every session with a going-away code, waits for their
// queues to drain and then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down broker", "sessions", s.manager.Count())

	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	s.cancel()
	if err := s.E.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}
	return errors.Join(errs...)
}
