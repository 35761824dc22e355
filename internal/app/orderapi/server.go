package orderapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router with the handler's routes behind a global
// concurrency limit.
func NewRouter(handler *Handler, maxConcurrent int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(withConcurrencyLimit(maxConcurrent))
	r.Use(middleware.Timeout(15 * time.Second))

	handler.Register(r)
	return r
}

// withConcurrencyLimit blocks requests while n are already in flight, giving
// natural backpressure. A client that goes away while waiting is dropped.
func withConcurrencyLimit(n int) func(http.Handler) http.Handler {
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
			case <-r.Context().Done():
				return
			}
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		})
	}
}

// Serve runs an HTTP server on port until ctx is cancelled, then drains it.
func Serve(ctx context.Context, port int, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log.Info(ctx, "http_listening", fmt.Sprintf("Order API listening on port %d", port), map[string]any{"port": port})

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Error(ctx, "http_shutdown_failed", "Graceful HTTP shutdown failed", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
