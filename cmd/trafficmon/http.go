package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"trafficmon/internal/api"
)

// handleHTTPServer configures and starts a HTTP server on addr. It shuts
// down the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, server *api.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	// Streaming responses run for the life of the client, so only the
	// header read is bounded.
	srv := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: time.Second * 60}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Sessions are stopped before this runs; readers still attached
		// after 5s are stalled and get closed.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
			srv.Close()
		}
	}()
}
