package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Tyrowin/pollchat/internal/logging"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// WriteTimeout is left unset since watch connections are long-lived.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves on ln until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server, ln net.Listener, logger logging.Logger) error {
	logger.Info(context.Background(), "notify server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "notify server shutdown error", "error", err)
		return err
	}

	logger.Info(ctx, "notify server shutdown completed")
	return nil
}
