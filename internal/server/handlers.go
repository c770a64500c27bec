package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
)

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "pollchat server is running!")
}

// WatchHandler upgrades authenticated GET /watch requests into watch feeds.
type WatchHandler struct {
	registry       *registry.Registry
	hub            *Hub
	origins        *originPolicy
	upgrader       websocket.Upgrader
	maxMessageSize int64
	logger         logging.Logger
}

// NewWatchHandler builds the /watch handler from cfg.
func NewWatchHandler(cfg *Config, reg *registry.Registry, hub *Hub, logger logging.Logger) *WatchHandler {
	logger = logger.With("module", "watch")
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &WatchHandler{
		registry: reg,
		hub:      hub,
		origins:  origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		maxMessageSize: cfg.MaxWatchMessageSize,
		logger:         logger,
	}
}

// ServeHTTP checks origin, then the caller's credential for the requested
// username, and only then upgrades.
func (h *WatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed. Watch endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !h.origins.check(r) {
		http.Error(w, "Origin not allowed.", http.StatusForbidden)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" || !h.registry.Verify(username, chat.CredentialFromHeader(r.Header)) {
		h.logger.Info(r.Context(), "watch authentication rejected", "username", username, "remote", r.RemoteAddr)
		http.Error(w, chat.MsgInvalidAuth, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "watch upgrade failed", "error", err)
		return
	}

	watcher := NewWatcher(conn, h.hub, username, r.RemoteAddr, h.maxMessageSize)
	if err := h.hub.Register(watcher); err != nil {
		watcher.closeConnection()
	}
}
