package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/pollchat/internal/logging"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	watchWriteWait = 10 * time.Second
)

// Watcher is one WebSocket subscribed to a user's mailbox notifications.
// Watchers only listen: inbound frames are read and discarded.
type Watcher struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	username string
	addr     string
	closed   bool
	logger   logging.Logger
}

// NewWatcher wraps an upgraded connection for username.
func NewWatcher(conn *websocket.Conn, hub *Hub, username, addr string, maxMessageSize int64) *Watcher {
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	return &Watcher{
		conn:     conn,
		send:     make(chan []byte, 16),
		hub:      hub,
		username: username,
		addr:     addr,
		logger:   hub.logger.With("username", username, "remote", addr),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (w *Watcher) setupReadConnection() {
	if err := w.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		w.logger.Debug(context.Background(), "setting initial read deadline failed", "error", err)
	}
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (w *Watcher) logReadError(err error) {
	ctx := context.Background()

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		w.logger.Info(ctx, "watch frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		w.logger.Debug(ctx, "watcher disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		w.logger.Debug(ctx, "watch connection closed", "error", err)
	default:
		w.logger.Warn(ctx, "watch read error", "error", err)
	}
}

func (w *Watcher) readPump() {
	defer func() {
		w.hub.leave(w)
		w.closeConnection()
	}()

	w.setupReadConnection()

	for {
		if _, _, err := w.conn.NextReader(); err != nil {
			w.logReadError(err)
			return
		}
	}
}

func (w *Watcher) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.closeConnection()
	}()

	for w.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (w *Watcher) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-w.send:
		if !ok {
			return w.writeCloseMessage()
		}
		return w.writeTextMessage(message)
	case <-ticker.C:
		return w.writeControl(websocket.PingMessage, nil)
	case <-w.hub.ctx.Done():
		return w.writeCloseMessage()
	}
}

func (w *Watcher) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.writeControl(websocket.CloseMessage, msg)
	return false
}

func (w *Watcher) writeControl(messageType int, data []byte) bool {
	err := w.conn.WriteControl(messageType, data, time.Now().Add(watchWriteWait))
	if err != nil {
		if !isExpectedCloseError(err) {
			w.logger.Debug(context.Background(), "writing control frame failed", "error", err)
		}
		return false
	}
	return true
}

func (w *Watcher) writeTextMessage(message []byte) bool {
	if err := w.conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
		return false
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			w.logger.Warn(context.Background(), "writing watch event failed", "error", err)
		}
		return false
	}
	return true
}

// closeConnection closes the socket; repeated calls are harmless.
func (w *Watcher) closeConnection() {
	if err := w.conn.Close(); err != nil && !isExpectedCloseError(err) {
		w.logger.Debug(context.Background(), "closing watch connection failed", "error", err)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
