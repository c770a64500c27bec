package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/pollchat/internal/logging"
)

// ErrHubClosed is returned when registering with a hub that has shut down.
var ErrHubClosed = errors.New("server: hub closed")

// watchEvent is the JSON frame pushed to watchers.
type watchEvent struct {
	Event   string `json:"event"`
	Pending int    `json:"pending,omitempty"`
}

type notification struct {
	username string
	payload  []byte
	removed  bool
}

// Hub fans mailbox notifications out to the watchers of each username. It
// implements chat.Notifier without blocking the caller.
type Hub struct {
	watchers   map[string]map[*Watcher]struct{}
	notify     chan notification
	register   chan *Watcher
	unregister chan *Watcher
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     logging.Logger
}

// NewHub creates a hub. Run must be started before watchers register.
func NewHub(logger logging.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		watchers:   make(map[string]map[*Watcher]struct{}),
		notify:     make(chan notification, 256),
		register:   make(chan *Watcher),
		unregister: make(chan *Watcher),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With("module", "hub"),
	}
}

// MailArrived queues a mail event for username's watchers.
func (h *Hub) MailArrived(username string, pending int) {
	h.enqueue(notification{username: username, payload: encodeEvent(watchEvent{Event: "mail", Pending: pending})})
}

// UserRemoved tells username's watchers they are gone and disconnects them.
func (h *Hub) UserRemoved(username string) {
	h.enqueue(notification{username: username, payload: encodeEvent(watchEvent{Event: "removed"}), removed: true})
}

func (h *Hub) enqueue(n notification) {
	select {
	case h.notify <- n:
	case <-h.ctx.Done():
	default:
		h.logger.Warn(h.ctx, "notification queue full; dropping event", "username", n.username)
	}
}

// Register hands a watcher to the hub, which starts its pumps.
func (h *Hub) Register(w *Watcher) error {
	select {
	case h.register <- w:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) leave(w *Watcher) {
	select {
	case h.unregister <- w:
	case <-h.ctx.Done():
	}
}

// WatcherCount returns how many watchers username has.
func (h *Hub) WatcherCount(username string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.watchers[username])
}

// Run is the hub's event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownWatchers()
			return

		case w := <-h.register:
			if w == nil {
				continue
			}
			h.add(w)

		case w := <-h.unregister:
			h.remove(w, "disconnected")

		case n := <-h.notify:
			h.handleNotification(n)
		}
	}
}

func (h *Hub) add(w *Watcher) {
	h.mutex.Lock()
	set, ok := h.watchers[w.username]
	if !ok {
		set = make(map[*Watcher]struct{})
		h.watchers[w.username] = set
	}
	set[w] = struct{}{}
	count := len(set)
	h.mutex.Unlock()

	h.logger.Info(h.ctx, "watcher registered", "username", w.username, "remote", w.addr, "watchers", count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		w.writePump()
	}()
	go func() {
		defer h.wg.Done()
		w.readPump()
	}()
}

// remove drops w and closes its send channel. Only the Run goroutine sends
// on or closes send channels.
func (h *Hub) remove(w *Watcher, reason string) {
	h.mutex.Lock()
	set := h.watchers[w.username]
	if _, ok := set[w]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, w.username)
	}
	w.closed = true
	h.mutex.Unlock()

	close(w.send)
	h.logger.Info(h.ctx, "watcher unregistered", "username", w.username, "remote", w.addr, "reason", reason)
}

func (h *Hub) handleNotification(n notification) {
	for _, w := range h.snapshot(n.username) {
		if !h.trySend(w, n.payload) {
			h.remove(w, "send buffer full")
			continue
		}
		if n.removed {
			h.remove(w, "user removed")
		}
	}
}

func (h *Hub) snapshot(username string) []*Watcher {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	set := h.watchers[username]
	watchers := make([]*Watcher, 0, len(set))
	for w := range set {
		watchers = append(watchers, w)
	}
	return watchers
}

func (h *Hub) trySend(w *Watcher, payload []byte) bool {
	if w.closed {
		return false
	}
	select {
	case w.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) shutdownWatchers() {
	h.mutex.Lock()
	var watchers []*Watcher
	for _, set := range h.watchers {
		for w := range set {
			watchers = append(watchers, w)
		}
	}
	h.mutex.Unlock()

	for _, w := range watchers {
		w.closeConnection()
	}

	h.logger.Info(h.ctx, "closed watcher connections", "count", len(watchers))
}

// Shutdown stops Run, closes every watcher and waits for their pumps up to
// timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info(context.Background(), "hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn(context.Background(), "hub shutdown timeout reached, some watchers may still be running")
		return context.DeadlineExceeded
	}
}

func encodeEvent(ev watchEvent) []byte {
	b, _ := json.Marshal(ev)
	return b
}
