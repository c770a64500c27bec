package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
)

const allowedOrigin = "http://allowed.example"

type watchFixture struct {
	srv      *httptest.Server
	registry *registry.Registry
	hub      *Hub
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{allowedOrigin}

	reg := registry.New(registry.Options{})
	hub := NewHub(logging.Discard())
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	srv := httptest.NewServer(SetupRoutes(NewWatchHandler(cfg, reg, hub, logging.Discard())))
	t.Cleanup(srv.Close)

	return &watchFixture{srv: srv, registry: reg, hub: hub}
}

func (f *watchFixture) register(t *testing.T, username string) registry.Credential {
	t.Helper()
	res, err := f.registry.CheckOrRegister(username, "")
	require.NoError(t, err)
	require.True(t, res.Registered)
	return res.Credential
}

func (f *watchFixture) dial(username string, cred registry.Credential, origin string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/watch?username=" + url.QueryEscape(username)
	h := http.Header{}
	if cred != "" {
		h.Set("Cookie", chat.CookieName+"="+string(cred))
	}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(u, h)
}

func (f *watchFixture) mustWatch(t *testing.T, username string, cred registry.Credential) *websocket.Conn {
	t.Helper()
	conn, _, err := f.dial(username, cred, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return f.hub.WatcherCount(username) == 1 },
		2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) watchEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev watchEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHealthHandler(t *testing.T) {
	f := newWatchFixture(t)

	for _, path := range []string{"/", "/healthz"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "pollchat server is running!", string(body))
	}
}

func TestWatch_RejectsNonGET(t *testing.T) {
	f := newWatchFixture(t)

	resp, err := http.Post(f.srv.URL+"/watch?username=alice", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWatchHandler_MethodCheck(t *testing.T) {
	f := newWatchFixture(t)
	h := NewWatchHandler(NewConfig(), f.registry, f.hub, logging.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/watch", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestWatch_Authentication(t *testing.T) {
	f := newWatchFixture(t)
	cred := f.register(t, "alice")

	tests := []struct {
		name     string
		username string
		cred     registry.Credential
		origin   string
		want     int
	}{
		{"no cookie", "alice", "", "", http.StatusUnauthorized},
		{"wrong cookie", "alice", "wrong", "", http.StatusUnauthorized},
		{"unknown user", "mallory", cred, "", http.StatusUnauthorized},
		{"no username", "", cred, "", http.StatusUnauthorized},
		{"disallowed origin", "alice", cred, "http://evil.example", http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := f.dial(tc.username, tc.cred, tc.origin)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	assert.False(t, f.registry.Exists("mallory"), "watching never registers")
}

func TestWatch_AllowedOrigin(t *testing.T) {
	f := newWatchFixture(t)
	cred := f.register(t, "alice")

	conn, _, err := f.dial("alice", cred, allowedOrigin)
	require.NoError(t, err)
	conn.Close()
}

func TestWatch_MailEvent(t *testing.T) {
	f := newWatchFixture(t)
	alice := f.mustWatch(t, "alice", f.register(t, "alice"))
	bob := f.mustWatch(t, "bob", f.register(t, "bob"))

	f.hub.MailArrived("alice", 3)

	assert.Equal(t, watchEvent{Event: "mail", Pending: 3}, readEvent(t, alice))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr, "bob must not see alice's mail")
	assert.True(t, netErr.Timeout())
}

func TestWatch_RemovedEventClosesFeed(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.mustWatch(t, "alice", f.register(t, "alice"))

	f.hub.UserRemoved("alice")

	assert.Equal(t, watchEvent{Event: "removed"}, readEvent(t, conn))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return f.hub.WatcherCount("alice") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatch_ClientDisconnectUnregisters(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.mustWatch(t, "alice", f.register(t, "alice"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.hub.WatcherCount("alice") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesWatchers(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.mustWatch(t, "alice", f.register(t, "alice"))

	require.NoError(t, f.hub.Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	hub := NewHub(logging.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.MailArrived("alice", i)
		}
		hub.UserRemoved("alice")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications blocked without a running hub")
	}
}

func TestHub_RegisterAfterShutdown(t *testing.T) {
	hub := NewHub(logging.Discard())
	go hub.Run()
	require.NoError(t, hub.Shutdown(time.Second))

	err := hub.Register(&Watcher{username: "alice"})
	assert.ErrorIs(t, err, ErrHubClosed)
}
