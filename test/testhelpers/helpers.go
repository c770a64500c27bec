// Package testhelpers provides common utilities for the end-to-end tests of
// the pollchat server.
//
// The helpers start a full App on loopback ports, speak the chat protocol
// over raw TCP one request per connection, and open watch feeds.
package testhelpers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
	"github.com/Tyrowin/pollchat/internal/server"
)

// TestOrigin is the browser origin the test App allows on /watch.
const TestOrigin = "http://localhost:8081"

// RunningApp is an App serving on loopback ports.
type RunningApp struct {
	*server.App
	ChatAddr   string
	NotifyAddr string
	stop       context.CancelFunc
	errc       chan error
}

// StartApp builds an App on 127.0.0.1 with ephemeral ports and runs it until
// the test ends. customize may adjust the config before the App is built.
func StartApp(t *testing.T, customize func(cfg *server.Config)) *RunningApp {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.NotifyAddr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.ShutdownTimeout = 2 * time.Second
	if customize != nil {
		customize(cfg)
	}

	app := server.NewApp(cfg, logging.Discard())
	require.NoError(t, app.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ra := &RunningApp{
		App:      app,
		ChatAddr: app.ChatAddr().String(),
		stop:     cancel,
		errc:     make(chan error, 1),
	}
	if addr := app.NotifyAddr(); addr != nil {
		ra.NotifyAddr = addr.String()
	}

	go func() { ra.errc <- app.Run(ctx) }()
	t.Cleanup(func() { _ = ra.Stop(5 * time.Second) })
	return ra
}

// Stop cancels the App and waits for Run to return.
func (ra *RunningApp) Stop(timeout time.Duration) error {
	ra.stop()
	select {
	case err := <-ra.errc:
		ra.errc <- err
		return err
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// ChatResponse is a decoded reply from the chat listener.
type ChatResponse struct {
	Status int
	Header http.Header
	// Close reports a Connection: close header, which net/http strips from
	// Header.
	Close bool
	Raw   []byte
	Body  map[string]any
}

// Credential returns the credential bound by Set-Cookie, if any.
func (r *ChatResponse) Credential() registry.Credential {
	name, value, ok := strings.Cut(r.Header.Get("Set-Cookie"), "=")
	if !ok || name != chat.CookieName {
		return ""
	}
	return registry.Credential(value)
}

// Messages decodes the "messages" field of a GET reply.
func (r *ChatResponse) Messages(t *testing.T) [][2]string {
	t.Helper()
	var payload struct {
		Messages [][2]string `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(r.Raw, &payload))
	return payload.Messages
}

// Users decodes the "users" field of a GET reply.
func (r *ChatResponse) Users(t *testing.T) []string {
	t.Helper()
	var payload struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(r.Raw, &payload))
	return payload.Users
}

// RawRequest renders a chat request with a JSON body and optional credential.
func RawRequest(method, body string, cred registry.Credential) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s / HTTP/1.1\r\nHost: pollchat.test\r\nContent-Type: application/json\r\n", method)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if cred != "" {
		fmt.Fprintf(&b, "Cookie: %s=%s\r\n", chat.CookieName, cred)
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

// DialChat opens a connection to the chat listener with a 5 second deadline.
func DialChat(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// Send writes raw on a fresh connection and reads the single response.
func Send(t *testing.T, addr, raw string) *ChatResponse {
	t.Helper()
	conn := DialChat(t, addr)
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	return ReadChatResponse(t, bufio.NewReader(conn))
}

// ChatRequest sends one chat request and decodes the reply.
func ChatRequest(t *testing.T, addr, method, body string, cred registry.Credential) *ChatResponse {
	t.Helper()
	return Send(t, addr, RawRequest(method, body, cred))
}

// ReadChatResponse parses one response from br.
func ReadChatResponse(t *testing.T, br *bufio.Reader) *ChatResponse {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := &ChatResponse{Status: resp.StatusCode, Header: resp.Header, Close: resp.Close, Raw: raw}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.Body))
	}
	return out
}

// Register claims username and returns its credential.
func Register(t *testing.T, addr, username string) registry.Credential {
	t.Helper()
	resp := ChatRequest(t, addr, "PUT", UserBody(username), "")
	require.Equal(t, http.StatusOK, resp.Status, "registering %s", username)
	cred := resp.Credential()
	require.NotEmpty(t, cred)
	return cred
}

// UserBody is {"username":username}.
func UserBody(username string) string {
	b, _ := json.Marshal(map[string]string{"username": username})
	return string(b)
}

// MessageBody is {"username":username,"message":message}.
func MessageBody(username, message string) string {
	b, _ := json.Marshal(map[string]string{"username": username, "message": message})
	return string(b)
}

// ConnectWatch opens the watch feed for username.
func ConnectWatch(notifyAddr, username string, cred registry.Credential) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if cred != "" {
		headers.Set("Cookie", chat.CookieName+"="+string(cred))
	}

	u := "ws://" + notifyAddr + "/watch?username=" + url.QueryEscape(username)
	return dialer.Dial(u, headers)
}

// ReadWatchEvent reads one JSON event from a watch feed.
func ReadWatchEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// AssertClosedWithoutResponse reads conn to EOF and expects nothing.
func AssertClosedWithoutResponse(t *testing.T, conn net.Conn) {
	t.Helper()
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, rest, "expected the connection to close without a response")
}
