package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
)

type recordingNotifier struct {
	mu      sync.Mutex
	mail    []registry.Delivery
	removed []string
}

func (n *recordingNotifier) MailArrived(username string, pending int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mail = append(n.mail, registry.Delivery{Username: username, Pending: pending})
}

func (n *recordingNotifier) UserRemoved(username string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, username)
}

type fixture struct {
	t        *testing.T
	protocol *Protocol
	registry *registry.Registry
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	reg := registry.New(registry.Options{})
	n := &recordingNotifier{}
	return &fixture{
		t:        t,
		protocol: NewProtocol(reg, n, logging.Discard()),
		registry: reg,
		notifier: n,
	}
}

type result struct {
	status int
	header http.Header
	body   map[string]any
	raw    []byte
}

func (f *fixture) do(method string, cred registry.Credential, body string) result {
	f.t.Helper()
	h := http.Header{}
	if cred != "" {
		h.Set("Cookie", CookieName+"="+string(cred))
	}
	req, err := NewRequest(method, h, []byte(body))
	require.NoError(f.t, err)

	resp := f.protocol.Dispatch(context.Background(), req)
	resp.Delivered()
	res := result{status: resp.Status, header: resp.Header, raw: resp.Body}
	if len(resp.Body) > 0 {
		require.NoError(f.t, json.Unmarshal(resp.Body, &res.body))
	}
	return res
}

func (r result) cookie() registry.Credential {
	v := r.header.Get("Set-Cookie")
	name, value, ok := strings.Cut(v, "=")
	if !ok || name != CookieName {
		return ""
	}
	return registry.Credential(value)
}

func (f *fixture) register(username string) registry.Credential {
	f.t.Helper()
	res := f.do("PUT", "", `{"username":"`+username+`"}`)
	require.Equal(f.t, http.StatusOK, res.status)
	cred := res.cookie()
	require.NotEmpty(f.t, cred)
	return cred
}

func invalidAuth() map[string]any {
	return map[string]any{"success": false, "error": MsgInvalidAuth}
}

func TestScenario_FirstContactIssuesCredential(t *testing.T) {
	f := newFixture(t)

	res := f.do("PUT", "", `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"success": true}, res.body)
	cred := res.cookie()
	assert.Len(t, string(cred), registry.CredentialLength)

	got := f.do("GET", cred, `{"username":"alice"}`)
	assert.Equal(t, []any{"alice"}, got.body["users"])
}

func TestScenario_FirstPostIssuesCredential(t *testing.T) {
	f := newFixture(t)

	res := f.do("POST", "", `{"username":"alice","message":"anyone here?"}`)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"success": true}, res.body)
	assert.NotEmpty(t, res.cookie())
	assert.True(t, f.registry.Exists("alice"))
}

func TestScenario_MessageDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")
	bob := f.register("bob")

	res := f.do("POST", alice, `{"username":"alice","message":"hi"}`)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, alice, res.cookie())

	got := f.do("GET", bob, `{"username":"bob"}`)
	require.Equal(t, http.StatusOK, got.status)
	assert.JSONEq(t, `{"success":true,"messages":[["alice","hi"]],"users":["alice","bob"]}`, string(got.raw))

	again := f.do("GET", bob, `{"username":"bob"}`)
	assert.Equal(t, []any{}, again.body["messages"], "mailbox is cleared after a successful GET")

	own := f.do("GET", alice, `{"username":"alice"}`)
	assert.JSONEq(t, `{"success":true,"messages":[],"users":["alice","bob"]}`, string(own.raw))
}

func TestScenario_WrongCredentialDoesNotDrain(t *testing.T) {
	f := newFixture(t)
	f.register("alice")
	bob := f.register("bob")
	f.do("POST", bob, `{"username":"bob","message":"for alice"}`)

	res := f.do("GET", "forged-credential-value", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, invalidAuth(), res.body)
	assert.Empty(t, res.header.Get("Set-Cookie"))
	assert.Equal(t, 1, f.registry.Pending("alice"), "mailbox must survive a failed GET")
}

func TestScenario_DeleteThenReregister(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")

	res := f.do("DELETE", alice, `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"success": true}, res.body)
	assert.False(t, f.registry.Exists("alice"))
	assert.Equal(t, []string{"alice"}, f.notifier.removed)

	again := f.do("GET", alice, `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, again.status, "a deleted name is treated as new")
	assert.NotEmpty(t, again.cookie())
	assert.NotEqual(t, alice, again.cookie())
}

func TestScenario_PostWithoutMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")
	f.register("bob")

	res := f.do("POST", alice, `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, map[string]any{"success": false, "error": MsgNoMessage}, res.body)
	assert.Equal(t, 0, f.registry.Pending("bob"))
	assert.Equal(t, 0, f.registry.Pending("alice"))

	unknown := f.do("POST", "", `{"username":"carol"}`)
	assert.Equal(t, http.StatusBadRequest, unknown.status)
	assert.False(t, f.registry.Exists("carol"), "validation failure must not register")
}

func TestMissingUsername(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, body string }{
		{"GET", ``},
		{"PUT", `{}`},
		{"POST", `{"message":"hi"}`},
		{"DELETE", `{"user":"alice"}`},
	} {
		t.Run(tc.method, func(t *testing.T) {
			res := f.do(tc.method, "", tc.body)
			assert.Equal(t, http.StatusBadRequest, res.status)
			assert.Equal(t, map[string]any{"success": false, "error": MsgNoUsername}, res.body)
		})
	}
	assert.Zero(t, f.registry.Len())
}

func TestUnauthorizedMutationGuard(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")
	bob := f.register("bob")
	f.do("POST", bob, `{"username":"bob","message":"queued"}`)

	post := f.do("POST", "wrong", `{"username":"alice","message":"spoof"}`)
	assert.Equal(t, http.StatusBadRequest, post.status)
	assert.Equal(t, invalidAuth(), post.body)
	assert.Equal(t, 0, f.registry.Pending("bob"))
	assert.Equal(t, 1, f.registry.Pending("alice"))

	del := f.do("DELETE", bob, `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, del.status)
	assert.Equal(t, invalidAuth(), del.body)
	assert.True(t, f.registry.Exists("alice"))
	assert.Empty(t, f.notifier.removed)

	put := f.do("PUT", "", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, put.status, "absent cookie on a known name fails")

	assert.True(t, f.registry.Verify("alice", alice))
}

func TestCredentialStability(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")

	for _, tc := range []struct{ method, body string }{
		{"PUT", `{"username":"alice"}`},
		{"GET", `{"username":"alice"}`},
		{"POST", `{"username":"alice","message":"x"}`},
		{"PUT", `{"username":"alice"}`},
	} {
		res := f.do(tc.method, alice, tc.body)
		require.Equal(t, http.StatusOK, res.status, tc.method)
		assert.Equal(t, alice, res.cookie(), tc.method)
	}
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	f := newFixture(t)

	res := f.do("DELETE", "", `{"username":"ghost"}`)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"success": true}, res.body)
	assert.Empty(t, res.header.Get("Set-Cookie"))
	assert.False(t, f.registry.Exists("ghost"))
	assert.Empty(t, f.notifier.removed)
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	for _, method := range []string{"PATCH", "HEAD", "OPTIONS", "TRACE"} {
		res := f.do(method, "", `{"username":"alice"}`)
		assert.Equal(t, http.StatusMethodNotAllowed, res.status, method)
		assert.Empty(t, res.raw, method)
		assert.Equal(t, "GET, POST, PUT, DELETE", res.header.Get("Allow"))
	}
	assert.False(t, f.registry.Exists("alice"))
}

func TestMethodIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	res := f.do("put", "", `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, res.status)
}

func TestPostNotifiesRecipients(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")
	f.register("bob")
	f.register("carol")

	f.do("POST", alice, `{"username":"alice","message":"one"}`)
	f.do("POST", alice, `{"username":"alice","message":"two"}`)

	assert.Equal(t, []registry.Delivery{
		{Username: "bob", Pending: 1},
		{Username: "carol", Pending: 1},
		{Username: "bob", Pending: 2},
		{Username: "carol", Pending: 2},
	}, f.notifier.mail)
}

func TestGetKeepsMailboxUntilDelivered(t *testing.T) {
	f := newFixture(t)
	alice := f.register("alice")
	bob := f.register("bob")
	f.do("POST", alice, `{"username":"alice","message":"hi"}`)

	req, err := NewRequest("GET", http.Header{"Cookie": {CookieName + "=" + string(bob)}}, []byte(`{"username":"bob"}`))
	require.NoError(t, err)

	undelivered := f.protocol.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusOK, undelivered.Status)
	assert.Equal(t, 1, f.registry.Pending("bob"), "mailbox survives an unsent response")

	f.do("POST", alice, `{"username":"alice","message":"again"}`)
	delivered := f.do("GET", bob, `{"username":"bob"}`)
	assert.Equal(t, []any{[]any{"alice", "hi"}, []any{"alice", "again"}}, delivered.body["messages"])
	assert.Zero(t, f.registry.Pending("bob"))

	undelivered.Delivered()
	assert.Zero(t, f.registry.Pending("bob"))
}

func TestCredentialGenerationFailure(t *testing.T) {
	reg := registry.New(registry.Options{NewCredential: func() (registry.Credential, error) {
		return "", errors.New("no entropy")
	}})
	p := NewProtocol(reg, nil, logging.Discard())

	req, err := NewRequest("PUT", http.Header{}, []byte(`{"username":"alice"}`))
	require.NoError(t, err)

	resp := p.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.JSONEq(t, `{"success":false,"error":"Internal server error."}`, string(resp.Body))
}

func TestConcurrentFirstContact(t *testing.T) {
	f := newFixture(t)

	const n = 50
	creds := make(chan registry.Credential, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := http.Header{}
			req, err := NewRequest("PUT", h, []byte(`{"username":"racer"}`))
			if !assert.NoError(t, err) {
				return
			}
			resp := f.protocol.Dispatch(context.Background(), req)
			if resp.Status == http.StatusOK {
				creds <- result{header: resp.Header}.cookie()
			}
		}()
	}
	wg.Wait()
	close(creds)

	var got []registry.Credential
	for c := range creds {
		got = append(got, c)
	}
	require.Len(t, got, 1, "exactly one anonymous caller wins the name")
	assert.True(t, f.registry.Verify("racer", got[0]))
}
