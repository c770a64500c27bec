package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/pollchat/internal/registry"
)

// CookieName carries the credential in both directions.
const CookieName = "X-Chat-Auth"

// ErrMalformedBody is returned by NewRequest when the body is not a JSON
// object.
var ErrMalformedBody = errors.New("chat: malformed JSON body")

// Request is the context of one fully received request.
type Request struct {
	method  string
	cookies map[string]string
	fields  map[string]json.RawMessage
}

// NewRequest builds the request context from a received method, header
// section and complete body. An empty body decodes to an empty object.
func NewRequest(method string, header http.Header, body []byte) (*Request, error) {
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if fields == nil {
			return nil, fmt.Errorf("%w: body is null", ErrMalformedBody)
		}
	}

	return &Request{
		method:  method,
		cookies: ParseCookies(header),
		fields:  fields,
	}, nil
}

// Method returns the request method as received.
func (r *Request) Method() string { return r.method }

// Credential returns the credential presented in the auth cookie, if any.
func (r *Request) Credential() registry.Credential {
	return registry.Credential(r.cookies[CookieName])
}

// Username returns the non-empty "username" string field.
func (r *Request) Username() (string, bool) {
	s, ok := r.stringField("username")
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Message returns the "message" string field.
func (r *Request) Message() (string, bool) {
	return r.stringField("message")
}

func (r *Request) stringField(name string) (string, bool) {
	raw, ok := r.fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ParseCookies reads every Cookie header. Pairs are split on the first '='
// only; fragments without '=' or without a name are skipped. The first
// occurrence of a name wins.
func ParseCookies(header http.Header) map[string]string {
	cookies := make(map[string]string)
	for _, line := range header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				continue
			}
			if _, seen := cookies[name]; !seen {
				cookies[name] = value
			}
		}
	}
	return cookies
}

// CredentialFromHeader extracts the auth cookie from a header section.
func CredentialFromHeader(header http.Header) registry.Credential {
	return registry.Credential(ParseCookies(header)[CookieName])
}
