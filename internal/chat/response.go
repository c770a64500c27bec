package chat

import (
	"encoding/json"
	"net/http"

	"github.com/Tyrowin/pollchat/internal/registry"
)

// Client-visible error strings.
const (
	MsgNoUsername      = "No username specified."
	MsgNoMessage       = "No message specified."
	MsgInvalidAuth     = "Invalid authentication."
	MsgTooManyRequests = "Too many requests."
	MsgBodyTooLarge    = "Request body too large."
	MsgInternal        = "Internal server error."
)

// Response is what the protocol wants written back. Header holds only the
// extra headers; the wire layer adds Date, Server and framing.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	commit func()
}

// Delivered must be called once the response has been written in full. It
// applies effects that only hold after delivery, such as clearing the
// mailbox a GET returned.
func (r *Response) Delivered() {
	if r.commit != nil {
		r.commit()
		r.commit = nil
	}
}

// ErrorResponse builds {"success":false,"error":message}.
func ErrorResponse(status int, message string) *Response {
	return jsonResponse(status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func emptyResponse(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// success answers 200 with payload, defaulting "success" to true, and binds
// cred in Set-Cookie when one is given.
func success(cred registry.Credential, payload map[string]any) *Response {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, set := payload["success"]; !set {
		payload["success"] = true
	}

	resp := jsonResponse(http.StatusOK, payload)
	if cred != "" {
		resp.Header.Add("Set-Cookie", CookieName+"="+string(cred))
	}
	return resp
}

func jsonResponse(status int, payload any) *Response {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"success":false,"error":"` + MsgInternal + `"}`)
		status = http.StatusInternalServerError
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}
}
