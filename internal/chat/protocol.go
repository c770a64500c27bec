package chat

import (
	"context"
	"net/http"

	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/registry"
)

// Notifier hears about mailbox changes. Implementations must not block.
type Notifier interface {
	// MailArrived reports that username now has pending messages waiting.
	MailArrived(username string, pending int)

	// UserRemoved reports that username was deleted.
	UserRemoved(username string)
}

type nopNotifier struct{}

func (nopNotifier) MailArrived(string, int) {}
func (nopNotifier) UserRemoved(string)      {}

type handlerFunc func(p *Protocol, ctx context.Context, req *Request) *Response

var handlers = map[Method]handlerFunc{
	MethodGet:    (*Protocol).handleGet,
	MethodPost:   (*Protocol).handlePost,
	MethodPut:    (*Protocol).handlePut,
	MethodDelete: (*Protocol).handleDelete,
}

// Protocol dispatches requests against a Registry.
type Protocol struct {
	registry *registry.Registry
	notifier Notifier
	logger   logging.Logger
}

// NewProtocol wires a protocol to its registry. A nil notifier is replaced by
// one that does nothing.
func NewProtocol(reg *registry.Registry, notifier Notifier, logger logging.Logger) *Protocol {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Protocol{
		registry: reg,
		notifier: notifier,
		logger:   logger.With("module", "chat"),
	}
}

// Dispatch runs the handler for the request's method. Unsupported methods get
// 405 with no body.
func (p *Protocol) Dispatch(ctx context.Context, req *Request) *Response {
	method, ok := ParseMethod(req.Method())
	if !ok {
		resp := emptyResponse(http.StatusMethodNotAllowed)
		resp.Header.Set("Allow", allowHeader())
		return resp
	}
	return handlers[method](p, ctx, req)
}

// withUser resolves the username and holds its lock while fn runs.
func (p *Protocol) withUser(req *Request, fn func(username string) *Response) *Response {
	username, ok := req.Username()
	if !ok {
		return ErrorResponse(http.StatusBadRequest, MsgNoUsername)
	}

	unlock := p.registry.Lock(username)
	defer unlock()
	return fn(username)
}

// authenticate is check-or-register for username. The caller holds the
// username's lock. On failure the returned response must be sent as is and
// no side effect may follow.
func (p *Protocol) authenticate(ctx context.Context, username string, presented registry.Credential) (registry.Credential, *Response) {
	res, err := p.registry.CheckOrRegister(username, presented)
	if err != nil {
		p.logger.Error(ctx, "credential generation failed", "username", username, "error", err)
		return "", ErrorResponse(http.StatusInternalServerError, MsgInternal)
	}
	if !res.OK {
		p.logger.Info(ctx, "authentication rejected", "username", username)
		return "", ErrorResponse(http.StatusBadRequest, MsgInvalidAuth)
	}
	if res.Registered {
		p.logger.Info(ctx, "user registered", "username", username)
	}
	return res.Credential, nil
}
