package chat

import (
	"context"
	"net/http"

	"github.com/Tyrowin/pollchat/internal/registry"
)

// handleGet returns the caller's mailbox along with the user list. The
// mailbox is cleared by Delivered, after the response reaches the client.
func (p *Protocol) handleGet(ctx context.Context, req *Request) *Response {
	return p.withUser(req, func(username string) *Response {
		cred, fail := p.authenticate(ctx, username, req.Credential())
		if fail != nil {
			return fail
		}

		pending, commit := p.registry.PeekMessages(username)
		messages := make([][2]string, len(pending))
		for i, m := range pending {
			messages[i] = [2]string{m.Sender, m.Text}
		}

		resp := success(cred, map[string]any{
			"messages": messages,
			"users":    p.registry.ListUsernames(),
		})
		resp.commit = commit
		return resp
	})
}

// handlePost queues the message for everyone except the sender.
func (p *Protocol) handlePost(ctx context.Context, req *Request) *Response {
	text, ok := req.Message()
	if !ok {
		return ErrorResponse(http.StatusBadRequest, MsgNoMessage)
	}

	var deliveries []registry.Delivery
	resp := p.withUser(req, func(username string) *Response {
		cred, fail := p.authenticate(ctx, username, req.Credential())
		if fail != nil {
			return fail
		}

		deliveries = p.registry.Broadcast(username, text)
		p.logger.Debug(ctx, "message queued", "sender", username, "recipients", len(deliveries))
		return success(cred, nil)
	})

	for _, d := range deliveries {
		p.notifier.MailArrived(d.Username, d.Pending)
	}
	return resp
}

// handlePut only authenticates, registering unknown usernames.
func (p *Protocol) handlePut(ctx context.Context, req *Request) *Response {
	return p.withUser(req, func(username string) *Response {
		cred, fail := p.authenticate(ctx, username, req.Credential())
		if fail != nil {
			return fail
		}
		return success(cred, nil)
	})
}

// handleDelete removes an existing user once authenticated. Unknown usernames
// are left alone.
func (p *Protocol) handleDelete(ctx context.Context, req *Request) *Response {
	removed := ""
	resp := p.withUser(req, func(username string) *Response {
		if !p.registry.Exists(username) {
			return success("", nil)
		}

		if _, fail := p.authenticate(ctx, username, req.Credential()); fail != nil {
			return fail
		}

		if p.registry.Remove(username) {
			removed = username
			p.logger.Info(ctx, "user removed", "username", username)
		}
		return success("", nil)
	})

	if removed != "" {
		p.notifier.UserRemoved(removed)
	}
	return resp
}
