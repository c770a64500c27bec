package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/wire"
)

// idleConn refreshes the read deadline before every read so a silent peer
// cannot hold the connection open forever.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

// connDriver serves exactly one request on one connection and then closes
// it.
type connDriver struct {
	conn     net.Conn
	codec    *wire.Codec
	protocol *chat.Protocol
	limiter  *hostLimiter
	cfg      *Config
	logger   logging.Logger
}

// received is a fully read request.
type received struct {
	method string
	header http.Header
	body   []byte
}

func (s *ChatServer) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("conn_id", uuid.NewString(), "remote", conn.RemoteAddr().String())
	d := &connDriver{
		conn: conn,
		codec: wire.NewCodec(idleConn{Conn: conn, timeout: s.cfg.IdleTimeout}, wire.Options{
			ServerName:  s.cfg.ServerName,
			MaxBodySize: s.cfg.MaxBodySize,
		}),
		protocol: s.protocol,
		limiter:  s.limiter,
		cfg:      s.cfg,
		logger:   logger,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic serving connection", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.run(ctx)
}

func (d *connDriver) run(ctx context.Context) {
	defer d.close(ctx)

	resp := d.handle(ctx)
	if resp == nil {
		return
	}
	d.respond(ctx, resp)
}

// handle turns the connection's request into a response. A nil response
// means the connection closes without one.
func (d *connDriver) handle(ctx context.Context) *chat.Response {
	rcv, err := d.receive()
	if err != nil {
		return d.receiveFailed(ctx, err)
	}
	if rcv == nil {
		d.logger.Debug(ctx, "peer closed before sending a complete request")
		return nil
	}

	if d.limiter != nil && !d.limiter.allow(d.conn.RemoteAddr()) {
		d.logger.Info(ctx, "rate limit exceeded",
			"burst", d.cfg.RateLimit.Burst, "interval", d.cfg.RateLimit.RefillInterval)
		return chat.ErrorResponse(http.StatusTooManyRequests, chat.MsgTooManyRequests)
	}

	req, err := chat.NewRequest(rcv.method, rcv.header, rcv.body)
	if err != nil {
		d.logger.Warn(ctx, "dropping request with malformed body", "method", rcv.method, "error", err)
		return nil
	}

	resp := d.protocol.Dispatch(ctx, req)
	d.logger.Debug(ctx, "request handled", "method", rcv.method, "status", resp.Status)
	return resp
}

// receive drains request events until RequestComplete. It returns nil, nil
// when the peer goes away first.
func (d *connDriver) receive() (*received, error) {
	var (
		rcv  *received
		body bytes.Buffer
	)

	for ev, err := range d.codec.Events() {
		if err != nil {
			return nil, err
		}

		switch e := ev.(type) {
		case wire.RequestStarted:
			rcv = &received{method: e.Method, header: e.Header}
		case wire.BodyChunk:
			body.Write(e.Data)
		case wire.RequestComplete:
			rcv.body = body.Bytes()
			return rcv, nil
		}
	}
	return nil, nil
}

func (d *connDriver) receiveFailed(ctx context.Context, err error) *chat.Response {
	switch {
	case errors.Is(err, wire.ErrBodyTooLarge):
		d.logger.Info(ctx, "request body too large", "limit", d.cfg.MaxBodySize)
		return chat.ErrorResponse(http.StatusRequestEntityTooLarge, chat.MsgBodyTooLarge)
	case errors.Is(err, wire.ErrProtocol):
		d.logger.Warn(ctx, "protocol error", "error", err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			d.logger.Debug(ctx, "idle timeout", "timeout", d.cfg.IdleTimeout)
		} else {
			d.logger.Warn(ctx, "read failed", "error", err)
		}
	}
	return nil
}

func (d *connDriver) respond(ctx context.Context, resp *chat.Response) {
	if d.cfg.WriteTimeout > 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}

	events := []wire.Event{wire.ResponseStarted{Status: resp.Status, Header: resp.Header}}
	if len(resp.Body) > 0 {
		events = append(events, wire.BodyChunk{Data: resp.Body})
	}
	events = append(events, wire.ResponseComplete{})

	for _, ev := range events {
		if err := d.codec.Send(ev); err != nil {
			d.logSendError(ctx, err)
			return
		}
	}
	resp.Delivered()
}

func (d *connDriver) logSendError(ctx context.Context, err error) {
	if isExpectedCloseError(err) || errors.Is(err, io.ErrClosedPipe) {
		d.logger.Debug(ctx, "peer went away before the response was written", "error", err)
		return
	}
	d.logger.Warn(ctx, "writing response failed", "error", err)
}

func (d *connDriver) close(ctx context.Context) {
	if err := d.conn.Close(); err != nil && !isExpectedCloseError(err) {
		d.logger.Debug(ctx, "closing connection failed", "error", err)
	}
}
