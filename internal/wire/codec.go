package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type recvState uint8

const (
	recvIdle recvState = iota
	recvBody
	recvDone
	recvClosed
)

type sendState uint8

const (
	sendIdle sendState = iota
	sendBody
	sendDone
)

// Options tune a Codec. The zero value is usable.
type Options struct {
	// ServerName goes into the Server header.
	ServerName string

	// MaxBodySize bounds the request body in bytes. Zero or less disables
	// the check.
	MaxBodySize int64

	// Now is the clock used for the Date header.
	Now func() time.Time
}

// Codec drives one HTTP/1.1 exchange over rw. It is not safe for concurrent
// use.
type Codec struct {
	rw   io.ReadWriter
	br   *bufio.Reader
	opts Options

	recv         recvState
	req          *http.Request
	bodyRead     int64
	sentContinue bool

	send   sendState
	status int
	header http.Header
	body   bytes.Buffer
}

// NewCodec wraps rw. Connection resets reported by rw are treated as a
// graceful end of stream.
func NewCodec(rw io.ReadWriter, opts Options) *Codec {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Codec{
		rw:   rw,
		br:   bufio.NewReaderSize(resetReader{r: rw}, BufferSize),
		opts: opts,
	}
}

// NextEvent returns the next request event. io.EOF (unwrapped) means the
// sequence has ended: either RequestComplete was already returned or the
// peer went away.
func (c *Codec) NextEvent() (Event, error) {
	switch c.recv {
	case recvIdle:
		return c.readHead()
	case recvBody:
		return c.readChunk()
	default:
		return nil, io.EOF
	}
}

// Events exposes the request events as a single-use sequence. It stops after
// RequestComplete, at end of stream, or after yielding an error.
func (c *Codec) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := c.NextEvent()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
			if _, done := ev.(RequestComplete); done {
				return
			}
		}
	}
}

func (c *Codec) readHead() (Event, error) {
	req, err := http.ReadRequest(c.br)
	if err != nil {
		c.recv = recvClosed
		if isStreamEnd(err) {
			return nil, io.EOF
		}
		return nil, c.classify(err)
	}

	if c.opts.MaxBodySize > 0 && req.ContentLength > c.opts.MaxBodySize {
		c.recv = recvClosed
		return nil, ErrBodyTooLarge
	}

	c.req = req
	c.recv = recvBody
	return RequestStarted{
		Method: req.Method,
		Target: req.RequestURI,
		Header: req.Header,
	}, nil
}

func (c *Codec) readChunk() (Event, error) {
	if !c.sentContinue && c.expectsContinue() {
		c.sentContinue = true
		if err := c.writeInterim(http.StatusContinue); err != nil {
			c.recv = recvClosed
			return nil, err
		}
	}

	buf := make([]byte, BufferSize)
	for {
		n, err := c.req.Body.Read(buf)
		if n > 0 {
			c.bodyRead += int64(n)
			if c.opts.MaxBodySize > 0 && c.bodyRead > c.opts.MaxBodySize {
				c.recv = recvClosed
				return nil, ErrBodyTooLarge
			}
			return BodyChunk{Data: buf[:n]}, nil
		}

		switch {
		case err == nil:
			continue
		case err == io.EOF:
			c.recv = recvDone
			return RequestComplete{}, nil
		case isStreamEnd(err):
			c.recv = recvClosed
			return nil, io.EOF
		default:
			c.recv = recvClosed
			return nil, c.classify(err)
		}
	}
}

// classify keeps transport failures (timeouts, broken sockets) distinct from
// framing errors.
func (c *Codec) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("wire: read: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

func (c *Codec) expectsContinue() bool {
	if c.req == nil || c.req.ContentLength == 0 || !c.req.ProtoAtLeast(1, 1) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(c.req.Header.Get("Expect")), "100-continue")
}

// Send pushes one response event. Events must arrive as ResponseStarted,
// BodyChunk*, ResponseComplete.
func (c *Codec) Send(ev Event) error {
	switch e := ev.(type) {
	case ResponseStarted:
		if c.send != sendIdle {
			return fmt.Errorf("%w: response already started", ErrOutOfOrder)
		}
		c.status = e.Status
		c.header = BasicHeaders(c.opts.ServerName, c.opts.Now())
		for name, values := range e.Header {
			for _, v := range values {
				c.header.Add(name, v)
			}
		}
		c.send = sendBody
		return nil
	case BodyChunk:
		if c.send != sendBody {
			return fmt.Errorf("%w: body chunk outside a response", ErrOutOfOrder)
		}
		c.body.Write(e.Data)
		return nil
	case ResponseComplete:
		if c.send != sendBody {
			return fmt.Errorf("%w: response not started", ErrOutOfOrder)
		}
		c.send = sendDone
		return c.flush()
	default:
		return fmt.Errorf("%w: %T is not a response event", ErrOutOfOrder, ev)
	}
}

func (c *Codec) flush() error {
	c.header.Set("Content-Length", strconv.Itoa(c.body.Len()))

	w := bufio.NewWriter(c.rw)
	writeStatusLine(w, c.status)
	if err := c.header.Write(w); err != nil {
		return err
	}
	_, _ = w.WriteString("\r\n")
	_, _ = w.Write(c.body.Bytes())
	return w.Flush()
}

func (c *Codec) writeInterim(status int) error {
	w := bufio.NewWriter(c.rw)
	writeStatusLine(w, status)
	h := BasicHeaders(c.opts.ServerName, c.opts.Now())
	h.Del("Connection")
	if err := h.Write(w); err != nil {
		return err
	}
	_, _ = w.WriteString("\r\n")
	return w.Flush()
}

func writeStatusLine(w *bufio.Writer, status int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// resetReader turns a connection reset into a zero-length read at EOF.
type resetReader struct {
	r io.Reader
}

func (r resetReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && errors.Is(err, syscall.ECONNRESET) {
		return n, io.EOF
	}
	return n, err
}
