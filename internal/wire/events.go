package wire

import (
	"errors"
	"net/http"
	"time"
)

// BufferSize is the maximum number of bytes pulled from the socket per read.
const BufferSize = 4096

// DefaultServerName is used for the Server header when none is configured.
const DefaultServerName = "pollchat"

var (
	// ErrProtocol reports malformed HTTP framing.
	ErrProtocol = errors.New("wire: malformed request")

	// ErrBodyTooLarge reports a request body above the configured bound.
	ErrBodyTooLarge = errors.New("wire: request body too large")

	// ErrOutOfOrder reports a response event sent in the wrong sequence.
	ErrOutOfOrder = errors.New("wire: event out of order")
)

// Event is one step of an HTTP message in either direction.
type Event interface {
	isEvent()
}

// RequestStarted carries the request line and header section.
type RequestStarted struct {
	Method string
	Target string
	Header http.Header
}

// BodyChunk carries a slice of message content. It is used for both request
// and response bodies.
type BodyChunk struct {
	Data []byte
}

// RequestComplete marks the end of the request message.
type RequestComplete struct{}

// ResponseStarted opens a response with a status code and the caller's extra
// headers. Basic headers are added by the codec.
type ResponseStarted struct {
	Status int
	Header http.Header
}

// ResponseComplete ends the response and triggers the write.
type ResponseComplete struct{}

func (RequestStarted) isEvent()   {}
func (BodyChunk) isEvent()        {}
func (RequestComplete) isEvent()  {}
func (ResponseStarted) isEvent()  {}
func (ResponseComplete) isEvent() {}

// BasicHeaders returns the headers every response carries: Date in RFC 1123
// form, a fixed Server identifier and Connection: close.
func BasicHeaders(serverName string, now time.Time) http.Header {
	if serverName == "" {
		serverName = DefaultServerName
	}
	h := make(http.Header, 3)
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	h.Set("Server", serverName)
	h.Set("Connection", "close")
	return h
}
