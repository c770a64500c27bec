// Package wire translates between a raw HTTP/1.1 byte stream and structured
// request/response events.
//
// A Codec owns one connection for exactly one exchange. Incoming bytes are
// surfaced lazily as RequestStarted, zero or more BodyChunk and finally
// RequestComplete. Outgoing responses are pushed as ResponseStarted, zero or
// more BodyChunk and ResponseComplete, at which point the codec frames the
// message and writes it. An interim "100 Continue" is written on demand when
// the peer asked for one.
package wire
