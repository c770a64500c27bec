// Package server runs the chat service's network surfaces.
//
// ChatServer accepts raw TCP connections on the chat address and drives one
// HTTP/1.1 request per connection through the wire codec and the chat
// protocol. A separate net/http listener serves a health check and the
// /watch WebSocket feed, which pushes mailbox notifications from the Hub to
// authenticated watchers. App ties both together with the shared registry.
package server
