// Package chat implements the session protocol of the long-polling chat:
// credential issuance and verification, method dispatch, mailbox delivery
// and the JSON bodies returned to clients.
//
// A Request is only obtainable through NewRequest, which decodes the body,
// so Dispatch can never run against a half-read exchange. Dispatch returns a
// Response intent; writing it to the wire is the caller's job, and the
// caller reports a complete write through Response.Delivered.
package chat
