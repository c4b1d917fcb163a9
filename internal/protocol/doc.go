// Package protocol defines the agent wire format: newline-delimited JSON
// frames over TCP, plus the HMAC challenge-response used during the
// handshake. The Decoder tolerates read deadlines mid-frame, so callers can
// poll with timeouts without losing partial input.
package protocol
