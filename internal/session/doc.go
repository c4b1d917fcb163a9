// Package session owns one agent connection from accept until close.
//
// # Lifecycle
//
// A session moves through a fixed set of states:
//
//	Connecting -> Authenticating -> Registering -> Active <-> Inactive -> Disconnected
//
// Authentication and registration share one handshake deadline; a failure in
// either closes the socket without ever creating a bot record. Once
// registered, the session runs a blocking receive loop, dispatching inbound
// frames by type and refreshing the bot's lastSeen on every message.
//
// # Liveness
//
// A read timeout in the active loop is not fatal: the session sends a
// heartbeat probe and keeps waiting. Whether the agent is alive is decided
// entirely by the sweep package from elapsed time since lastSeen.
//
// # Teardown
//
// Close is idempotent and is the single disconnect path: transport errors,
// clean EOF, sweeper eviction, and server shutdown all converge on it. It
// closes the socket exactly once, detaches the transport, marks the bot
// Disconnected, and records the event.
package session
