// Package server orchestrates the C2 server components.
//
// # Overview
//
// The server wires the registry, dispatcher, sweeper, monitor, and optional
// history store together, owns the TCP listener and the read-only HTTP
// surface, and tracks every live session for shutdown. Start binds and
// launches the background loops; Shutdown closes the listener, tears down
// sessions, and waits for them within the caller's deadline. Run combines
// both around context cancellation for signal-driven operation.
package server
