// Package dispatch sends commands to bots and correlates their results.
//
// # Overview
//
// Every command gets a unique cmd_id before it goes on the wire. Send is
// fire-and-forget: it writes the frame and returns the id without blocking
// on the agent. Callers that want the answer use Await, which hands back a
// channel resolved when the matching result frame arrives. Broadcast fans a
// command out to every active bot and reports a per-bot outcome.
//
// The dispatcher also keeps the sent/succeeded/failed counters surfaced by
// the monitor package.
package dispatch
