// Package registry tracks connected bots and their transports.
//
// # Overview
//
// The registry is the single source of truth for bot state. It owns three
// tables under one lock: the bot records themselves, the transport attached
// to each live bot, and a bounded ring of server log entries. All mutation
// goes through the registry; sessions, the sweeper, and the dispatcher read
// and write bot state only through its methods.
//
// Bot IDs are assigned sequentially (BOT-001, BOT-002, ...) and are never
// reused within a server run. Disconnected records are retained so operators
// can still inspect a bot's last known state after it drops.
package registry
