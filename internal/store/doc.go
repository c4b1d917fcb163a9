// Package store provides persistent history for the C2 server using SQLite.
//
// The live bot table stays in memory; the store only records what outlives a
// connection: command results and disconnect events. The database file is
// created on open with WAL enabled, and an empty path disables persistence
// entirely.
package store
