// Package monitor aggregates read-only operational views over the registry
// and dispatcher: uptime, bot counts by status, command counters with a
// success rate, OS distribution, and recent log entries.
package monitor
