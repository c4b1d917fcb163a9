// ABOUTME: Read-only statistics surface over the registry and dispatcher.
// ABOUTME: Everything here is a snapshot; the monitor never mutates bot state.

package monitor

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alzzmetth/Osxnt/internal/dispatch"
	"github.com/alzzmetth/Osxnt/internal/registry"
)

// Stats is a point-in-time summary of the server.
type Stats struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	UptimeHuman   string  `json:"uptime"`
	TotalBots     int     `json:"total_bots"`
	Active        int     `json:"active_bots"`
	Inactive      int     `json:"inactive_bots"`
	Disconnected  int     `json:"disconnected_bots"`
	ToolsLoaded   int     `json:"tools_loaded"`

	CommandsSent      int64   `json:"commands_sent"`
	CommandsSucceeded int64   `json:"commands_success"`
	CommandsFailed    int64   `json:"commands_failed"`
	SuccessRate       float64 `json:"success_rate"`
}

// Monitor aggregates counters from the registry and dispatcher for display.
type Monitor struct {
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	started time.Time
	tools   atomic.Int64
	now     func() time.Time
}

// New creates a monitor; uptime is measured from this call.
func New(reg *registry.Registry, disp *dispatch.Dispatcher) *Monitor {
	now := time.Now
	return &Monitor{reg: reg, disp: disp, started: now(), now: now}
}

// SetToolsLoaded records the number of operator tools loaded. The tool
// loader lives outside this core; it only reports its count here.
func (m *Monitor) SetToolsLoaded(n int) {
	m.tools.Store(int64(n))
}

// GetStats returns a read-only snapshot of server statistics.
func (m *Monitor) GetStats() Stats {
	total, active, inactive, disconnected := m.reg.Counts()
	sent, succeeded, failed := m.disp.Stats()

	rate := 0.0
	if sent > 0 {
		rate = float64(succeeded) / float64(sent) * 100
	}

	uptime := m.now().Sub(m.started)
	return Stats{
		UptimeSeconds:     uptime.Seconds(),
		UptimeHuman:       FormatUptime(uptime),
		TotalBots:         total,
		Active:            active,
		Inactive:          inactive,
		Disconnected:      disconnected,
		ToolsLoaded:       int(m.tools.Load()),
		CommandsSent:      sent,
		CommandsSucceeded: succeeded,
		CommandsFailed:    failed,
		SuccessRate:       rate,
	}
}

// ListBots returns a snapshot of all known bots.
func (m *Monitor) ListBots() []registry.Bot {
	return m.reg.Snapshot()
}

// GetBot returns a copy of one bot's record.
func (m *Monitor) GetBot(id string) (registry.Bot, bool) {
	return m.reg.Get(id)
}

// RecentLogs returns up to n recent activity log entries, oldest first.
func (m *Monitor) RecentLogs(n int) []registry.LogEntry {
	return m.reg.RecentLogs(n)
}

// OSDistribution counts known bots per reported operating system.
func (m *Monitor) OSDistribution() map[string]int {
	dist := make(map[string]int)
	for _, b := range m.reg.Snapshot() {
		dist[b.OS]++
	}
	return dist
}

// FormatUptime renders a duration as a compact "1d 2h 3m 4s" string.
// Leading zero units are omitted; seconds always appear.
func FormatUptime(d time.Duration) string {
	secs := int64(d.Seconds())
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	return strings.Join(parts, " ")
}
