// ABOUTME: Bounded in-memory activity log owned by the registry.
// ABOUTME: A ring buffer; oldest entries are dropped so memory never grows unbounded.

package registry

import "time"

// DefaultMaxLogs bounds the in-memory activity log when no size is configured.
const DefaultMaxLogs = 1000

// Log levels for activity log entries.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelDebug   = "debug"
)

// LogEntry is one append-only activity log record.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// AppendLog records an activity log entry and mirrors it to the structured
// logger at the matching level.
func (r *Registry) AppendLog(level, message string) {
	r.mu.Lock()
	r.appendLogLocked(level, message)
	r.mu.Unlock()

	switch level {
	case LevelError:
		r.logger.Error(message)
	case LevelWarning:
		r.logger.Warn(message)
	case LevelDebug:
		r.logger.Debug(message)
	default:
		r.logger.Info(message)
	}
}

func (r *Registry) appendLogLocked(level, message string) {
	idx := (r.logHead + r.logSize) % r.maxLogs
	r.logs[idx] = LogEntry{Timestamp: r.now(), Level: level, Message: message}
	if r.logSize < r.maxLogs {
		r.logSize++
	} else {
		r.logHead = (r.logHead + 1) % r.maxLogs
	}
}

// RecentLogs returns up to n of the most recent entries, oldest first.
func (r *Registry) RecentLogs(n int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.logSize {
		n = r.logSize
	}
	out := make([]LogEntry, 0, n)
	start := r.logSize - n
	for i := start; i < r.logSize; i++ {
		out = append(out, r.logs[(r.logHead+i)%r.maxLogs])
	}
	return out
}
