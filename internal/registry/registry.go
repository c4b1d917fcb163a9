// ABOUTME: Authoritative table of known bots, their lifecycle state, and their transports.
// ABOUTME: The single point of mutation for bot records; everything else goes through it.

package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is a bot's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusInactive
	StatusDisconnected
)

// String returns the wire/display form of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Bot is one authenticated agent's record. All fields reported by the agent
// (Hostname, OS, Username and anything in Extra) are advisory only.
type Bot struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	Username     string            `json:"username"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Status       Status            `json:"status"`
	PendingTasks []string          `json:"pending_tasks,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// BotInfo is the registration input for a new bot.
type BotInfo struct {
	Address  string
	Hostname string
	OS       string
	Username string
}

// Transport is the send/close surface of a live session, as seen by the
// registry's consumers (dispatcher, sweeper, server shutdown). Close must be
// idempotent: eviction and transport errors can race.
type Transport interface {
	Send(v any) error
	Close() error
}

// Registry is the thread-safe table of all known bots. A bot ID appears in
// the transport table exactly while its session is registered and not yet
// disconnected; records of disconnected bots are retained for history.
type Registry struct {
	mu         sync.RWMutex
	bots       map[string]*Bot
	transports map[string]Transport
	seq        int

	logs    []LogEntry
	logHead int
	logSize int
	maxLogs int

	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry whose in-memory log is bounded to maxLogs entries.
func New(logger *slog.Logger, maxLogs int) *Registry {
	return NewWithClock(logger, maxLogs, time.Now)
}

// NewWithClock is New with an injectable clock, used by tests that simulate
// elapsed time.
func NewWithClock(logger *slog.Logger, maxLogs int, now func() time.Time) *Registry {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &Registry{
		bots:       make(map[string]*Bot),
		transports: make(map[string]Transport),
		logs:       make([]LogEntry, maxLogs),
		maxLogs:    maxLogs,
		logger:     logger,
		now:        now,
	}
}

// Register allocates the next sequential bot ID and creates an Active record.
// IDs are never reused within a process lifetime.
func (r *Registry) Register(info BotInfo) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	id := fmt.Sprintf("BOT-%03d", r.seq)
	now := r.now()
	r.bots[id] = &Bot{
		ID:          id,
		Address:     info.Address,
		Hostname:    orUnknown(info.Hostname),
		OS:          orUnknown(info.OS),
		Username:    orUnknown(info.Username),
		ConnectedAt: now,
		LastSeen:    now,
		Status:      StatusActive,
	}
	r.appendLogLocked(LevelInfo, fmt.Sprintf("Bot %s registered from %s", id, info.Address))
	r.logger.Info("bot registered",
		"bot_id", id,
		"address", info.Address,
		"hostname", info.Hostname,
		"os", info.OS,
		"total_bots", len(r.bots),
	)
	return id
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// UpdateLastSeen refreshes a bot's liveness timestamp. An Inactive bot that
// sends anything becomes Active again. Unknown IDs are a no-op so late
// messages from a session being torn down are harmless.
func (r *Registry) UpdateLastSeen(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok || b.Status == StatusDisconnected {
		return
	}
	b.LastSeen = r.now()
	if b.Status == StatusInactive {
		b.Status = StatusActive
	}
}

// MergeStatus folds an arbitrary key/value refresh into the bot's record.
// The well-known identity fields are updated in place; anything else lands
// in Extra. Unknown IDs are a no-op.
func (r *Registry) MergeStatus(botID string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok {
		return
	}
	for k, v := range fields {
		switch k {
		case "hostname":
			b.Hostname = v
		case "os":
			b.OS = v
		case "username":
			b.Username = v
		default:
			if b.Extra == nil {
				b.Extra = make(map[string]string)
			}
			b.Extra[k] = v
		}
	}
}

// SetStatus sets a bot's lifecycle state. A bot going Disconnected has no
// live tasks, so its pending list is cleared. Unknown IDs are a no-op.
func (r *Registry) SetStatus(botID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bots[botID]; ok {
		b.Status = status
		if status == StatusDisconnected {
			b.PendingTasks = nil
		}
	}
}

// Get returns a copy of the bot's record.
func (r *Registry) Get(botID string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bots[botID]
	if !ok {
		return Bot{}, false
	}
	return copyBot(b), true
}

// ListActive returns copies of all bots currently in StatusActive.
func (r *Registry) ListActive() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if b.Status == StatusActive {
			out = append(out, copyBot(b))
		}
	}
	sortBots(out)
	return out
}

// Snapshot returns a point-in-time copy of every known bot, disconnected
// ones included, sorted by ID.
func (r *Registry) Snapshot() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, copyBot(b))
	}
	sortBots(out)
	return out
}

// Counts returns the number of bots per lifecycle state.
func (r *Registry) Counts() (total, active, inactive, disconnected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bots {
		switch b.Status {
		case StatusActive:
			active++
		case StatusInactive:
			inactive++
		case StatusDisconnected:
			disconnected++
		}
	}
	return len(r.bots), active, inactive, disconnected
}

// AddTask appends a command ID to the bot's pending task list.
func (r *Registry) AddTask(botID, cmdID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bots[botID]; ok {
		b.PendingTasks = append(b.PendingTasks, cmdID)
	}
}

// CompleteTask removes a command ID from the bot's pending task list.
func (r *Registry) CompleteTask(botID, cmdID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok {
		return
	}
	for i, id := range b.PendingTasks {
		if id == cmdID {
			b.PendingTasks = append(b.PendingTasks[:i], b.PendingTasks[i+1:]...)
			return
		}
	}
}

// Attach binds a live transport to a bot ID. At most one transport may hold
// a given ID; since IDs are freshly allocated per registration this never
// collides in practice.
func (r *Registry) Attach(botID string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[botID] = t
}

// Detach removes the bot's transport, if any.
func (r *Registry) Detach(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, botID)
}

// Transport returns the live transport for a bot, if one is attached.
func (r *Registry) Transport(botID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[botID]
	return t, ok
}

// Transports returns a copy of all live transports, used at shutdown to
// close every session without holding the registry lock.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

func copyBot(b *Bot) Bot {
	out := *b
	if len(b.PendingTasks) > 0 {
		out.PendingTasks = append([]string(nil), b.PendingTasks...)
	}
	if len(b.Extra) > 0 {
		out.Extra = make(map[string]string, len(b.Extra))
		for k, v := range b.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func sortBots(bots []Bot) {
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
}
