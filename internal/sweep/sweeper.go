// ABOUTME: Periodic liveness sweeper that demotes and evicts silent bots.
// ABOUTME: Liveness is judged solely by elapsed time since each bot's lastSeen.

package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/alzzmetth/Osxnt/internal/registry"
)

// Default sweep timings.
const (
	DefaultInterval            = 30 * time.Second
	DefaultInactiveThreshold   = 60 * time.Second
	DefaultDisconnectThreshold = 300 * time.Second
)

// Config holds the sweeper's timing parameters.
type Config struct {
	// Interval is the sweep period.
	Interval time.Duration
	// InactiveThreshold is the silence after which an Active bot is demoted.
	InactiveThreshold time.Duration
	// DisconnectThreshold is the silence after which a bot is evicted.
	DisconnectThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = DefaultInactiveThreshold
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = DefaultDisconnectThreshold
	}
}

// Sweeper periodically demotes stale Active bots to Inactive and
// force-disconnects bots silent past the disconnect threshold.
type Sweeper struct {
	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a sweeper over the given registry.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Sweeper {
	return NewWithClock(reg, cfg, logger, time.Now)
}

// NewWithClock is New with an injectable clock for simulated-time tests.
func NewWithClock(reg *registry.Registry, cfg Config, logger *slog.Logger, now func() time.Time) *Sweeper {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{reg: reg, cfg: cfg, logger: logger.With("component", "sweeper"), now: now}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Demotions happen before evictions so that under
// normal thresholds a bot is observably Inactive for at least one cycle
// before it is ever evicted.
func (s *Sweeper) Sweep() {
	now := s.now()
	snapshot := s.reg.Snapshot()

	for _, b := range snapshot {
		if b.Status != registry.StatusActive {
			continue
		}
		if now.Sub(b.LastSeen) > s.cfg.InactiveThreshold {
			s.reg.SetStatus(b.ID, registry.StatusInactive)
			s.logger.Info("bot demoted to inactive",
				"bot_id", b.ID,
				"silent_for", now.Sub(b.LastSeen).Round(time.Second),
			)
		}
	}

	for _, b := range snapshot {
		if b.Status != registry.StatusActive && b.Status != registry.StatusInactive {
			continue
		}
		if now.Sub(b.LastSeen) <= s.cfg.DisconnectThreshold {
			continue
		}
		s.logger.Info("evicting silent bot",
			"bot_id", b.ID,
			"silent_for", now.Sub(b.LastSeen).Round(time.Second),
		)
		if t, ok := s.reg.Transport(b.ID); ok {
			// Closing the transport drives the session's normal
			// disconnect path, which updates the registry itself.
			_ = t.Close()
		} else {
			s.reg.SetStatus(b.ID, registry.StatusDisconnected)
		}
	}
}
