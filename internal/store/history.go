// ABOUTME: SQLite-backed history of command results and disconnect events.
// ABOUTME: Append-only audit surface; live session state is never persisted here.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CommandResult is one persisted command result row.
type CommandResult struct {
	ID         int64
	CmdID      string
	BotID      string
	Result     string
	ReceivedAt time.Time
}

// DisconnectEvent is one persisted disconnect row.
type DisconnectEvent struct {
	ID             int64
	BotID          string
	Address        string
	Reason         string
	DisconnectedAt time.Time
}

// HistoryStore persists command results and disconnect events to SQLite.
// The schema is created automatically on open.
type HistoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryStore opens (or creates) the history database at path.
// Use ":memory:" for an ephemeral store. Parent directories are created
// if needed.
func NewHistoryStore(path string, logger *slog.Logger) (*HistoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &HistoryStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

func (s *HistoryStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cmd_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			result TEXT NOT NULL,
			received_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_command_results_bot
			ON command_results(bot_id, received_at);

		CREATE TABLE IF NOT EXISTS disconnect_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id TEXT NOT NULL,
			address TEXT NOT NULL,
			reason TEXT NOT NULL,
			disconnected_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_disconnect_events_time
			ON disconnect_events(disconnected_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordResult persists one command result.
func (s *HistoryStore) RecordResult(ctx context.Context, botID, cmdID, result string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_results (cmd_id, bot_id, result, received_at) VALUES (?, ?, ?, ?)`,
		cmdID, botID, result, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting command result: %w", err)
	}
	return nil
}

// RecordDisconnect persists one disconnect event.
func (s *HistoryStore) RecordDisconnect(ctx context.Context, botID, address, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disconnect_events (bot_id, address, reason, disconnected_at) VALUES (?, ?, ?, ?)`,
		botID, address, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting disconnect event: %w", err)
	}
	return nil
}

// ListResults returns up to limit results for a bot, newest first.
// A botID of "" lists across all bots.
func (s *HistoryStore) ListResults(ctx context.Context, botID string, limit int) ([]CommandResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, cmd_id, bot_id, result, received_at FROM command_results`
	args := []any{}
	if botID != "" {
		query += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command results: %w", err)
	}
	defer rows.Close()

	var out []CommandResult
	for rows.Next() {
		var r CommandResult
		if err := rows.Scan(&r.ID, &r.CmdID, &r.BotID, &r.Result, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning command result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDisconnects returns up to limit disconnect events, newest first.
func (s *HistoryStore) ListDisconnects(ctx context.Context, limit int) ([]DisconnectEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, address, reason, disconnected_at FROM disconnect_events
		 ORDER BY disconnected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying disconnect events: %w", err)
	}
	defer rows.Close()

	var out []DisconnectEvent
	for rows.Next() {
		var e DisconnectEvent
		if err := rows.Scan(&e.ID, &e.BotID, &e.Address, &e.Reason, &e.DisconnectedAt); err != nil {
			return nil, fmt.Errorf("scanning disconnect event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
