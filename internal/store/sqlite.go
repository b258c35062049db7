package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Woutah/configurun/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a
// Store. Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// SaveItem inserts or replaces one queue item.
func (s *SQLiteStore) SaveItem(ctx context.Context, item *model.QueueItem) error {
	s.logger.Debug("sql", "op", "upsert", "table", "items", "id", item.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO items (id, name, state, config, created_at, started_at, completed_at, exit_code, error, err_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, string(item.State), string(item.Config),
		item.CreatedAt.Format(time.RFC3339Nano),
		formatTimePtr(item.StartedAt), formatTimePtr(item.CompletedAt),
		item.ExitCode, item.Error, item.ErrKind,
	)
	return err
}

// DeleteItem removes one queue item.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id int64) error {
	s.logger.Debug("sql", "op", "delete", "table", "items", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	return err
}

// LoadItems returns every persisted item ordered by id.
func (s *SQLiteStore) LoadItems(ctx context.Context) ([]*model.QueueItem, error) {
	s.logger.Debug("sql", "op", "select", "table", "items")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, config, created_at, started_at, completed_at, exit_code, error, err_kind
		 FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		var state, config, createdAt string
		var startedAt, completedAt sql.NullString
		var exitCode sql.NullInt64

		if err := rows.Scan(&it.ID, &it.Name, &state, &config, &createdAt,
			&startedAt, &completedAt, &exitCode, &it.Error, &it.ErrKind); err != nil {
			return nil, err
		}

		it.State = model.ItemState(state)
		it.Config = json.RawMessage(config)
		if it.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("item %d: parse created_at: %w", it.ID, err)
		}
		if it.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, fmt.Errorf("item %d: parse started_at: %w", it.ID, err)
		}
		if it.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("item %d: parse completed_at: %w", it.ID, err)
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			it.ExitCode = &c
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// SaveSettings writes the single settings document.
func (s *SQLiteStore) SaveSettings(ctx context.Context, set *Settings) error {
	s.logger.Debug("sql", "op", "upsert", "table", "settings")

	doc, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (id, document) VALUES (1, ?)`, string(doc))
	return err
}

// LoadSettings returns the settings document, or nil on a fresh workspace.
// A present but unreadable document is an error: the caller must fail loudly
// rather than silently dropping queue contents.
func (s *SQLiteStore) LoadSettings(ctx context.Context) (*Settings, error) {
	s.logger.Debug("sql", "op", "select", "table", "settings")

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var set Settings
	if err := json.Unmarshal([]byte(doc), &set); err != nil {
		return nil, fmt.Errorf("corrupt settings document: %w", err)
	}
	return &set, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
