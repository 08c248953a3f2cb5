package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/store"
)

// Schema creates the report cache table.
const Schema = `
CREATE TABLE IF NOT EXISTS reports (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL UNIQUE,
	lobby_id   TEXT NOT NULL DEFAULT '',
	end_tick   INTEGER NOT NULL,
	body       TEXT NOT NULL,
	cached_at  DATETIME NOT NULL
);
`

// SQLiteStore implements store.ReportStore for SQLite.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
	now      func() time.Time
}

// New opens a report cache at dbPath holding at most capacity reports. Use
// ":memory:" for a process-local cache.
func New(dbPath string, capacity int) (*SQLiteStore, error) {
	s, err := NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.capacity = capacity
	return s, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps one ":memory:" database for the whole pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetCapacity changes how many reports are retained; zero or less keeps all.
func (s *SQLiteStore) SetCapacity(n int) {
	s.capacity = n
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveReport upserts a report and prunes the cache to its capacity.
func (s *SQLiteStore) SaveReport(ctx context.Context, report game.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Delete first so a replaced report counts as the newest.
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE session_id = ?`, uint64(report.SessionID)); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (session_id, lobby_id, end_tick, body, cached_at)
		VALUES (?, ?, ?, ?, ?)
	`, uint64(report.SessionID), report.LobbyID, report.EndTick, string(body), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if s.capacity > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM reports WHERE seq NOT IN (
				SELECT seq FROM reports ORDER BY seq DESC LIMIT ?
			)
		`, s.capacity)
		if err != nil {
			return fmt.Errorf("prune reports: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetReport retrieves the cached report of a session.
func (s *SQLiteStore) GetReport(ctx context.Context, sessionID game.SessionID) (*store.CachedReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, cached_at FROM reports WHERE session_id = ?
	`, uint64(sessionID))
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	return r, nil
}

// ListReports returns up to limit cached reports, newest first.
func (s *SQLiteStore) ListReports(ctx context.Context, limit int) ([]*store.CachedReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, cached_at FROM reports ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []*store.CachedReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*store.CachedReport, error) {
	var (
		body     string
		cachedAt time.Time
	)
	if err := row.Scan(&body, &cachedAt); err != nil {
		return nil, err
	}
	var r store.CachedReport
	if err := json.Unmarshal([]byte(body), &r.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	r.CachedAt = cachedAt
	return &r, nil
}
