package store

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// ErrNotFound is returned when no report is cached for a session.
var ErrNotFound = errors.New("report not found")

// CachedReport is a game-over report as kept by the cache.
type CachedReport struct {
	Report   game.Report
	CachedAt time.Time
}

// ReportStore caches the final reports of recently finished sessions.
type ReportStore interface {
	// SaveReport stores a report, replacing any earlier one for the same
	// session, and evicts the oldest entries beyond the cache capacity.
	SaveReport(ctx context.Context, report game.Report) error

	// GetReport retrieves the report of a session.
	GetReport(ctx context.Context, sessionID game.SessionID) (*CachedReport, error)

	// ListReports returns up to limit reports, newest first.
	ListReports(ctx context.Context, limit int) ([]*CachedReport, error)

	// Close closes the underlying database connection.
	Close() error
}
