package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/storage"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS folder_baselines (
	folder_id TEXT PRIMARY KEY,
	last_seen_us INTEGER NOT NULL,
	initialized_us INTEGER NOT NULL
);`

// SQLiteStore keeps baselines in SQLite with microsecond timestamps.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the store at path (":memory:" for tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path, sqliteSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the baseline of a folder.
func (s *SQLiteStore) Get(ctx context.Context, folderID string) (models.FolderBaseline, error) {
	var last, init int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_seen_us, initialized_us FROM folder_baselines WHERE folder_id = ?", folderID,
	).Scan(&last, &init)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FolderBaseline{}, fmt.Errorf("%s: %w", folderID, ErrUnknownFolder)
	}
	if err != nil {
		return models.FolderBaseline{}, fmt.Errorf("read baseline %s: %w", folderID, err)
	}
	return models.FolderBaseline{
		FolderID:           folderID,
		LastSeenActivityAt: time.UnixMicro(last).UTC(),
		InitializedAt:      time.UnixMicro(init).UTC(),
	}, nil
}

// Create inserts a baseline if the folder has none.
func (s *SQLiteStore) Create(ctx context.Context, b models.FolderBaseline) (models.FolderBaseline, bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO folder_baselines(folder_id, last_seen_us, initialized_us) VALUES (?, ?, ?)",
		b.FolderID, b.LastSeenActivityAt.UnixMicro(), b.InitializedAt.UnixMicro(),
	)
	if err != nil {
		return models.FolderBaseline{}, false, fmt.Errorf("create baseline %s: %w", b.FolderID, err)
	}
	n, _ := res.RowsAffected()
	cur, err := s.Get(ctx, b.FolderID)
	return cur, n == 1, err
}

// Advance moves the cursor to max(current, to).
func (s *SQLiteStore) Advance(ctx context.Context, folderID string, to time.Time) (models.FolderBaseline, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE folder_baselines SET last_seen_us = MAX(last_seen_us, ?) WHERE folder_id = ?",
		to.UnixMicro(), folderID,
	)
	if err != nil {
		return models.FolderBaseline{}, fmt.Errorf("advance baseline %s: %w", folderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.FolderBaseline{}, fmt.Errorf("%s: %w", folderID, ErrUnknownFolder)
	}
	return s.Get(ctx, folderID)
}

// Reset reinitialises the baseline to now, discarding the previous cursor.
func (s *SQLiteStore) Reset(ctx context.Context, folderID string, now time.Time) (models.FolderBaseline, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE folder_baselines SET last_seen_us = ?, initialized_us = ? WHERE folder_id = ?",
		now.UnixMicro(), now.UnixMicro(), folderID,
	)
	if err != nil {
		return models.FolderBaseline{}, fmt.Errorf("reset baseline %s: %w", folderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.FolderBaseline{}, fmt.Errorf("%s: %w", folderID, ErrUnknownFolder)
	}
	return s.Get(ctx, folderID)
}

// List returns every baseline ordered by folder id.
func (s *SQLiteStore) List(ctx context.Context) ([]models.FolderBaseline, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT folder_id, last_seen_us, initialized_us FROM folder_baselines ORDER BY folder_id")
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	defer rows.Close()

	var out []models.FolderBaseline
	for rows.Next() {
		var id string
		var last, init int64
		if err := rows.Scan(&id, &last, &init); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		out = append(out, models.FolderBaseline{
			FolderID:           id,
			LastSeenActivityAt: time.UnixMicro(last).UTC(),
			InitializedAt:      time.UnixMicro(init).UTC(),
		})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
