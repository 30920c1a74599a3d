package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/storage"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ErrNotFound is returned for unknown event ids.
var ErrNotFound = errors.New("not found")

var storeSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_records (
		event_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		source TEXT NOT NULL,
		action TEXT NOT NULL,
		severity TEXT NOT NULL,
		occurred_us INTEGER NOT NULL,
		recorded_us INTEGER NOT NULL,
		record BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS event_records_agent ON event_records(agent_id, occurred_us)`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		last_seen_us INTEGER NOT NULL,
		heartbeat BLOB NOT NULL
	)`,
}

// Store persists event records keyed by event id plus the last heartbeat of
// each agent.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens the record store at path (":memory:" for tests).
func OpenStore(path string) (*Store, error) {
	db, err := storage.OpenSQLite(path, storeSchema...)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Insert stores records that are not yet known and splits their ids into
// accepted and duplicates. The whole batch commits atomically.
func (s *Store) Insert(ctx context.Context, agentID string, recs []*models.EventRecord) (accepted, duplicates []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO event_records
		(event_id, agent_id, source, action, severity, occurred_us, recorded_us, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	recordedAt := s.now()
	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("encode record %s: %w", rec.EventID(), err)
		}
		agent := rec.Event.AgentID
		if agent == "" {
			agent = agentID
		}
		res, err := stmt.ExecContext(ctx,
			rec.EventID(), agent, string(rec.Event.Source), string(rec.Match.Action),
			string(rec.Match.Severity), rec.Event.OccurredAt.UnixMicro(), recordedAt.UnixMicro(), payload,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert record %s: %w", rec.EventID(), err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			accepted = append(accepted, rec.EventID())
		} else {
			duplicates = append(duplicates, rec.EventID())
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit insert: %w", err)
	}
	return accepted, duplicates, nil
}

// Get returns a stored record.
func (s *Store) Get(ctx context.Context, eventID string) (models.EventRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM event_records WHERE event_id = ?", eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EventRecord{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("read event %s: %w", eventID, err)
	}
	var rec models.EventRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return models.EventRecord{}, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return rec, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_records").Scan(&n)
	return n, err
}

// SaveHeartbeat replaces the last heartbeat of an agent.
func (s *Store) SaveHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents(agent_id, last_seen_us, heartbeat) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen_us = excluded.last_seen_us, heartbeat = excluded.heartbeat`,
		hb.AgentID, s.now().UnixMicro(), payload)
	if err != nil {
		return fmt.Errorf("save heartbeat %s: %w", hb.AgentID, err)
	}
	return nil
}

// AgentStatus is the last known state of an agent.
type AgentStatus struct {
	LastSeen  time.Time        `json:"last_seen"`
	Heartbeat models.Heartbeat `json:"heartbeat"`
}

// Agents lists agents ordered by id.
func (s *Store) Agents(ctx context.Context) ([]AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT last_seen_us, heartbeat FROM agents ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := []AgentStatus{}
	for rows.Next() {
		var seen int64
		var payload []byte
		if err := rows.Scan(&seen, &payload); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		st := AgentStatus{LastSeen: time.UnixMicro(seen).UTC()}
		if err := json.Unmarshal(payload, &st.Heartbeat); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
