package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/storage"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	enqueued_us INTEGER NOT NULL,
	record BLOB NOT NULL
);`

// Outbox is the agent's durable queue of records awaiting server acknowledgment.
// Records survive restarts and leave only on Ack, capacity overflow or Purge.
type Outbox struct {
	db       *sql.DB
	capacity int
	dropped  atomic.Uint64
	now      func() time.Time
}

// Open opens the outbox at path.
func Open(path string, capacity int) (*Outbox, error) {
	db, err := storage.OpenSQLite(path, schema)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &Outbox{db: db, capacity: capacity, now: time.Now}, nil
}

// Enqueue stores rec. A record whose event id is already queued is ignored.
// It returns how many of the oldest records were dropped to stay within capacity.
func (o *Outbox) Enqueue(ctx context.Context, rec *models.EventRecord) (int, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record %s: %w", rec.EventID(), err)
	}
	if _, err := o.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO outbox(event_id, enqueued_us, record) VALUES (?, ?, ?)",
		rec.EventID(), o.now().UnixMicro(), body,
	); err != nil {
		return 0, fmt.Errorf("enqueue record %s: %w", rec.EventID(), err)
	}

	n, err := o.Len(ctx)
	if err != nil {
		return 0, err
	}
	over := n - o.capacity
	if over <= 0 {
		return 0, nil
	}
	res, err := o.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE seq IN (SELECT seq FROM outbox ORDER BY seq LIMIT ?)", over)
	if err != nil {
		return 0, fmt.Errorf("trim outbox: %w", err)
	}
	dropped, _ := res.RowsAffected()
	o.dropped.Add(uint64(dropped))
	logger.Warnf("Outbox over capacity (%d), dropped %d oldest record(s)", o.capacity, dropped)
	return int(dropped), nil
}

// Peek returns up to n of the oldest records without removing them.
func (o *Outbox) Peek(ctx context.Context, n int) ([]*models.EventRecord, error) {
	rows, err := o.db.QueryContext(ctx, "SELECT event_id, record FROM outbox ORDER BY seq LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()

	var out []*models.EventRecord
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		var rec models.EventRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			logger.Errorf("Corrupt outbox record %s, skipping: %v", id, err)
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Ack removes delivered records.
func (o *Outbox) Ack(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := o.db.ExecContext(ctx, "DELETE FROM outbox WHERE event_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("ack outbox records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Purge removes records enqueued before cutoff and returns how many were removed.
func (o *Outbox) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := o.db.ExecContext(ctx, "DELETE FROM outbox WHERE enqueued_us < ?", cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	o.dropped.Add(uint64(n))
	return int(n), nil
}

// Len returns the number of queued records.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Dropped returns how many records were discarded undelivered.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}
