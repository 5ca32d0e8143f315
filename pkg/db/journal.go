package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/webview-bridge/pkg/events"
)

const journalLogPrefix = "db:journal"

// JournalEntry is a row in the bridge_messages table.
type JournalEntry struct {
	ID         int64     `json:"id"`
	Bridge     string    `json:"bridge"`
	Direction  string    `json:"direction"`
	Kind       string    `json:"kind"`
	Name       *string   `json:"name,omitempty"`
	CallID     *string   `json:"call_id,omitempty"`
	Status     *string   `json:"status,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Journal records bridge traffic events in Postgres. It implements
// events.TrafficPublisher.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a Journal on pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// PublishTraffic inserts one journal row for event.
func (j *Journal) PublishTraffic(ctx context.Context, event *events.TrafficEvent) error {
	occurred := time.Now().UTC()
	if event.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, event.Timestamp); err == nil {
			occurred = ts
		}
	}

	_, err := j.pool.Exec(ctx,
		`INSERT INTO bridge_messages (bridge, direction, kind, name, call_id, status, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.Bridge, string(event.Direction), string(event.Kind),
		nullable(event.Name), nullable(event.CallID), nullable(event.Status), nullable(event.Reason),
		occurred)
	if err != nil {
		return fmt.Errorf("%s - failed to insert %s event: %w", journalLogPrefix, event.Kind, err)
	}
	return nil
}

// ListRecentParams holds parameters for ListRecent.
type ListRecentParams struct {
	Bridge string // empty means all bridges
	CallID string // empty means all calls
	Limit  int    // <= 0 means 100
}

// ListRecent returns the newest journal entries first.
func (j *Journal) ListRecent(ctx context.Context, params ListRecentParams) ([]JournalEntry, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	slog.Debug(fmt.Sprintf("%s - ListRecent bridge=%s callId=%s limit=%d", journalLogPrefix, params.Bridge, params.CallID, limit))

	rows, err := j.pool.Query(ctx,
		`SELECT id, bridge, direction, kind, name, call_id, status, reason, occurred_at
		 FROM bridge_messages
		 WHERE ($1 = '' OR bridge = $1) AND ($2 = '' OR call_id = $2)
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $3`, params.Bridge, params.CallID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to query journal: %w", journalLogPrefix, err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (JournalEntry, error) {
		var e JournalEntry
		err := row.Scan(&e.ID, &e.Bridge, &e.Direction, &e.Kind, &e.Name, &e.CallID, &e.Status, &e.Reason, &e.OccurredAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan journal: %w", journalLogPrefix, err)
	}
	return entries, nil
}

// CountByKind returns the number of journal rows per event kind for bridge.
func (j *Journal) CountByKind(ctx context.Context, bridge string) (map[string]int64, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT kind, count(*) FROM bridge_messages WHERE bridge = $1 GROUP BY kind`, bridge)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to count journal: %w", journalLogPrefix, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("%s - failed to scan count: %w", journalLogPrefix, err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
