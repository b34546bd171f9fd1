// Package storage persists the event stream and state snapshots. The
// event log is WAL-first SQLite: the stream is the source of truth and
// snapshots only shortcut replay.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"

	"dex_go/internal/event"
)

// EventStore handles persistent storage of events in SQLite.
type EventStore struct {
	db *sqlx.DB
}

// storedEvent mirrors one row of the events table.
type storedEvent struct {
	ID      int64  `db:"id"`
	Type    int64  `db:"type"`
	Ts      int64  `db:"ts"`
	Call    string `db:"call"`
	Payload []byte `db:"payload"`
}

// NewEventStore opens (or creates) a SQLite event store with WAL mode
// enabled.
func NewEventStore(dbPath string) (*EventStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	// id is the engine-assigned sequence number, not an autoincrement:
	// the log must stay gapless and replayable in one order.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			type INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			call TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &EventStore{db: db}, nil
}

// SaveEvent stores a single event.
func (s *EventStore) SaveEvent(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.GetSeq(), err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (id, type, ts, call, payload) VALUES (?, ?, ?, ?, ?)",
		ev.GetSeq(), ev.GetType(), int64(ev.GetTs()), ev.GetCall().String(), payload,
	)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.GetSeq(), err)
	}
	return nil
}

// SaveBatch stores events atomically. Either the whole batch lands or
// none of it does, so a crash mid-call never leaves a partial call in
// the log.
func (s *EventStore) SaveBatch(ctx context.Context, evs []event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal event %d: %w", ev.GetSeq(), err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (id, type, ts, call, payload) VALUES (?, ?, ?, ?, ?)",
			ev.GetSeq(), ev.GetType(), int64(ev.GetTs()), ev.GetCall().String(), payload,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event %d: %w", ev.GetSeq(), err)
		}
	}
	return tx.Commit()
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *EventStore) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table. A missing key
// returns the empty string without error.
func (s *EventStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM metadata WHERE key = ?", key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// GetLastSeq returns the highest event sequence number stored, 0 when
// the log is empty.
func (s *EventStore) GetLastSeq(ctx context.Context) (uint64, error) {
	var lastSeq sql.NullInt64
	err := s.db.GetContext(ctx, &lastSeq, "SELECT MAX(id) FROM events")
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// LoadEvents loads all events from fromSeq (inclusive) in sequence
// order, decoded back to their concrete types.
func (s *EventStore) LoadEvents(ctx context.Context, fromSeq uint64) ([]event.Event, error) {
	var rows []storedEvent
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, type, ts, call, payload FROM events WHERE id >= ? ORDER BY id ASC",
		fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := event.Decode(event.Type(row.Type), row.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", row.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}
