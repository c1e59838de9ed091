// Package datalog persists stream events to SQLite so object activity can
// be inspected after the fact.
package datalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoPath = errors.New("datalog: storage path is required")

// Record is one logged stream event. Packet is the sequence number the
// recorder's subscription assigned; dropped events leave gaps.
type Record struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Hash    string          `json:"hash_val"`
	Packet  uint64          `json:"packet"`
	Payload json.RawMessage `json:"payload"`
}

// Filter narrows a Query. Empty fields match everything.
type Filter struct {
	Hash  string
	Type  string
	Limit int
}

const defaultLimit = 100

// Store handles event persistence
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite event log at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", cleanPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		hash TEXT NOT NULL,
		packet INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_hash_type ON events(hash, type);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores rec and returns its row ID. A zero Time is set to now.
func (s *Store) Append(ctx context.Context, rec Record) (int64, error) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("null")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, channel, type, hash, packet, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Time.UnixNano(), rec.Channel, rec.Type, rec.Hash, int64(rec.Packet), string(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// Query returns the most recent matching records, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Hash != "" {
		where = append(where, "hash = ?")
		args = append(args, f.Hash)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, ts, channel, type, hash, packet, payload FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      int64
			packet  int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Channel, &rec.Type, &rec.Hash, &packet, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Time = time.Unix(0, ts)
		rec.Packet = uint64(packet)
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
