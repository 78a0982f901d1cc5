package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"taskescrow/crypto"
)

// SQLiteStore persists projected views and the journal cursor so a restarted
// watcher resumes where it stopped.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared between calls.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS views (
            address TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            last_seq INTEGER NOT NULL,
            unavailable INTEGER NOT NULL DEFAULT 0,
            payload TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveViews upserts views and stores the cursor in one transaction.
func (s *SQLiteStore) SaveViews(ctx context.Context, views []View, cursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `INSERT INTO views(address, state, last_seq, unavailable, payload) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET state = excluded.state, last_seq = excluded.last_seq,
            unavailable = excluded.unavailable, payload = excluded.payload`
	for _, v := range views {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("projection: encode view: %w", err)
		}
		unavailable := 0
		if v.Unavailable {
			unavailable = 1
		}
		if _, err := tx.ExecContext(ctx, upsert, crypto.FormatAddress(v.Address), v.State.String(), v.LastSeq, unavailable, string(payload)); err != nil {
			return err
		}
	}
	const cursorStmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, cursorStmt, cursor); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadViews returns every persisted view and the stored cursor.
func (s *SQLiteStore) LoadViews(ctx context.Context) ([]View, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM views ORDER BY address`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var views []View
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, err
		}
		var v View
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, 0, fmt.Errorf("projection: decode view: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	cursor, err := s.LastEventSequence(ctx)
	if err != nil {
		return nil, 0, err
	}
	return views, cursor, nil
}

// LastEventSequence returns the last folded journal sequence.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}
