package ltm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"surveyagent/internal/db"
	"surveyagent/internal/events"
	"surveyagent/internal/migrate"
)

// SQLiteStore keeps entries in a shared SQLite file so several agent processes
// can use the same backing path. Every mutation also appends an ltm_events row.
type SQLiteStore struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, basePath string) (*SQLiteStore, error) {
	conn, err := db.Open(db.Config{BasePath: basePath})
	if err != nil {
		return nil, fmt.Errorf("open ltm database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ltm database: %w", err)
	}
	return &SQLiteStore{DB: conn, Events: events.Writer{DB: conn}, Now: time.Now}, nil
}

func (s *SQLiteStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLiteStore) Write(ctx context.Context, scope, key string, value any) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	ts := s.now().UTC()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO ltm_entries(scope,key,value_json,stored_at) VALUES (?,?,?,?)
		ON CONFLICT(scope,key) DO UPDATE SET value_json=excluded.value_json, stored_at=excluded.stored_at`,
		scope, key, string(raw), ts.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert ltm entry: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.TypeWrite, scope, key, json.RawMessage(raw)); err != nil {
		return fmt.Errorf("append ltm event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context, scope, key string) (Entry, error) {
	if err := checkKey(scope, key); err != nil {
		return Entry{}, err
	}
	var (
		value    string
		storedAt string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT value_json, stored_at FROM ltm_entries WHERE scope=? AND key=?`, scope, key).
		Scan(&value, &storedAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read ltm entry: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, storedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse stored_at: %w", err)
	}
	return Entry{Key: key, Value: json.RawMessage(value), StoredAt: ts}, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, scope string) ([]string, error) {
	if err := checkName(scope); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM ltm_entries WHERE scope=? ORDER BY key`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, scope, key string) error {
	if err := checkKey(scope, key); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM ltm_entries WHERE scope=? AND key=?`, scope, key)
	if err != nil {
		return fmt.Errorf("delete ltm entry: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if err := s.Events.Append(ctx, tx, events.TypeDelete, scope, key, nil); err != nil {
		return fmt.Errorf("append ltm event: %w", err)
	}
	return tx.Commit()
}

// History returns the recorded mutations of a key, oldest first.
func (s *SQLiteStore) History(ctx context.Context, scope, key string, limit int) ([]events.Event, error) {
	return s.Events.History(ctx, scope, key, limit)
}

func (s *SQLiteStore) Kind() string  { return "sqlite" }
func (s *SQLiteStore) Durable() bool { return true }
func (s *SQLiteStore) Close() error  { return s.DB.Close() }
