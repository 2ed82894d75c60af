package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded for LTM mutations.
const (
	TypeWrite  = "ltm.write"
	TypeDelete = "ltm.delete"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Event struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	Scope   string          `json:"scope"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Append records one mutation inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, scope, key string, payload any) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ltm_events(ts,type,scope,key,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, scope, key, string(data))
	return err
}

// History returns the most recent events for a key, oldest first.
func (w Writer) History(ctx context.Context, scope, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,scope,key,payload_json FROM ltm_events WHERE scope=? AND key=? ORDER BY id DESC LIMIT ?`,
		scope, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Scope, &e.Key, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
