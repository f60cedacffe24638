package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the durable audit store. Rows are insert-only; there is no
// update or delete path.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog wraps an opened database and runs migrations.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLiteLog opens (or creates) the audit database at path.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewSQLiteLog(db)
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq    INTEGER PRIMARY KEY AUTOINCREMENT,
		id     TEXT NOT NULL UNIQUE,
		ts     TEXT NOT NULL,
		run_id TEXT NOT NULL,
		event  TEXT NOT NULL,
		data   JSON
	);
	CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events (run_id, seq);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, runID, event string, data any) (*Event, error) {
	evt := newEvent(runID, event, data)

	var payload any
	if evt.Data != nil {
		payload = string(evt.Data)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, run_id, event, data) VALUES (?, ?, ?, ?, ?)`,
		evt.ID, evt.TS.Format(time.RFC3339Nano), evt.RunID, evt.Event, payload)
	if err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	return &evt, nil
}

func (l *SQLiteLog) Query(ctx context.Context, runID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, run_id, event, data FROM audit_events WHERE run_id = ? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var evt Event
		var ts string
		var data sql.NullString
		if err := rows.Scan(&evt.ID, &ts, &evt.RunID, &evt.Event, &data); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt audit timestamp for %s: %w", evt.ID, err)
		}
		evt.TS = t
		if data.Valid {
			evt.Data = []byte(data.String)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (l *SQLiteLog) Close() error { return l.db.Close() }
