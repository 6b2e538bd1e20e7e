// Package auditlog keeps a local trail of dispatch outcomes in SQLite, one row
// per upstream attempt. The trail backs the activity view and makes expired
// token investigations possible without upstream logs.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type Entry struct {
	At         time.Time `json:"at"`
	UserID     string    `json:"userId,omitempty"`
	Service    string    `json:"service"`
	Path       string    `json:"path"`
	LogContext string    `json:"logContext,omitempty"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

type Log struct {
	db     *sql.DB
	logger *logrus.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	user_id TEXT,
	service TEXT NOT NULL,
	path TEXT NOT NULL,
	log_context TEXT,
	status TEXT NOT NULL,
	kind TEXT,
	http_status INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dispatches_at ON dispatches(at);
CREATE INDEX IF NOT EXISTS idx_dispatches_user ON dispatches(user_id);
`

func Open(path string, logger *logrus.Logger) (*Log, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit database ping failed: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema creation failed: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Record appends one dispatch row. Failures are logged, not propagated; the
// trail must never block a dispatch result from reaching the caller.
func (l *Log) Record(ctx context.Context, e Entry) {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dispatches (at, user_id, service, path, log_context, status, kind, http_status, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), e.UserID, e.Service, e.Path, e.LogContext, e.Status, e.Kind, e.HTTPStatus, e.DurationMS)
	if err != nil {
		l.logger.Errorf("Failed to record dispatch audit row: %v", err)
	}
}

// Recent returns the newest entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT at, user_id, service, path, log_context, status, kind, http_status, duration_ms
		 FROM dispatches ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&at, &e.UserID, &e.Service, &e.Path, &e.LogContext, &e.Status, &e.Kind, &e.HTTPStatus, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("audit row scan failed: %w", err)
		}
		e.At = time.Unix(at, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Log) Close() error {
	return l.db.Close()
}
