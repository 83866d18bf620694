package agent

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// SQLiteAuditStore persists audit events in SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore wraps db and creates the audit table if needed.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, minerr.New(minerr.CodeConfiguration, "audit store needs a database", nil)
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "create audit schema", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

// OpenSQLiteAuditStore opens the SQLite database at dsn.
func OpenSQLiteAuditStore(dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "open audit database", err).WithContext("dsn", dsn)
	}
	return NewSQLiteAuditStore(db)
}

// Close closes the underlying database.
func (s *SQLiteAuditStore) Close() error { return s.db.Close() }

func (s *SQLiteAuditStore) Record(ctx context.Context, event AuditEvent) error {
	output, err := encodeAuditOutput(event.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_audit_events (
			conversation_id, run_id, step_id, step_kind, execution, status, output_json, error_text, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ConversationID,
		event.RunID,
		event.StepID,
		event.StepKind,
		event.Execution,
		event.Status,
		string(output),
		event.Error,
		utc(event.StartedAt),
		utc(event.FinishedAt),
	)
	return err
}

func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT conversation_id, run_id, step_id, step_kind, execution, status, output_json, error_text, started_at, finished_at
		FROM step_audit_events
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.ConversationID != "" {
		addFilter("conversation_id = ?", filter.ConversationID)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.StepID != "" {
		addFilter("step_id = ?", filter.StepID)
	}
	if filter.Status != "" {
		addFilter("status = ?", filter.Status)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			event      AuditEvent
			runID      sql.NullString
			outputJSON sql.NullString
			errText    sql.NullString
			started    sql.NullTime
			finished   sql.NullTime
		)
		if err := rows.Scan(
			&event.ConversationID,
			&runID,
			&event.StepID,
			&event.StepKind,
			&event.Execution,
			&event.Status,
			&outputJSON,
			&errText,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		event.RunID = runID.String
		event.Error = errText.String
		if outputJSON.String != "" {
			if out, err := decodeAuditOutput([]byte(outputJSON.String)); err == nil {
				event.Output = out
			}
		}
		if started.Valid {
			event.StartedAt = started.Time
		}
		if finished.Valid {
			event.FinishedAt = finished.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS step_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			run_id TEXT,
			step_id TEXT NOT NULL,
			step_kind TEXT NOT NULL,
			execution INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			output_json TEXT,
			error_text TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_step_audit_conversation ON step_audit_events(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_step_audit_step ON step_audit_events(step_id);
		CREATE INDEX IF NOT EXISTS idx_step_audit_status ON step_audit_events(status);
	`)
	return err
}
