// Package sqlstore persists messages in a relational database through
// database/sql. Queries are translated to SQL and filtered server side.
//
// The schema is portable between SQLite and PostgreSQL; pick the dialect
// matching the driver used to open the *sql.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
)

const selectColumns = "id, conversation_id, role, scope, content, ts, token_count, metadata"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures a Store.
type Config struct {
	// Table defaults to "memory_messages". Snapshots use "<table>_snapshots".
	Table   string
	Dialect Dialect
	// AutoMigrate creates the tables when missing. Defaults to true.
	AutoMigrate *bool
}

// Store is a memory.PersistenceStrategy scoped to one subsystem. Several
// stores may share a table; rows are partitioned by subsystem.
type Store struct {
	db         *sql.DB
	sub        memory.Subsystem
	table      string
	snapTable  string
	dialect    Dialect
	translator Translator
}

// New creates a store for sub.
func New(ctx context.Context, db *sql.DB, sub memory.Subsystem, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db is nil")
	}
	if cfg.Table == "" {
		cfg.Table = "memory_messages"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", cfg.Table)
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	s := &Store{
		db:         db,
		sub:        sub,
		table:      cfg.Table,
		snapTable:  cfg.Table + "_snapshots",
		dialect:    cfg.Dialect,
		translator: Translator{Dialect: cfg.Dialect},
	}
	if cfg.AutoMigrate == nil || *cfg.AutoMigrate {
		if err := s.migrate(ctx); err != nil {
			return nil, fmt.Errorf("sqlstore: auto-migrate failed: %w", err)
		}
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	metaType := "TEXT"
	if s.dialect == DialectPostgres {
		metaType = "JSONB"
	}
	for _, table := range []string{s.table, s.snapTable} {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			subsystem TEXT NOT NULL,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			scope TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			metadata %s NOT NULL,
			PRIMARY KEY (subsystem, id)
		)`, table, metaType)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_conv ON %s(subsystem, conversation_id, ts)", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return err
	}
	marks := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_checkpoints (
		subsystem TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		taken_at BIGINT NOT NULL,
		PRIMARY KEY (subsystem, conversation_id)
	)`, s.table)
	_, err := s.db.ExecContext(ctx, marks)
	return err
}

func (s *Store) rebind(q string) string { return Rebind(s.dialect, q) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, ex execer, m *message.Message) error {
	md, err := json.Marshal(m.Metadata())
	if err != nil {
		return fmt.Errorf("sqlstore: encode metadata of %s: %w", m.ID, err)
	}
	del := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE subsystem = ? AND id = ?", s.table))
	if _, err := ex.ExecContext(ctx, del, string(s.sub), m.ID); err != nil {
		return err
	}
	ins := s.rebind(fmt.Sprintf(`INSERT INTO %s (subsystem, %s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, selectColumns))
	_, err = ex.ExecContext(ctx, ins,
		string(s.sub), m.ID, m.ConversationID, string(m.Role), string(m.Scope),
		m.Content, m.Timestamp.UnixNano(), m.TokenCount, string(md))
	return err
}

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	return s.SaveAll(ctx, []*message.Message{m})
}

func (s *Store) SaveAll(ctx context.Context, msgs []*message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := s.upsert(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	q := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE subsystem = ? AND id = ?", selectColumns, s.table))
	msgs, err := s.scan(ctx, q, string(s.sub), id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, memory.ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	q := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE subsystem = ? AND id = ?", s.table))
	res, err := s.db.ExecContext(ctx, q, string(s.sub), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	q := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE subsystem = ?", s.table))
	_, err := s.db.ExecContext(ctx, q, string(s.sub))
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	q := s.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE subsystem = ?", s.table))
	var n int
	err := s.db.QueryRowContext(ctx, q, string(s.sub)).Scan(&n)
	return n, err
}

// FetchCandidates returns every message of the subsystem in chronological
// order.
func (s *Store) FetchCandidates(ctx context.Context, _ memory.Query) ([]*message.Message, error) {
	q := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE subsystem = ? ORDER BY ts ASC, id ASC", selectColumns, s.table))
	return s.scan(ctx, q, string(s.sub))
}

// Search implements memory.Searcher.
func (s *Store) Search(ctx context.Context, mq memory.Query) ([]*message.Message, error) {
	clause, err := s.translator.Translate(mq.Filter())
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE subsystem = ? AND (%s) ORDER BY ts ASC, id ASC",
		selectColumns, s.table, clause.SQL)
	args := append([]any{string(s.sub)}, clause.Args...)
	if mq.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, mq.Limit)
	}
	return s.scan(ctx, s.rebind(q), args...)
}

// Snapshot implements memory.Snapshotter. The previous snapshot of the
// conversation is replaced; other conversations keep theirs.
func (s *Store) Snapshot(ctx context.Context, conversationID string) error {
	stmts := []string{
		fmt.Sprintf("DELETE FROM %s WHERE subsystem = ? AND conversation_id = ?", s.snapTable),
		fmt.Sprintf("INSERT INTO %s (subsystem, %s) SELECT subsystem, %s FROM %s WHERE subsystem = ? AND conversation_id = ?",
			s.snapTable, selectColumns, selectColumns, s.table),
		fmt.Sprintf("DELETE FROM %s_checkpoints WHERE subsystem = ? AND conversation_id = ?", s.table),
	}
	return s.inTx(ctx, stmts, conversationID, func(tx *sql.Tx) error {
		mark := s.rebind(fmt.Sprintf("INSERT INTO %s_checkpoints (subsystem, conversation_id, taken_at) VALUES (?, ?, ?)", s.table))
		_, err := tx.ExecContext(ctx, mark, string(s.sub), conversationID, time.Now().UnixNano())
		return err
	})
}

// RestoreLatestSnapshot implements memory.Snapshotter. Without a snapshot
// of the conversation it does nothing.
func (s *Store) RestoreLatestSnapshot(ctx context.Context, conversationID string) error {
	var taken int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(fmt.Sprintf("SELECT taken_at FROM %s_checkpoints WHERE subsystem = ? AND conversation_id = ?", s.table)),
		string(s.sub), conversationID).Scan(&taken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf("DELETE FROM %s WHERE subsystem = ? AND conversation_id = ?", s.table),
		fmt.Sprintf("INSERT INTO %s (subsystem, %s) SELECT subsystem, %s FROM %s WHERE subsystem = ? AND conversation_id = ?",
			s.table, selectColumns, selectColumns, s.snapTable),
	}
	return s.inTx(ctx, stmts, conversationID, nil)
}

// inTx runs stmts with (subsystem, conversationID) arguments and then the
// optional callback, all in one transaction.
func (s *Store) inTx(ctx context.Context, stmts []string, conversationID string, then func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), string(s.sub), conversationID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if then != nil {
		if err := then(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) scan(ctx context.Context, q string, args ...any) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		var (
			id, conv, role, scope, content string
			ts                             int64
			tokens                         int
			mdRaw                          []byte
		)
		if err := rows.Scan(&id, &conv, &role, &scope, &content, &ts, &tokens, &mdRaw); err != nil {
			return nil, err
		}
		md := map[string]any{}
		if len(mdRaw) > 0 {
			if err := json.Unmarshal(mdRaw, &md); err != nil {
				return nil, fmt.Errorf("sqlstore: decode metadata of %s: %w", id, err)
			}
		}
		out = append(out, message.New(message.Role(role), message.Scope(scope), content,
			message.WithID(id),
			message.WithConversation(conv),
			message.WithTimestamp(time.Unix(0, ts)),
			message.WithTokenCount(tokens),
			message.WithMetadata(md),
		))
	}
	return out, rows.Err()
}
