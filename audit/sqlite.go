package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT    NOT NULL UNIQUE,
	session_id     TEXT,
	user_id        TEXT    NOT NULL,
	action         TEXT    NOT NULL,
	raw_input      TEXT    NOT NULL,
	outcome        TEXT    NOT NULL,
	reason         TEXT    NOT NULL DEFAULT '',
	timestamp      INTEGER NOT NULL,
	exit_code      INTEGER,
	output_excerpt TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_records_user ON audit_records (user_id, seq);
CREATE INDEX IF NOT EXISTS audit_records_session ON audit_records (session_id, seq);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// DefaultPoolSize is the number of pooled SQLite connections
const DefaultPoolSize = 4

// SQLiteStore persists records in a SQLite database file
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, logger *zap.Logger, path string) (*SQLiteStore, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    DefaultPoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: opening %s: %w", path, err)
	}

	store := &SQLiteStore{pool: pool, logger: logger, path: path}
	if err := store.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	logger.Info("audit store opened", zap.String("path", path), zap.Int("pool_size", DefaultPoolSize))
	return store, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("audit store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("audit store: apply schema: %w", err)
	}
	return nil
}

// Insert writes record. Records are never updated afterwards.
func (s *SQLiteStore) Insert(ctx context.Context, record Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	var sessionID any
	if record.SessionID != "" {
		sessionID = record.SessionID
	}
	var exitCode any
	if record.ExitCode != nil {
		exitCode = int64(*record.ExitCode)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO audit_records
			(id, session_id, user_id, action, raw_input, outcome, reason, timestamp, exit_code, output_excerpt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID,
				sessionID,
				record.UserID,
				string(record.Action),
				record.RawInput,
				string(record.Outcome),
				record.Reason,
				record.Timestamp.UnixNano(),
				exitCode,
				record.OutputExcerpt,
			},
		})
	if err != nil {
		return fmt.Errorf("audit store: insert %s: %w", record.ID, err)
	}
	return nil
}

// Query returns matching records most recent first
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	filter = filter.normalize()

	var (
		clauses []string
		args    []any
	)
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	var query strings.Builder
	query.WriteString(`SELECT id, session_id, user_id, action, raw_input, outcome, reason,
		timestamp, exit_code, output_excerpt FROM audit_records`)
	if len(clauses) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(clauses, " AND "))
	}
	query.WriteString(" ORDER BY seq DESC LIMIT ? OFFSET ?")
	args = append(args, filter.Limit, filter.Offset)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit store: query: %w", err)
	}
	defer s.pool.Put(conn)

	records := make([]Record, 0, filter.Limit)
	err = sqlitex.Execute(conn, query.String(), &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: query: %w", err)
	}
	return records, nil
}

// Columns: id(0), session_id(1), user_id(2), action(3), raw_input(4),
// outcome(5), reason(6), timestamp(7), exit_code(8), output_excerpt(9)
func scanRecord(stmt *sqlite.Stmt) Record {
	record := Record{
		ID:            stmt.ColumnText(0),
		UserID:        stmt.ColumnText(2),
		Action:        Action(stmt.ColumnText(3)),
		RawInput:      stmt.ColumnText(4),
		Outcome:       Outcome(stmt.ColumnText(5)),
		Reason:        stmt.ColumnText(6),
		Timestamp:     time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		OutputExcerpt: stmt.ColumnText(9),
	}
	if !stmt.ColumnIsNull(1) {
		record.SessionID = stmt.ColumnText(1)
	}
	if !stmt.ColumnIsNull(8) {
		code := stmt.ColumnInt(8)
		record.ExitCode = &code
	}
	return record
}

// Close closes every pooled connection
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("audit store: closing %s: %w", s.path, err)
	}
	s.logger.Info("audit store closed", zap.String("path", s.path))
	return nil
}
