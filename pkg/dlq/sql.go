package dlq

// SQLStore is a durable DLQ backend over database/sql, grounded on
// Chartly2.0's relational object store: standard-library only, driver
// registered elsewhere via blank import (e.g. github.com/lib/pq or
// github.com/mattn/go-sqlite3 in cmd/smq-dlqctl), table name validated to
// avoid injection, deterministic clock injection for tests.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var ErrInvalidTable = errors.New("dlq: invalid table name")

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Clock supplies the current time; overridable for deterministic tests.
type Clock func() time.Time

// SQLStore persists Records in a single table, for deployments that want
// DLQ durability beyond a local file (spec §4.6 is silent on backend choice
// beyond "append-only file"). It offers Put, Oldest, DeleteByID and Count;
// the FileStore's filtering, statistics, export and replay operations are
// not provided here.
type SQLStore struct {
	db      *sql.DB
	table   string
	clock   Clock
	numbered bool // true for $-style placeholders (lib/pq), false for ?-style (go-sqlite3)
}

const defaultTable = "smartmessage_dlq"

// NewSQLStore validates table (defaulting to defaultTable) and returns a
// store ready for EnsureSchema. driverName selects placeholder style:
// "postgres" gets $1-style, everything else (e.g. "sqlite3") gets ?-style.
func NewSQLStore(db *sql.DB, driverName, table string, clock Clock) (*SQLStore, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, ErrInvalidTable
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &SQLStore{db: db, table: table, clock: clock, numbered: driverName == "postgres"}, nil
}

func (s *SQLStore) ph(n int) string {
	if s.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// EnsureSchema creates the backing table if it does not already exist.
// The columns hold Record's fields (the header as JSON text in header_json,
// plus its message_class, and Timestamp as created_at) so the table can be
// inspected directly by operators.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.numbered {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s,
		message_class   TEXT NOT NULL,
		header_json     TEXT NOT NULL,
		payload         TEXT NOT NULL,
		payload_format  TEXT NOT NULL,
		error           TEXT NOT NULL,
		retry_count     INTEGER NOT NULL,
		transport       TEXT NOT NULL,
		stack_trace     TEXT,
		created_at      TIMESTAMP NOT NULL
	)`, s.table, idColumn)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Put inserts rec as a new row.
func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	headerJSON, err := json.Marshal(rec.Header)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(message_class, header_json, payload, payload_format, error, retry_count, transport, stack_trace, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`, s.table,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err = s.db.ExecContext(ctx, stmt,
		rec.Header.MessageClass, string(headerJSON), rec.Payload, rec.PayloadFormat,
		rec.Error, rec.RetryCount, rec.Transport, rec.StackTrace, rec.Timestamp)
	return err
}

// Oldest returns the oldest row's internal id and Record, for dequeue-style
// consumers.
func (s *SQLStore) Oldest(ctx context.Context) (id int64, rec Record, err error) {
	stmt := fmt.Sprintf(`SELECT id, header_json, payload, payload_format, error, retry_count, transport, stack_trace, created_at
		FROM %s ORDER BY id ASC LIMIT 1`, s.table)
	row := s.db.QueryRowContext(ctx, stmt)
	var headerJSON string
	var stackTrace sql.NullString
	if err = row.Scan(&id, &headerJSON, &rec.Payload, &rec.PayloadFormat, &rec.Error, &rec.RetryCount, &rec.Transport, &stackTrace, &rec.Timestamp); err != nil {
		return 0, Record{}, err
	}
	if err = json.Unmarshal([]byte(headerJSON), &rec.Header); err != nil {
		return 0, Record{}, err
	}
	rec.StackTrace = stackTrace.String
	return id, rec, nil
}

// DeleteByID removes the row with the given internal id.
func (s *SQLStore) DeleteByID(ctx context.Context, id int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.table, s.ph(1))
	_, err := s.db.ExecContext(ctx, stmt, id)
	return err
}

// Count returns the number of rows currently stored.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
