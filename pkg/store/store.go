// Package store implements the key/value storage layer the client core is
// built on: a single logical keyspace, partitioned by a one-byte prefix,
// accessed only through serializable transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/fluxorio/fedclient/pkg/core"
)

// Prefix is the first byte of every key in the store, partitioning the
// keyspace by record kind.
type Prefix byte

const (
	// PrefixActiveStateMachine namespaces active state machine records,
	// keyed by (module_instance_id, state_machine_id).
	PrefixActiveStateMachine Prefix = 0x01
	// PrefixInactiveStateMachine namespaces terminated state machine
	// records, kept for observability and debugging.
	PrefixInactiveStateMachine Prefix = 0x02
	// PrefixOperationLog namespaces operation log entries, keyed by
	// operation id.
	PrefixOperationLog Prefix = 0x03
	// PrefixClientSecret namespaces the single client root secret record.
	PrefixClientSecret Prefix = 0x04
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned when a transaction could not be committed
	// because another transaction modified overlapping keys first.
	ErrConflict = errors.New("store: write conflict")
	// ErrClosed is returned when an operation is attempted on a closed
	// store or against an ended transaction.
	ErrClosed = errors.New("store: closed")
)

// Database is the durable backend a Store wraps. It is satisfied by
// *db.Pool directly — store.New takes a *db.Pool so every driver pool.go
// already supports (pgx, lib/pq, sqlite3) works here unchanged.
type Database interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	DB() *sql.DB
}

// Store is the durable, transactional key/value database the rest of the
// client core is built on. All reads and writes happen inside a Tx; there
// is no ambient read/write outside a transaction boundary.
type Store struct {
	pool   Database
	driver string
	logger core.Logger
}

// New wraps a connection pool with the client's key/value schema. driver
// must name the database/sql driver backing pool ("sqlite3", "pgx",
// "postgres", ...) so the store can pick the right placeholder syntax. The
// caller is responsible for having already run EnsureSchema against the
// same DSN (kept separate so migrations can be driven by a tool outside
// the library).
func New(pool Database, driver string, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Store{pool: pool, driver: driver, logger: logger}
}

// EnsureSchema creates the single table the store needs if it does not
// already exist. Safe to call on every process start.
func EnsureSchema(ctx context.Context, sqlDB *sql.DB, driverName string) error {
	var ddl string
	switch driverName {
	case "sqlite3":
		ddl = `CREATE TABLE IF NOT EXISTS kv (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		)`
	default: // postgres family (pgx, lib/pq)
		ddl = `CREATE TABLE IF NOT EXISTS kv (
			k BYTEA PRIMARY KEY,
			v BYTEA NOT NULL
		)`
	}
	_, err := sqlDB.ExecContext(ctx, ddl)
	return err
}

// Tx is a single serializable storage transaction. All key access within
// one Tx is visible only to that Tx until it commits.
type Tx struct {
	sqlTx  *sql.Tx
	driver string
}

func placeholder(driver string, n int) string {
	if driver == "sqlite3" {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// Get reads the value stored at key. Returns ErrNotFound if absent.
func (t *Tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	q := "SELECT v FROM kv WHERE k = " + placeholder(t.driver, 1)
	row := t.sqlTx.QueryRowContext(ctx, q, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Put writes (or overwrites) the value stored at key.
func (t *Tx) Put(ctx context.Context, key, value []byte) error {
	var q string
	if t.driver == "sqlite3" {
		q = "INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v"
	} else {
		q = "INSERT INTO kv (k, v) VALUES ($1, $2) ON CONFLICT(k) DO UPDATE SET v = excluded.v"
	}
	_, err := t.sqlTx.ExecContext(ctx, q, key, value)
	return err
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (t *Tx) Delete(ctx context.Context, key []byte) error {
	q := "DELETE FROM kv WHERE k = " + placeholder(t.driver, 1)
	_, err := t.sqlTx.ExecContext(ctx, q, key)
	return err
}

// Prefixed reads all key/value pairs whose key starts with prefix and
// returns them in a map keyed by the raw key; the map does not keep key
// order. Used for operations like GetActiveOperations that need to range
// over every state machine belonging to a module instance.
func (t *Tx) Prefixed(ctx context.Context, prefix []byte) (map[string][]byte, error) {
	var q string
	if t.driver == "sqlite3" {
		q = "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k"
	} else {
		q = "SELECT k, v FROM kv WHERE k >= $1 AND k < $2 ORDER BY k"
	}
	upper := prefixUpperBound(prefix)
	rows, err := t.sqlTx.QueryContext(ctx, q, prefix, upper)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[string(k)] = v
	}
	return out, rows.Err()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, by incrementing the last byte (carrying as needed).
// A prefix of all 0xFF bytes maps to nil, meaning "no upper bound".
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Begin starts a new serializable transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	sqlTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{sqlTx: sqlTx, driver: s.driver}, nil
}

// Commit finalizes the transaction. Driver-specific serialization-failure
// and busy errors are reported as ErrConflict, which Autocommit retries;
// any other error is returned as is.
func (t *Tx) Commit() error {
	if err := t.sqlTx.Commit(); err != nil {
		if isConflict(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit has already
// been called or failed.
func (t *Tx) Rollback() error {
	err := t.sqlTx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// Postgres SQLSTATE 40001 (serialization_failure) and 23505 (unique
	// violation on a concurrently-inserted key) both mean "retry the
	// transaction"; sqlite3 reports busy/locked errors under contention.
	for _, needle := range []string{"40001", "23505", "database is locked", "SQLITE_BUSY"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
