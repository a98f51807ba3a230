package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// pragmas run on every open. The pool holds one connection, so they stick.
var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migrations[i] moves the schema from user_version i to i+1.
var migrations = []string{
	`CREATE INDEX IF NOT EXISTS idx_entity_fields_lookup ON entity_fields(field, value)`,
}

// SQLite is a durable Store backed by a SQLite database file. Transactions
// are serialized on a single connection.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating it if needed, and brings
// its schema up to date.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("open sqlite: empty path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for ; version < len(migrations); version++ {
		if _, err := db.Exec(migrations[version]); err != nil {
			return fmt.Errorf("migration %d: %w", version+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			return fmt.Errorf("migration %d: %w", version+1, err)
		}
	}
	return nil
}

// Close releases the connection. Safe on a zero SQLite.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for tests and ad hoc queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Begin starts a transaction. It blocks while another one is open.
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{ctx: ctx, tx: tx}, nil
}

func (s *SQLite) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}

func (s *SQLite) verifyPragma(name, want string) error {
	got, err := s.pragma(name)
	if err != nil {
		return fmt.Errorf("pragma %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("pragma %s is %q, want %q", name, got, want)
	}
	return nil
}

type sqliteTx struct {
	ctx  context.Context
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) kindOf(id int64) (Kind, bool, error) {
	var kind string
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind FROM entities WHERE id = ?`, id).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Kind(kind), true, nil
}

func (t *sqliteTx) fields(id int64) (Fields, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT field, value FROM entity_fields
		WHERE entity_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := Fields{}
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, err
		}
		fields[f] = v
	}
	return fields, rows.Err()
}

func (t *sqliteTx) insertFields(id int64, fields Fields) error {
	for f, v := range fields {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO entity_fields (entity_id, field, value)
			VALUES (?, ?, ?)
		`, id, f, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) Put(kind Kind, fields Fields) (int64, error) {
	if t.done {
		return 0, ErrTxClosed
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO entities (kind) VALUES (?)`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("put %s: last insert id: %w", kind, err)
	}
	if err := t.insertFields(id, fields); err != nil {
		return 0, fmt.Errorf("put %s: fields: %w", kind, err)
	}
	return id, nil
}

func (t *sqliteTx) Get(kind Kind, id int64) (Fields, bool, error) {
	if t.done {
		return nil, false, ErrTxClosed
	}
	if id <= 0 {
		return nil, false, nil
	}
	k, ok, err := t.kindOf(id)
	if err != nil {
		return nil, false, fmt.Errorf("get %s %d: %w", kind, id, err)
	}
	if !ok || k != kind {
		return nil, false, nil
	}
	fields, err := t.fields(id)
	if err != nil {
		return nil, false, fmt.Errorf("get %s %d: %w", kind, id, err)
	}
	return fields, true, nil
}

func (t *sqliteTx) Set(kind Kind, id int64, fields Fields) (Fields, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	if id <= 0 {
		return nil, ErrNotFound
	}
	k, ok, err := t.kindOf(id)
	if err != nil {
		return nil, fmt.Errorf("set %s %d: %w", kind, id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if k != kind {
		return nil, ErrKindMismatch
	}
	old, err := t.fields(id)
	if err != nil {
		return nil, fmt.Errorf("set %s %d: %w", kind, id, err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entity_fields WHERE entity_id = ?`, id); err != nil {
		return nil, fmt.Errorf("set %s %d: %w", kind, id, err)
	}
	if err := t.insertFields(id, fields); err != nil {
		return nil, fmt.Errorf("set %s %d: %w", kind, id, err)
	}
	return old, nil
}

func (t *sqliteTx) Remove(kind Kind, id int64) (bool, error) {
	if t.done {
		return false, ErrTxClosed
	}
	if id <= 0 {
		return false, nil
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM entities WHERE id = ? AND kind = ?`, id, string(kind))
	if err != nil {
		return false, fmt.Errorf("remove %s %d: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove %s %d: %w", kind, id, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) Find(kind Kind, field, value string) ([]int64, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT e.id FROM entities e
		JOIN entity_fields f ON f.entity_id = e.id
		WHERE e.kind = ? AND f.field = ? AND f.value = ?
		ORDER BY e.id ASC
	`, string(kind), field, value)
	if err != nil {
		return nil, fmt.Errorf("find %s %s=%q: %w", kind, field, value, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxClosed
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
