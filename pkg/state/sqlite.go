package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store persisted in a sqlite database. All access goes
// through one pinned connection so savepoints nest as expected; callers
// must not open savepoints from concurrent goroutines.
type SQLiteStore struct {
	db    *sql.DB
	conn  *sql.Conn
	depth int
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and ensures the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to acquire sqlite connection: %w", err)
	}

	s := &SQLiteStore{db: db, conn: conn}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			tbl TEXT NOT NULL,
			k   BLOB NOT NULL,
			v   BLOB NOT NULL,
			PRIMARY KEY (tbl, k)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, table Table, key []byte) ([]byte, bool, error) {
	var v []byte
	err := s.conn.QueryRowContext(ctx, `SELECT v FROM kv WHERE tbl = ? AND k = ?`, string(table), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", table, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, table Table, key, value []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?)
		ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v
	`, string(table), key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table Table, key []byte) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND k = ?`, string(table), key); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Savepoint, error) {
	next := s.depth + 1
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SAVEPOINT sp_%d", next)); err != nil {
		return 0, fmt.Errorf("savepoint %d: %w", next, err)
	}
	s.depth = next
	return Savepoint(next), nil
}

func (s *SQLiteStore) Commit(ctx context.Context, sp Savepoint) error {
	if int(sp) != s.depth {
		return ErrSavepointOrder
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", sp)); err != nil {
		return fmt.Errorf("release savepoint %d: %w", sp, err)
	}
	s.depth--
	return nil
}

func (s *SQLiteStore) Rollback(ctx context.Context, sp Savepoint) error {
	if int(sp) != s.depth {
		return ErrSavepointOrder
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT sp_%d", sp)); err != nil {
		return fmt.Errorf("rollback savepoint %d: %w", sp, err)
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", sp)); err != nil {
		return fmt.Errorf("release savepoint %d: %w", sp, err)
	}
	s.depth--
	return nil
}

func (s *SQLiteStore) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}
