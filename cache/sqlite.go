package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

type sqlitePartition struct {
	name string
	db   *sql.DB
}

// NewSQLiteStorage opens a storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer, serialize everything through one connection
	db.SetMaxOpenConns(1)
	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS partitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			UNIQUE (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition, seq)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Partition, error) {
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return &sqlitePartition{name: name, db: s.db}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM partitions WHERE name = ?", name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes FROM entries e
		JOIN partitions p ON p.name = e.partition
		WHERE e.key = ?
		ORDER BY p.seq ASC LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteStorage) MatchIn(ctx context.Context, name, key string) ([]byte, bool, error) {
	return (&sqlitePartition{name: name, db: s.db}).Match(ctx, key)
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?", p.name, key,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, bytes []byte) error {
	return p.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

// PutAll writes all entries in a single transaction.
// REPLACE deletes the conflicting row, so a replaced entry gets a new seq
// and becomes the newest one.
// Nothing is written once the partition has been deleted from the storage.
func (p *sqlitePartition) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var seq int64
	err = tx.QueryRowContext(ctx, "SELECT seq FROM partitions WHERE name = ?", p.name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			p.name, e.Key, now, e.Bytes,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	result, err := p.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	return deleted > 0, err
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", p.name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
