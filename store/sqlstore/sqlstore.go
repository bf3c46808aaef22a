// Package sqlstore provides a durable single-node RowStore on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/jacentio/rowsaga/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rows (
	tbl        TEXT NOT NULL,
	pk         TEXT NOT NULL,
	rk         TEXT NOT NULL,
	props      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tbl, pk, rk)
);
`

// Store is a RowStore persisted in a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ store.RowStore = (*Store)(nil)
	_ store.Sweeper  = (*Store)(nil)
)

// Open creates or opens a SQLite database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new row; the primary key constraint rejects duplicates,
// expired rows that were not purged included.
func (s *Store) Create(ctx context.Context, key store.Key, props store.Props) (store.Row, error) {
	if !key.Valid() {
		return store.Row{}, store.ErrInvalidKey
	}
	data, err := json.Marshal(props.Clone())
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to marshal props: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rows (tbl, pk, rk, props, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		key.Table, key.Partition, key.Row, string(data),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return store.Row{}, store.ErrAlreadyExists
		}
		return store.Row{}, fmt.Errorf("failed to insert row: %w", err)
	}
	return store.Row{Key: key, Props: props.Clone(), Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Update applies mutate and writes back guarded by the version column.
func (s *Store) Update(ctx context.Context, key store.Key, mutate store.MutateFunc) (store.Row, error) {
	current, err := s.FindByID(ctx, key)
	if err != nil {
		return store.Row{}, err
	}
	props, err := mutate(current.Props.Clone())
	if errors.Is(err, store.ErrUnchanged) {
		return current, nil
	}
	if err != nil {
		return store.Row{}, err
	}

	data, err := json.Marshal(props)
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to marshal props: %w", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rows SET props = ?, version = version + 1, updated_at = ?
		WHERE tbl = ? AND pk = ? AND rk = ? AND version = ?`,
		string(data), now.Format(time.RFC3339Nano),
		key.Table, key.Partition, key.Row, current.Version)
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to update row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Row{}, store.ErrConcurrentModification
	}
	return store.Row{
		Key:       key,
		Props:     props,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
		UpdatedAt: now,
	}, nil
}

// DeleteIf removes the row after confirm accepts it, guarded by the version column.
func (s *Store) DeleteIf(ctx context.Context, key store.Key, confirm store.ConfirmFunc) (store.Row, error) {
	current, err := s.FindByID(ctx, key)
	if err != nil {
		return store.Row{}, err
	}
	if confirm != nil {
		if err := confirm(current); err != nil {
			return store.Row{}, err
		}
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rows WHERE tbl = ? AND pk = ? AND rk = ? AND version = ?`,
		key.Table, key.Partition, key.Row, current.Version)
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to delete row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Row{}, store.ErrConcurrentModification
	}
	return current, nil
}

// Purge removes an expired row after confirm accepts it, guarded by the
// version column.
func (s *Store) Purge(ctx context.Context, key store.Key, confirm store.ConfirmFunc) (store.Row, error) {
	current, err := s.stored(ctx, key)
	if err != nil {
		return store.Row{}, err
	}
	if !store.Expired(current.Props, s.now()) {
		return store.Row{}, store.ErrNotExpired
	}
	if confirm != nil {
		if err := confirm(current); err != nil {
			return store.Row{}, err
		}
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rows WHERE tbl = ? AND pk = ? AND rk = ? AND version = ?`,
		key.Table, key.Partition, key.Row, current.Version)
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to purge row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Row{}, store.ErrConcurrentModification
	}
	return current, nil
}

// ExpiredKeys returns the keys of the rows whose TTL has passed.
func (s *Store) ExpiredKeys(ctx context.Context) ([]store.Key, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT tbl, pk, rk FROM rows
		WHERE json_extract(props, '$.ttl') > 0 AND json_extract(props, '$.ttl') <= ?
		ORDER BY tbl, pk, rk`,
		s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired rows: %w", err)
	}
	defer rs.Close()

	var keys []store.Key
	for rs.Next() {
		var key store.Key
		if err := rs.Scan(&key.Table, &key.Partition, &key.Row); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rs.Err()
}

// FindByID returns the row or store.ErrNotFound.
func (s *Store) FindByID(ctx context.Context, key store.Key) (store.Row, error) {
	row, err := s.stored(ctx, key)
	if err != nil {
		return store.Row{}, err
	}
	if store.Expired(row.Props, s.now()) {
		return store.Row{}, store.ErrNotFound
	}
	return row, nil
}

// stored returns the row at key, expired or not.
func (s *Store) stored(ctx context.Context, key store.Key) (store.Row, error) {
	if !key.Valid() {
		return store.Row{}, store.ErrInvalidKey
	}
	r := s.db.QueryRowContext(ctx, `
		SELECT tbl, pk, rk, props, version, created_at, updated_at
		FROM rows WHERE tbl = ? AND pk = ? AND rk = ?`,
		key.Table, key.Partition, key.Row)
	row, err := scanRow(r)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	return row, err
}

// Query returns the live rows of a partition ordered by row key.
func (s *Store) Query(ctx context.Context, table, partition string) ([]store.Row, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT tbl, pk, rk, props, version, created_at, updated_at
		FROM rows WHERE tbl = ? AND pk = ? ORDER BY rk`,
		table, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rs.Close()

	now := s.now()
	var rows []store.Row
	for rs.Next() {
		row, err := scanRow(rs)
		if err != nil {
			return nil, err
		}
		if store.Expired(row.Props, now) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (store.Row, error) {
	var (
		row                  store.Row
		data                 string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&row.Table, &row.Partition, &row.Row, &data, &row.Version, &createdAt, &updatedAt); err != nil {
		return store.Row{}, err
	}
	props := store.Props{}
	if err := json.Unmarshal([]byte(data), &props); err != nil {
		return store.Row{}, fmt.Errorf("failed to unmarshal props: %w", err)
	}
	row.Props = props
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return row, nil
}
