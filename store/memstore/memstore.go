// Package memstore provides an in-process RowStore on go-memdb.
//
// Every operation is a single memdb write transaction, so the store offers
// exactly the guarantees of the production backends: single-row atomicity
// and version-checked read-modify-write. Update reads and writes in separate
// transactions, so concurrent writers observe real version conflicts.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/jacentio/rowsaga/store"
)

const tableRows = "rows"

// record is the immutable object stored in memdb.
type record struct {
	Table     string
	Partition string
	Row       string
	Props     store.Props
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *record) toRow() store.Row {
	return store.Row{
		Key:       store.Key{Table: r.Table, Partition: r.Partition, Row: r.Row},
		Props:     r.Props.Clone(),
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRows: {
				Name: tableRows,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Table"},
								&memdb.StringFieldIndex{Field: "Partition"},
								&memdb.StringFieldIndex{Field: "Row"},
							},
						},
					},
				},
			},
		},
	}
}

// Store is an in-memory RowStore.
type Store struct {
	db  *memdb.MemDB
	now func() time.Time

	// writes counts committed mutations; tests use it to prove no-op paths.
	writes atomic.Int64
}

var (
	_ store.RowStore = (*Store)(nil)
	_ store.Sweeper  = (*Store)(nil)
)

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// MustNew is New for tests and examples.
func MustNew() *Store {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

// Writes returns the number of committed creates, updates and deletes.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// stored returns the record at key, expired or not.
func (s *Store) stored(txn *memdb.Txn, key store.Key) (*record, error) {
	raw, err := txn.First(tableRows, "id", key.Table, key.Partition, key.Row)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*record), nil
}

func (s *Store) first(txn *memdb.Txn, key store.Key) (*record, error) {
	rec, err := s.stored(txn, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if store.Expired(rec.Props, s.now()) {
		return nil, nil
	}
	return rec, nil
}

// Create inserts a new row. An expired row keeps its key until purged.
func (s *Store) Create(_ context.Context, key store.Key, props store.Props) (store.Row, error) {
	if !key.Valid() {
		return store.Row{}, store.ErrInvalidKey
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := s.stored(txn, key)
	if err != nil {
		return store.Row{}, err
	}
	if existing != nil {
		return store.Row{}, store.ErrAlreadyExists
	}

	now := s.now().UTC()
	rec := &record{
		Table:     key.Table,
		Partition: key.Partition,
		Row:       key.Row,
		Props:     props.Clone(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := txn.Insert(tableRows, rec); err != nil {
		return store.Row{}, err
	}
	txn.Commit()
	s.writes.Add(1)
	return rec.toRow(), nil
}

// Update applies mutate to a snapshot and commits only if the version is unchanged.
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

	txn := s.db.Txn(true)
	defer txn.Abort()

	latest, err := s.first(txn, key)
	if err != nil {
		return store.Row{}, err
	}
	if latest == nil || latest.Version != current.Version {
		return store.Row{}, store.ErrConcurrentModification
	}

	rec := &record{
		Table:     key.Table,
		Partition: key.Partition,
		Row:       key.Row,
		Props:     props.Clone(),
		Version:   latest.Version + 1,
		CreatedAt: latest.CreatedAt,
		UpdatedAt: s.now().UTC(),
	}
	if err := txn.Insert(tableRows, rec); err != nil {
		return store.Row{}, err
	}
	txn.Commit()
	s.writes.Add(1)
	return rec.toRow(), nil
}

// DeleteIf removes the row after confirm accepts it.
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

	txn := s.db.Txn(true)
	defer txn.Abort()

	latest, err := s.first(txn, key)
	if err != nil {
		return store.Row{}, err
	}
	if latest == nil || latest.Version != current.Version {
		return store.Row{}, store.ErrConcurrentModification
	}
	if err := txn.Delete(tableRows, latest); err != nil {
		return store.Row{}, err
	}
	txn.Commit()
	s.writes.Add(1)
	return current, nil
}

// Purge removes an expired row after confirm accepts it.
func (s *Store) Purge(_ context.Context, key store.Key, confirm store.ConfirmFunc) (store.Row, error) {
	if !key.Valid() {
		return store.Row{}, store.ErrInvalidKey
	}
	read := s.db.Txn(false)
	current, err := s.stored(read, key)
	read.Abort()
	if err != nil {
		return store.Row{}, err
	}
	if current == nil {
		return store.Row{}, store.ErrNotFound
	}
	if !store.Expired(current.Props, s.now()) {
		return store.Row{}, store.ErrNotExpired
	}
	if confirm != nil {
		if err := confirm(current.toRow()); err != nil {
			return store.Row{}, err
		}
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	latest, err := s.stored(txn, key)
	if err != nil {
		return store.Row{}, err
	}
	if latest == nil || latest.Version != current.Version {
		return store.Row{}, store.ErrConcurrentModification
	}
	if err := txn.Delete(tableRows, latest); err != nil {
		return store.Row{}, err
	}
	txn.Commit()
	s.writes.Add(1)
	return current.toRow(), nil
}

// ExpiredKeys returns the keys of the rows whose TTL has passed.
func (s *Store) ExpiredKeys(_ context.Context) ([]store.Key, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRows, "id")
	if err != nil {
		return nil, err
	}
	now := s.now()
	var keys []store.Key
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*record)
		if store.Expired(rec.Props, now) {
			keys = append(keys, store.Key{Table: rec.Table, Partition: rec.Partition, Row: rec.Row})
		}
	}
	return keys, nil
}

// FindByID returns the row or store.ErrNotFound.
func (s *Store) FindByID(_ context.Context, key store.Key) (store.Row, error) {
	if !key.Valid() {
		return store.Row{}, store.ErrInvalidKey
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	rec, err := s.first(txn, key)
	if err != nil {
		return store.Row{}, err
	}
	if rec == nil {
		return store.Row{}, store.ErrNotFound
	}
	return rec.toRow(), nil
}

// Query returns the live rows of a partition ordered by row key.
func (s *Store) Query(_ context.Context, table, partition string) ([]store.Row, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	// The trailing "" terminates the partition component so "p1" does not match "p10".
	it, err := txn.Get(tableRows, "id_prefix", table, partition, "")
	if err != nil {
		return nil, err
	}
	now := s.now()
	var rows []store.Row
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*record)
		if store.Expired(rec.Props, now) {
			continue
		}
		rows = append(rows, rec.toRow())
	}
	return rows, nil
}

// All returns every live row ordered by table, partition and row key.
func (s *Store) All() ([]store.Row, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRows, "id")
	if err != nil {
		return nil, err
	}
	now := s.now()
	var rows []store.Row
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*record)
		if store.Expired(rec.Props, now) {
			continue
		}
		rows = append(rows, rec.toRow())
	}
	return rows, nil
}
