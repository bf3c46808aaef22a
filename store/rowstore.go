package store

import "context"

// MutateFunc receives a private copy of the current properties and returns
// the properties to write. Returning ErrUnchanged skips the write; any other
// error aborts the update and is returned to the caller unchanged.
type MutateFunc func(current Props) (Props, error)

// ConfirmFunc inspects the row about to be deleted. A non-nil error aborts
// the delete and is returned to the caller unchanged.
type ConfirmFunc func(row Row) error

// RowStore is the single-row-atomic store the persistence layer is built on.
type RowStore interface {
	// Create writes a new row. It fails with ErrAlreadyExists if the key is
	// taken, including by an expired row that has not been purged yet.
	Create(ctx context.Context, key Key, props Props) (Row, error)

	// Update performs a read-modify-write guarded by the row version.
	// It fails with ErrNotFound if the row is absent and with
	// ErrConcurrentModification if another writer got in between.
	// Retrying is the caller's responsibility.
	Update(ctx context.Context, key Key, mutate MutateFunc) (Row, error)

	// DeleteIf deletes the row after confirm accepts it and returns the
	// deleted row. A nil confirm deletes unconditionally.
	DeleteIf(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error)

	// Purge deletes an expired row after confirm accepts it and returns the
	// deleted row. It fails with ErrNotFound if the key is free and with
	// ErrNotExpired if the row is live. A nil confirm purges unconditionally.
	Purge(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error)

	// FindByID returns the row or ErrNotFound.
	FindByID(ctx context.Context, key Key) (Row, error)

	// Query returns all rows of a partition ordered by row key.
	Query(ctx context.Context, table, partition string) ([]Row, error)
}
