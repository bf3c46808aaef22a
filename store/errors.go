package store

import "errors"

var (
	// ErrNotFound is returned when a row doesn't exist or has an expired TTL.
	ErrNotFound = errors.New("rowsaga: row not found")

	// ErrAlreadyExists is returned when creating a row whose key is taken.
	ErrAlreadyExists = errors.New("rowsaga: row already exists")

	// ErrConcurrentModification is returned when the version token no longer matches.
	ErrConcurrentModification = errors.New("rowsaga: row was modified concurrently")

	// ErrUnchanged is returned by a MutateFunc to signal that no write is needed.
	// Update then returns the current row and a nil error.
	ErrUnchanged = errors.New("rowsaga: row unchanged")

	// ErrNotExpired is returned when purging a row whose TTL has not passed.
	ErrNotExpired = errors.New("rowsaga: row not expired")

	// ErrInvalidKey is returned when a key has an empty component.
	ErrInvalidKey = errors.New("rowsaga: invalid row key")

	// ErrMalformedRefs is returned when a property does not hold an encoded reference set.
	ErrMalformedRefs = errors.New("rowsaga: malformed reference set")
)

// IsOutcome reports whether err is one of the expected business outcomes of
// a store call rather than an infrastructure failure.
func IsOutcome(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrUnchanged) ||
		errors.Is(err, ErrNotExpired) ||
		errors.Is(err, ErrInvalidKey)
}
