// Package store defines the row store contract the rest of rowsaga is layered on.
//
// A row store addresses rows by (table, partition key, row key), holds a
// property bag per row, and guarantees nothing beyond single-row atomicity
// with optimistic concurrency via a version token. Multi-row invariants are
// restored by the saga package through compensation, never by locking.
//
// # Implementations
//
//   - [Dynamo] - DynamoDB tables keyed by pk/sk (production)
//   - memstore - in-process store on go-memdb (tests, local runs)
//   - sqlstore - single-node SQLite store
//
// Any [RowStore] can be wrapped with [WithBreaker] to stop hammering a
// failing backend.
//
// # Entity Codec
//
// Typed entities are mapped to and from property bags through a [Codec].
// [StructCodec] covers structs tagged with `dynamodbav`:
//
//	codec := store.StructCodec[User]{
//	    Table: "users",
//	    KeyOf: func(u User) (string, string) { return u.TenantID, u.ID },
//	}
//
// # Errors
//
//   - [ErrNotFound] - row doesn't exist (or its TTL has passed)
//   - [ErrAlreadyExists] - create collided with an existing row
//   - [ErrConcurrentModification] - version token mismatch
//   - [ErrUnchanged] - returned by a mutate callback to skip the write
package store
