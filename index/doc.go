// Package index maintains lookup rows: rows of the index table that map a
// derived lookup key to the set of row references holding that value.
//
// Every mutation returns a saga.Effect whose Undo restores the member set
// without clobbering unrelated changes made to the same lookup row in the
// meantime. Key policies (Verbatim, Digest, TimeBucket, Scoped) turn an
// entity field value into the lookup key and scope of its row.
package index
