// Package storetest checks that a RowStore honors the contract the
// maintainers rely on.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rowsaga/store"
)

// Run exercises a fresh store from newStore in every subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.RowStore) {
	t.Run("create", func(t *testing.T) { testCreate(t, newStore(t)) })
	t.Run("update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("query", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("expiry", func(t *testing.T) { testExpiry(t, newStore(t)) })
	t.Run("sweep", func(t *testing.T) { testSweep(t, newStore(t)) })
	t.Run("concurrent updates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("concurrent creates", func(t *testing.T) { testConcurrentCreates(t, newStore(t)) })
}

var key = store.Key{Table: "things", Partition: "p", Row: "r1"}

func count(t *testing.T, row store.Row) int64 {
	t.Helper()
	n, ok := row.Props.Int64("n")
	require.True(t, ok, "n missing from %v", row.Props)
	return n
}

func testCreate(t *testing.T, rs store.RowStore) {
	ctx := context.Background()

	row, err := rs.Create(ctx, key, store.Props{"n": 1, "name": "first"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	assert.Equal(t, key, row.Key)

	_, err = rs.Create(ctx, key, store.Props{"n": 2})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	found, err := rs.FindByID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, found))
	assert.Equal(t, "first", found.Props.String("name"))

	_, err = rs.FindByID(ctx, store.Key{Table: "things", Partition: "p", Row: "absent"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = rs.Create(ctx, store.Key{Table: "things", Row: "r"}, store.Props{})
	assert.ErrorIs(t, err, store.ErrInvalidKey)
}

func testUpdate(t *testing.T, rs store.RowStore) {
	ctx := context.Background()
	_, err := rs.Create(ctx, key, store.Props{"n": 1})
	require.NoError(t, err)

	row, err := rs.Update(ctx, key, func(p store.Props) (store.Props, error) {
		p["n"] = 2
		return p, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)

	row, err = rs.Update(ctx, key, func(store.Props) (store.Props, error) {
		return nil, store.ErrUnchanged
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)

	refused := errors.New("refused")
	_, err = rs.Update(ctx, key, func(store.Props) (store.Props, error) { return nil, refused })
	assert.ErrorIs(t, err, refused)

	_, err = rs.Update(ctx, key, func(p store.Props) (store.Props, error) {
		_, err := rs.Update(ctx, key, func(p store.Props) (store.Props, error) {
			p["n"] = 99
			return p, nil
		})
		require.NoError(t, err)
		p["n"] = 3
		return p, nil
	})
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	found, err := rs.FindByID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(99), count(t, found))
	assert.Equal(t, int64(3), found.Version)

	_, err = rs.Update(ctx, store.Key{Table: "things", Partition: "p", Row: "absent"}, func(p store.Props) (store.Props, error) {
		return p, nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDelete(t *testing.T, rs store.RowStore) {
	ctx := context.Background()
	_, err := rs.Create(ctx, key, store.Props{"n": 1})
	require.NoError(t, err)

	refused := errors.New("refused")
	_, err = rs.DeleteIf(ctx, key, func(store.Row) error { return refused })
	assert.ErrorIs(t, err, refused)

	deleted, err := rs.DeleteIf(ctx, key, func(row store.Row) error {
		assert.Equal(t, int64(1), row.Version)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, deleted))

	_, err = rs.DeleteIf(ctx, key, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// a deleted key can be created again
	_, err = rs.Create(ctx, key, store.Props{"n": 2})
	assert.NoError(t, err)
}

func testQuery(t *testing.T, rs store.RowStore) {
	ctx := context.Background()
	for _, k := range []store.Key{
		{Table: "things", Partition: "p", Row: "b"},
		{Table: "things", Partition: "p", Row: "a"},
		{Table: "things", Partition: "q", Row: "a"},
		{Table: "others", Partition: "p", Row: "c"},
	} {
		_, err := rs.Create(ctx, k, store.Props{"n": 1})
		require.NoError(t, err)
	}

	rows, err := rs.Query(ctx, "things", "p")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Row)
	assert.Equal(t, "b", rows[1].Row)

	rows, err = rs.Query(ctx, "things", "none")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testExpiry(t *testing.T, rs store.RowStore) {
	ctx := context.Background()
	_, err := rs.Create(ctx, key, store.Props{"n": 1})
	require.NoError(t, err)

	_, err = rs.Update(ctx, key, func(p store.Props) (store.Props, error) {
		store.SetExpiry(p, time.Now().Add(-time.Second))
		return p, nil
	})
	require.NoError(t, err)

	_, err = rs.FindByID(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	rows, err := rs.Query(ctx, key.Table, key.Partition)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// the expired row holds its key until purged
	_, err = rs.Create(ctx, key, store.Props{"n": 2})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	refused := errors.New("not yet")
	_, err = rs.Purge(ctx, key, func(store.Row) error { return refused })
	assert.ErrorIs(t, err, refused)

	var seen store.Row
	purged, err := rs.Purge(ctx, key, func(row store.Row) error {
		seen = row
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, purged))
	assert.Equal(t, purged.Version, seen.Version)

	_, err = rs.Purge(ctx, key, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = rs.Create(ctx, key, store.Props{"n": 2})
	require.NoError(t, err)
	found, err := rs.FindByID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, found))

	_, err = rs.Purge(ctx, key, nil)
	assert.ErrorIs(t, err, store.ErrNotExpired)
}

func testSweep(t *testing.T, rs store.RowStore) {
	sweeper, ok := store.AsSweeper(rs)
	if !ok {
		t.Skip("store purges expired rows itself")
	}
	ctx := context.Background()
	expired := store.Key{Table: "things", Partition: "p", Row: "old"}
	live := store.Key{Table: "things", Partition: "p", Row: "new"}
	props := store.Props{"n": 1}
	store.SetExpiry(props, time.Now().Add(-time.Minute))
	_, err := rs.Create(ctx, expired, props)
	require.NoError(t, err)
	_, err = rs.Create(ctx, live, store.Props{"n": 2})
	require.NoError(t, err)

	var released []store.Key
	n, err := store.Sweep(ctx, rs, sweeper, func(row store.Row) error {
		released = append(released, row.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []store.Key{expired}, released)

	_, err = rs.Create(ctx, expired, store.Props{"n": 3})
	require.NoError(t, err)
	_, err = rs.FindByID(ctx, live)
	require.NoError(t, err)
}

func testConcurrentUpdates(t *testing.T, rs store.RowStore) {
	ctx := context.Background()
	_, err := rs.Create(ctx, key, store.Props{"n": 0})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateWithRetry(ctx, rs, key, 100, func(p store.Props) (store.Props, error) {
				n, _ := p.Int64("n")
				p["n"] = n + 1
				return p, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	found, err := rs.FindByID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), count(t, found), "no increment may be lost")
}

func testConcurrentCreates(t *testing.T, rs store.RowStore) {
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rs.Create(ctx, key, store.Props{"n": 1})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrAlreadyExists)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
