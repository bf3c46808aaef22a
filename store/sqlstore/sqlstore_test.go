package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/store/sqlstore"
	"github.com/jacentio/rowsaga/store/storetest"
)

func open(t *testing.T, path string) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.RowStore {
		return open(t, ":memory:")
	})
}

func TestPersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rows.db")
	key := store.Key{Table: "a", Partition: "p", Row: "1"}

	s, err := sqlstore.Open(path)
	require.NoError(t, err)
	_, err = s.Create(ctx, key, store.Props{"name": "kept", "tags": []string{"x", "y"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	row, err := open(t, path).FindByID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "kept", row.Props.String("name"))
	assert.Equal(t, []string{"x", "y"}, row.Props.Strings("tags"))
	assert.Equal(t, int64(1), row.Version)
	assert.False(t, row.CreatedAt.IsZero())
}

func TestCloseTwice(t *testing.T) {
	s, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { _ = s.Close() })
}
