package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/store/memstore"
)

func TestTableRecorder_RecordAndList(t *testing.T) {
	ctx := context.Background()
	rec := NewTableRecorder(memstore.MustNew(), store.DefaultConfig())

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(ctx, saga.Inconsistency{
		Saga: "create user", Step: "claim email",
		Cause: errors.New("boom"), At: day.Add(2 * time.Hour),
	}))
	require.NoError(t, rec.Record(ctx, saga.Inconsistency{
		Saga: "create user", Step: "row", At: day.Add(time.Hour),
	}))
	require.NoError(t, rec.Record(ctx, saga.Inconsistency{
		Saga: "delete user", Step: "row", At: day.Add(26 * time.Hour),
	}))

	entries, err := rec.List(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "row", entries[0].Step)
	assert.Nil(t, entries[0].Cause)
	assert.Equal(t, "claim email", entries[1].Step)
	assert.EqualError(t, entries[1].Cause, "boom")
	assert.True(t, entries[1].At.Equal(day.Add(2*time.Hour)))
	assert.NotEmpty(t, entries[1].ID)

	next, err := rec.List(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, next, 1)
}

func TestTableRecorder_DefaultsTimestamp(t *testing.T) {
	ctx := context.Background()
	rec := NewTableRecorder(memstore.MustNew(), store.DefaultConfig())
	fixed := time.Date(2024, 5, 1, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	rec.now = func() time.Time { return fixed }

	require.NoError(t, rec.Record(ctx, saga.Inconsistency{Saga: "s", Step: "a"}))

	// 23:30 at UTC-2 is the next UTC day
	entries, err := rec.List(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].At.Equal(fixed))
}

func TestTableRecorder_Resolve(t *testing.T) {
	ctx := context.Background()
	rec := NewTableRecorder(memstore.MustNew(), store.DefaultConfig())
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(ctx, saga.Inconsistency{Saga: "s", Step: "a", At: day}))

	entries, err := rec.List(ctx, day)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, rec.Resolve(ctx, day, entries[0].ID))
	assert.ErrorIs(t, rec.Resolve(ctx, day, entries[0].ID), store.ErrNotFound)

	entries, err = rec.List(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTableRecorder_ReceivesSagaFailures(t *testing.T) {
	ctx := context.Background()
	rec := NewTableRecorder(memstore.MustNew(), store.DefaultConfig())

	s := saga.New[int]("transfer", saga.WithRecorder(rec))
	s.AddEffect("debit", func(context.Context, int) saga.Effect {
		return saga.Done(func(context.Context) error { return errors.New("credit lost") })
	})
	s.AddEffect("credit", func(context.Context, int) saga.Effect {
		return saga.Failure(errors.New("declined"))
	})
	_, err := s.Execute(ctx, 0)
	require.Error(t, err)

	entries, err := rec.List(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transfer", entries[0].Saga)
	assert.Equal(t, "debit", entries[0].Step)
	assert.Contains(t, entries[0].Cause.Error(), "credit lost")
}
