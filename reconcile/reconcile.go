// Package reconcile keeps a durable log of compensations that could not be
// applied, one row per failure, for an operator to repair.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

// DayLayout formats the partition key of a log row.
const DayLayout = "2006-01-02"

const (
	attrSaga  = "saga"
	attrStep  = "step"
	attrCause = "cause"
	attrAt    = "at"
)

// Entry is one recorded inconsistency.
type Entry struct {
	ID string
	saga.Inconsistency
}

// TableRecorder is a saga.Recorder writing to the inconsistency table.
type TableRecorder struct {
	rows  store.RowStore
	table string
	now   func() time.Time
}

// NewTableRecorder creates a TableRecorder over config.InconsistencyTable.
func NewTableRecorder(rows store.RowStore, config store.Config) *TableRecorder {
	return &TableRecorder{
		rows:  rows,
		table: config.Normalize().InconsistencyTable,
		now:   time.Now,
	}
}

// Record stores inc under the UTC day it happened.
func (r *TableRecorder) Record(ctx context.Context, inc saga.Inconsistency) error {
	if inc.At.IsZero() {
		inc.At = r.now()
	}
	at := inc.At.UTC()
	cause := ""
	if inc.Cause != nil {
		cause = inc.Cause.Error()
	}
	key := store.Key{Table: r.table, Partition: at.Format(DayLayout), Row: uuid.NewString()}
	_, err := r.rows.Create(ctx, key, store.Props{
		attrSaga:  inc.Saga,
		attrStep:  inc.Step,
		attrCause: cause,
		attrAt:    at.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("record inconsistency of %s/%s: %w", inc.Saga, inc.Step, err)
	}
	return nil
}

// List returns the inconsistencies recorded on the UTC day of day, oldest
// first.
func (r *TableRecorder) List(ctx context.Context, day time.Time) ([]Entry, error) {
	rows, err := r.rows.Query(ctx, r.table, day.UTC().Format(DayLayout))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, entryOf(row))
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return a.At.Compare(b.At)
	})
	return out, nil
}

// Resolve removes an entry once it has been repaired.
func (r *TableRecorder) Resolve(ctx context.Context, day time.Time, id string) error {
	key := store.Key{Table: r.table, Partition: day.UTC().Format(DayLayout), Row: id}
	_, err := r.rows.DeleteIf(ctx, key, nil)
	return err
}

func entryOf(row store.Row) Entry {
	at, _ := time.Parse(time.RFC3339Nano, row.Props.String(attrAt))
	e := Entry{
		ID: row.Row,
		Inconsistency: saga.Inconsistency{
			Saga: row.Props.String(attrSaga),
			Step: row.Props.String(attrStep),
			At:   at,
		},
	}
	if cause := row.Props.String(attrCause); cause != "" {
		e.Cause = errors.New(cause)
	}
	return e
}
