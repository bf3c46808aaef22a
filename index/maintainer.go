package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/rowsaga/internal/shard"
	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

// Lookup row properties.
const (
	AttrMembers   = "members"
	AttrLookupKey = "lookup_key"
	AttrScopeKey  = "scope_key"
)

// Transform maps the current member set to the new one. It must be pure.
type Transform func(members []store.Ref) []store.Ref

// Append adds refs to the member set.
func Append(refs ...store.Ref) Transform {
	return func(members []store.Ref) []store.Ref {
		return append(members, refs...)
	}
}

// Without removes refs from the member set.
func Without(refs ...store.Ref) Transform {
	return func(members []store.Ref) []store.Ref {
		return slices.DeleteFunc(members, func(r store.Ref) bool {
			return store.Contains(refs, r)
		})
	}
}

// Maintainer reads and mutates lookup rows.
type Maintainer struct {
	rows   store.RowStore
	config store.Config
	logger *zap.Logger
}

// NewMaintainer creates a Maintainer over the index table of config.
func NewMaintainer(rows store.RowStore, config store.Config, logger *zap.Logger) *Maintainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		rows:   rows,
		config: config.Normalize(),
		logger: logger,
	}
}

// KeyFor returns the row key of the lookup row for keys.
func (m *Maintainer) KeyFor(keys Keys) store.Key {
	return store.Key{
		Table:     m.config.IndexTable,
		Partition: shard.LookupPartition(keys.Scope, keys.Lookup, m.config.NumShards),
		Row:       keys.Lookup,
	}
}

// Add inserts ref into the lookup row at keys, creating the row if needed.
func (m *Maintainer) Add(ctx context.Context, keys Keys, ref store.Ref) saga.Effect {
	return m.Mutate(ctx, keys, Append(ref))
}

// Remove deletes ref from the lookup row at keys. A row left empty is deleted.
func (m *Maintainer) Remove(ctx context.Context, keys Keys, ref store.Ref) saga.Effect {
	return m.Mutate(ctx, keys, Without(ref))
}

// RemoveAt removes ref from the lookup row stored at key.
func (m *Maintainer) RemoveAt(ctx context.Context, key store.Key, ref store.Ref) saga.Effect {
	if key.Table == "" {
		key.Table = m.config.IndexTable
	}
	keys := Keys{Lookup: key.Row, Scope: shard.ScopeOf(key.Partition)}
	return m.mutate(ctx, key, keys, Without(ref))
}

// Mutate applies transform to the member set of the lookup row at keys
// and persists the de-duplicated result.
func (m *Maintainer) Mutate(ctx context.Context, keys Keys, transform Transform) saga.Effect {
	return m.mutate(ctx, m.KeyFor(keys), keys, transform)
}

// change is what one mutation observed and wrote.
type change struct {
	before []store.Ref
	after  []store.Ref
}

func (m *Maintainer) mutate(ctx context.Context, key store.Key, keys Keys, transform Transform) saga.Effect {
	if !key.Valid() {
		return saga.Failure(fmt.Errorf("%w: lookup row %s", store.ErrInvalidKey, key))
	}

	var c *change
	err := m.retry(ctx, func(ctx context.Context) error {
		c = nil
		row, exists, err := m.read(ctx, key)
		if err != nil {
			return err
		}
		before := row.members
		after := store.Dedupe(transform(slices.Clone(before)))
		if store.SameRefs(before, after) {
			return nil
		}
		if err := m.write(ctx, key, keys, row, exists, after); err != nil {
			return err
		}
		c = &change{before: before, after: after}
		return nil
	})
	if err != nil {
		return saga.Failure(err)
	}
	if c == nil {
		return saga.Noop()
	}

	m.logger.Debug("lookup row updated",
		zap.Stringer("key", key),
		zap.Int("before", len(c.before)),
		zap.Int("after", len(c.after)),
	)
	applied := *c
	return saga.Done(func(ctx context.Context) error {
		return m.revert(ctx, key, keys, applied)
	})
}

// revert restores the member set this change replaced. If other writers
// touched the row since, only this change's own delta is reversed.
func (m *Maintainer) revert(ctx context.Context, key store.Key, keys Keys, c change) error {
	return m.retry(ctx, func(ctx context.Context) error {
		row, exists, err := m.read(ctx, key)
		if err != nil {
			return err
		}
		current := row.members

		var target []store.Ref
		switch {
		case store.SameRefs(current, c.before):
			return nil
		case store.SameRefs(current, c.after):
			target = c.before
		default:
			added := store.Diff(c.after, c.before)
			removed := store.Diff(c.before, c.after)
			target = store.Dedupe(append(store.Diff(current, added), removed...))
			if store.SameRefs(current, target) {
				return nil
			}
		}
		return m.write(ctx, key, keys, row, exists, target)
	})
}

type lookupRow struct {
	row     store.Row
	members []store.Ref
}

func (m *Maintainer) read(ctx context.Context, key store.Key) (lookupRow, bool, error) {
	row, err := m.rows.FindByID(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return lookupRow{}, false, nil
	}
	if err != nil {
		return lookupRow{}, false, err
	}
	members, err := store.DecodeRefs(row.Props[AttrMembers])
	if err != nil {
		return lookupRow{}, false, fmt.Errorf("lookup row %s: %w", key, err)
	}
	return lookupRow{row: row, members: members}, true, nil
}

// write replaces the member set observed in seen with target. Any
// interference since the read surfaces as ErrConcurrentModification.
func (m *Maintainer) write(ctx context.Context, key store.Key, keys Keys, seen lookupRow, exists bool, target []store.Ref) error {
	switch {
	case !exists && len(target) == 0:
		return nil

	case !exists:
		_, err := m.rows.Create(ctx, key, store.Props{
			AttrMembers:   store.EncodeRefs(target),
			AttrLookupKey: keys.Lookup,
			AttrScopeKey:  keys.Scope,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.ErrConcurrentModification
		}
		return err

	case len(target) == 0:
		_, err := m.rows.DeleteIf(ctx, key, func(row store.Row) error {
			if row.Version != seen.row.Version {
				return store.ErrConcurrentModification
			}
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrConcurrentModification
		}
		return err

	default:
		_, err := m.rows.Update(ctx, key, func(p store.Props) (store.Props, error) {
			current, err := store.DecodeRefs(p[AttrMembers])
			if err != nil {
				return nil, err
			}
			if !slices.Equal(current, seen.members) {
				return nil, store.ErrConcurrentModification
			}
			p[AttrMembers] = store.EncodeRefs(target)
			return p, nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrConcurrentModification
		}
		return err
	}
}

func (m *Maintainer) retry(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, store.RetryBackoff(m.config.ConflictRetries), func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, store.ErrConcurrentModification) {
			m.logger.Debug("lookup row conflict, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// Lookup returns the members of the lookup row at keys. A missing row
// yields an empty sequence.
func (m *Maintainer) Lookup(ctx context.Context, keys Keys) (iter.Seq[store.Ref], error) {
	row, _, err := m.read(ctx, m.KeyFor(keys))
	if err != nil {
		return nil, err
	}
	return slices.Values(row.members), nil
}

// LookupRange returns the union of the members of every time bucket
// overlapping [from, to] within scope. Members may fall slightly outside
// the window at its edges.
func (m *Maintainer) LookupRange(ctx context.Context, scope string, from, to time.Time, g Granularity) (iter.Seq[store.Ref], error) {
	buckets, err := Buckets(from, to, g)
	if err != nil {
		return nil, err
	}

	results := make([][]store.Ref, len(buckets))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(8)
	for i, b := range buckets {
		grp.Go(func() error {
			row, _, err := m.read(gctx, m.KeyFor(Keys{Lookup: b, Scope: scope}))
			if err != nil {
				return err
			}
			results[i] = row.members
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	return slices.Values(store.Dedupe(slices.Concat(results...))), nil
}
