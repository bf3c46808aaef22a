package repo

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

// ErrNoSweeper is returned by Sweep when the store purges expired rows
// itself.
var ErrNoSweeper = errors.New("rowsaga: store does not need sweeping")

// Janitor releases what a row held outside itself once the row is gone,
// using only its footprint.
type Janitor struct {
	svc *Services
}

// NewJanitor creates a Janitor.
func NewJanitor(svc *Services) *Janitor {
	return &Janitor{svc: svc}
}

// Expire releases the claims, parent links and lookup entries recorded in
// the footprint of row, which must be expired or already removed. Entries
// a live row now stored at the same key also holds are kept.
func (j *Janitor) Expire(ctx context.Context, row store.Row) error {
	fp, err := FootprintOf(row)
	if err != nil {
		return err
	}
	if fp.Empty() {
		return nil
	}
	current, err := j.svc.Rows.FindByID(ctx, row.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		live, err := FootprintOf(current)
		if err != nil {
			return err
		}
		if fp = fp.Without(live); fp.Empty() {
			return nil
		}
	}

	owner := row.Key
	ref := owner.Ref()
	s := newSaga[struct{}](j.svc, "expire "+fp.Type)

	for _, hash := range fp.Claims {
		s.AddEffect("release "+hash, func(ctx context.Context, _ struct{}) saga.Effect {
			return j.svc.Uniques.ReleaseHash(ctx, hash, owner)
		})
	}
	for _, l := range fp.Links {
		s.AddEffect("unlink "+l.key().String(), func(ctx context.Context, _ struct{}) saga.Effect {
			return j.svc.Links.UnlinkAt(ctx, l.key(), l.Field, ref)
		})
	}
	for _, lookup := range fp.Lookups {
		s.AddEffect("unindex "+lookup.String(), func(ctx context.Context, _ struct{}) saga.Effect {
			return j.svc.Indexes.RemoveAt(ctx, lookup.In(j.svc.Config.IndexTable), ref)
		})
	}

	_, err = s.Execute(ctx, struct{}{})
	if err != nil {
		return err
	}
	j.svc.logger.Info("released footprint of expired row",
		zap.Stringer("key", owner),
		zap.String("type", fp.Type),
		zap.Int("claims", len(fp.Claims)),
		zap.Int("links", len(fp.Links)),
		zap.Int("lookups", len(fp.Lookups)),
	)
	return nil
}

// Purge removes the expired row at key after releasing its footprint. It
// reports whether a row was purged; a free key or a live row is left alone.
func (j *Janitor) Purge(ctx context.Context, key store.Key) (bool, error) {
	_, err := j.svc.Rows.Purge(ctx, key, func(row store.Row) error {
		return j.Expire(ctx, row)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrNotExpired),
		errors.Is(err, store.ErrConcurrentModification):
		return false, nil
	default:
		return false, err
	}
}

// Sweep purges every expired row the store still holds, releasing each
// footprint first. Stores that purge by themselves, like DynamoDB with TTL
// and its stream, return ErrNoSweeper.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := store.AsSweeper(j.svc.Rows)
	if !ok {
		return 0, ErrNoSweeper
	}
	n, err := store.Sweep(ctx, j.svc.Rows, sweeper, func(row store.Row) error {
		return j.Expire(ctx, row)
	})
	j.svc.logger.Info("swept expired rows", zap.Int("purged", n), zap.Error(err))
	return n, err
}
