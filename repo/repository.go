package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/rowsaga/cascade"
	"github.com/jacentio/rowsaga/index"
	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

var (
	// ErrUnknownIndex is returned when looking up an index the schema does not declare.
	ErrUnknownIndex = errors.New("rowsaga: unknown index")

	// ErrKeyChanged is returned when an update changes the row key of an entity.
	ErrKeyChanged = errors.New("rowsaga: entity key changed")
)

// Repository runs the write use cases of one entity type.
type Repository[E any] struct {
	schema Schema[E]
	svc    *Services
	logger *zap.Logger
}

// New creates a repository and registers the schema's relationships and
// deleter with the services' registry.
func New[E any](svc *Services, schema Schema[E]) (*Repository[E], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	r := &Repository[E]{
		schema: schema,
		svc:    svc,
		logger: svc.logger.With(zap.String("type", schema.Type)),
	}
	for _, l := range schema.Links {
		if err := svc.Registry.Declare(l.Relationship); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
		}
	}
	svc.Registry.RegisterDeleter(schema.Type, func(ctx context.Context, key store.Key) saga.Effect {
		s, e, err := r.deleteSaga(ctx, key.Ref(), DeleteOptions{Cascade: true})
		if errors.Is(err, store.ErrNotFound) {
			return saga.Noop()
		}
		if err != nil {
			return saga.Failure(err)
		}
		return s.Effect(ctx, e)
	})
	return r, nil
}

// Schema returns the repository schema.
func (r *Repository[E]) Schema() Schema[E] {
	return r.schema
}

func (r *Repository[E]) key(ref store.Ref) store.Key {
	return ref.In(r.schema.Table)
}

// Get returns the entity stored at ref.
func (r *Repository[E]) Get(ctx context.Context, ref store.Ref) (E, error) {
	var zero E
	row, err := r.svc.Rows.FindByID(ctx, r.key(ref))
	if err != nil {
		return zero, err
	}
	return r.schema.Codec.Decode(row)
}

func (r *Repository[E]) encode(e E) (store.Key, store.Props, error) {
	key := r.schema.Codec.Key(e)
	key.Table = r.schema.Table
	if !key.Valid() {
		return key, nil, fmt.Errorf("%w: %s", store.ErrInvalidKey, key)
	}
	props, err := r.schema.Codec.Encode(e)
	if err != nil {
		return key, nil, err
	}
	props[AttrFootprint] = r.footprintOf(e).encode()
	return key, props, nil
}

// Create stores e with its claims, parent links and index entries.
// Claims and links run first so the common failures need little undoing.
func (r *Repository[E]) Create(ctx context.Context, e E) (E, error) {
	key, props, err := r.encode(e)
	if err != nil {
		return e, err
	}
	ref := key.Ref()
	s := newSaga[E](r.svc, "create "+r.schema.Type)

	// An expired row at key is released before anything is claimed for
	// the new one.
	s.AddEffect("purge expired", func(ctx context.Context, _ E) saga.Effect {
		if _, err := NewJanitor(r.svc).Purge(ctx, key); err != nil {
			return saga.Failure(err)
		}
		return saga.Noop()
	})

	for _, u := range r.schema.Uniques {
		c := u.constraintOf(r.schema.Type, e)
		s.AddEffect("claim "+u.Attribute, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Uniques.Claim(ctx, c, key)
		})
	}

	for _, l := range r.schema.Links {
		parent, ok := l.parentOf(e)
		if !ok {
			continue
		}
		rel := l.Relationship
		s.AddEffect("link "+rel.ParentType, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Links.Link(ctx, rel, parent, ref)
		})
	}

	s.Add("row", func(ctx context.Context, e E) saga.Outcome[E] {
		row, err := r.svc.Rows.Create(ctx, key, props)
		if err != nil {
			return saga.Fail[E](err)
		}
		return saga.Save(e, func(ctx context.Context) error {
			eff := r.svc.Links.DeleteRowAt(ctx, key, row.Version)
			if eff.Kind == saga.KindNotFound {
				return nil
			}
			return eff.Err()
		})
	})

	if effects := r.indexEffects(e, ref, nil, false); len(effects) > 0 {
		s.AddParallel("indexes", effects...)
	}

	return s.Execute(ctx, e)
}

// indexEffects returns the lookup mutations moving ref from the index
// entries of old to those of e. A nil old treats e as new; remove drops
// the entries of old without adding any.
func (r *Repository[E]) indexEffects(e E, ref store.Ref, old *E, remove bool) []func(context.Context, E) saga.Effect {
	var effects []func(context.Context, E) saga.Effect
	for _, idx := range r.schema.Indexes {
		var (
			oldKeys, newKeys index.Keys
			hadOld, hasNew   bool
		)
		if old != nil {
			oldKeys, hadOld = idx.keysOf(r.schema.Type, *old)
		}
		if !remove {
			newKeys, hasNew = idx.keysOf(r.schema.Type, e)
		}
		if hadOld && hasNew && oldKeys == newKeys {
			continue
		}
		if hadOld {
			effects = append(effects, func(ctx context.Context, _ E) saga.Effect {
				return r.svc.Indexes.Remove(ctx, oldKeys, ref)
			})
		}
		if hasNew {
			effects = append(effects, func(ctx context.Context, _ E) saga.Effect {
				return r.svc.Indexes.Add(ctx, newKeys, ref)
			})
		}
	}
	return effects
}

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	retries int
}

// WithRetry re-runs the whole update, including mutate, up to attempts
// times when another writer changed the row first.
func WithRetry(attempts int) UpdateOption {
	return func(o *updateOptions) { o.retries = attempts }
}

// Update applies mutate to the entity at ref. The row write only lands if
// the row is unchanged since it was read; otherwise the update fails with
// store.ErrConcurrentModification. mutate may return saga.ErrRejected to
// refuse the change.
func (r *Repository[E]) Update(ctx context.Context, ref store.Ref, mutate func(E) (E, error), opts ...UpdateOption) (E, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retries <= 0 {
		return r.update(ctx, ref, mutate)
	}

	var out E
	err := retry.Do(ctx, store.RetryBackoff(o.retries), func(ctx context.Context) error {
		e, err := r.update(ctx, ref, mutate)
		if errors.Is(err, store.ErrConcurrentModification) {
			r.logger.Debug("update conflict, retrying", zap.Stringer("ref", ref))
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *Repository[E]) update(ctx context.Context, ref store.Ref, mutate func(E) (E, error)) (E, error) {
	var zero E
	row, err := r.svc.Rows.FindByID(ctx, r.key(ref))
	if err != nil {
		return zero, err
	}
	old, err := r.schema.Codec.Decode(row)
	if err != nil {
		return zero, err
	}
	next, err := mutate(old)
	if err != nil {
		return old, err
	}
	key, props, err := r.encode(next)
	if err != nil {
		return old, err
	}
	if key != row.Key {
		return old, fmt.Errorf("%w: %s to %s", ErrKeyChanged, row.Key, key)
	}
	// Collections and expiry are maintained outside the codec.
	for _, rel := range r.svc.Registry.ChildrenOf(r.schema.Type) {
		if v, ok := row.Props[rel.CollectionField]; ok {
			props[rel.CollectionField] = v
		}
	}
	if ttl, ok := row.Props[store.TTLAttr]; ok {
		props[store.TTLAttr] = ttl
	}

	s := newSaga[E](r.svc, "update "+r.schema.Type)

	for _, u := range r.schema.Uniques {
		before, after := u.constraintOf(r.schema.Type, old), u.constraintOf(r.schema.Type, next)
		s.AddEffect("claim "+u.Attribute, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Uniques.Change(ctx, before, after, key)
		})
	}

	for _, l := range r.schema.Links {
		oldParent, _ := l.parentOf(old)
		newParent, _ := l.parentOf(next)
		if oldParent == newParent {
			continue
		}
		rel := l.Relationship
		s.AddEffect("relink "+rel.ParentType, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Links.Relink(ctx, rel, oldParent, newParent, ref)
		})
	}

	s.Add("row", func(ctx context.Context, e E) saga.Outcome[E] {
		return r.replaceProps(ctx, key, row.Props, props, e)
	})

	if effects := r.indexEffects(next, ref, &old, false); len(effects) > 0 {
		s.AddParallel("indexes", effects...)
	}

	return s.Execute(ctx, next)
}

// replaceProps swaps seen for props if the row still holds seen. The undo
// swaps back under the same condition.
func (r *Repository[E]) replaceProps(ctx context.Context, key store.Key, seen, props store.Props, e E) saga.Outcome[E] {
	_, err := r.svc.Rows.Update(ctx, key, swap(seen, props))
	if err != nil {
		return saga.Fail[E](err)
	}
	return saga.Save(e, func(ctx context.Context) error {
		_, err := r.svc.Rows.Update(ctx, key, swap(props, seen))
		return err
	})
}

func swap(expected, replacement store.Props) store.MutateFunc {
	return func(current store.Props) (store.Props, error) {
		if !reflect.DeepEqual(map[string]any(current), map[string]any(expected)) {
			return nil, store.ErrConcurrentModification
		}
		return replacement.Clone(), nil
	}
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	// Cascade deletes the dependents registered for the type first.
	Cascade bool
	// OrphanProtect refuses the delete while any child collection is non-empty.
	OrphanProtect bool
}

// Delete removes the entity at ref along with its claims, parent links and
// index entries. It returns the deleted entity.
func (r *Repository[E]) Delete(ctx context.Context, ref store.Ref, opts DeleteOptions) (E, error) {
	s, e, err := r.deleteSaga(ctx, ref, opts)
	if err != nil {
		return e, err
	}
	return s.Execute(ctx, e)
}

func (r *Repository[E]) deleteSaga(ctx context.Context, ref store.Ref, opts DeleteOptions) (*saga.Saga[E], E, error) {
	key := r.key(ref)
	row, err := r.svc.Rows.FindByID(ctx, key)
	if err != nil {
		var zero E
		return nil, zero, err
	}
	e, err := r.schema.Codec.Decode(row)
	if err != nil {
		return nil, e, err
	}

	s := newSaga[E](r.svc, "delete "+r.schema.Type)

	if opts.OrphanProtect {
		s.AddEffect("orphan check", func(ctx context.Context, _ E) saga.Effect {
			has, err := r.svc.Links.HasChildren(ctx, r.schema.Type, key)
			if err != nil {
				return saga.Failure(err)
			}
			if has {
				return saga.Failure(fmt.Errorf("%w: %w: %s", saga.ErrRejected, cascade.ErrHasChildren, key))
			}
			return saga.Noop()
		})
	}

	// Children unlinking themselves bump the row version.
	var cascaded bool
	if opts.Cascade {
		s.AddEffect("cascade", func(ctx context.Context, _ E) saga.Effect {
			eff := r.svc.Links.ExecuteDelete(ctx, r.schema.Type, key)
			cascaded = eff.Kind == saga.KindSaved
			return eff
		})
	}

	for _, u := range r.schema.Uniques {
		c := u.constraintOf(r.schema.Type, e)
		s.AddEffect("release "+u.Attribute, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Uniques.Release(ctx, c, key)
		})
	}

	for _, l := range r.schema.Links {
		parent, ok := l.parentOf(e)
		if !ok {
			continue
		}
		rel := l.Relationship
		s.AddEffect("unlink "+rel.ParentType, func(ctx context.Context, _ E) saga.Effect {
			return r.svc.Links.Unlink(ctx, rel, parent, ref)
		})
	}

	if effects := r.indexEffects(e, ref, &e, true); len(effects) > 0 {
		s.AddParallel("indexes", effects...)
	}

	s.AddEffect("row", func(ctx context.Context, _ E) saga.Effect {
		version := row.Version
		if cascaded {
			version = 0
		}
		return r.svc.Links.DeleteRowAt(ctx, key, version)
	})

	return s, e, nil
}

// ExpireAt marks the entity at ref to expire at t. Its claims, links and
// index entries are released when the row is purged: by the DynamoDB
// stream, by Janitor.Sweep, or by the next Create at the same key.
func (r *Repository[E]) ExpireAt(ctx context.Context, ref store.Ref, t time.Time) error {
	_, err := store.UpdateWithRetry(ctx, r.svc.Rows, r.key(ref), r.svc.Config.ConflictRetries, func(p store.Props) (store.Props, error) {
		store.SetExpiry(p, t)
		return p, nil
	})
	return err
}

// Lookup returns the entities whose field of the named index maps to the
// same lookup keys as value. qualifier selects the per-entity scope if the
// index declares one.
func (r *Repository[E]) Lookup(ctx context.Context, name string, value any, qualifier string) ([]E, error) {
	idx, err := r.index(name)
	if err != nil {
		return nil, err
	}
	keys, ok := idx.keysFor(r.schema.Type, value, qualifier)
	if !ok {
		return nil, nil
	}
	refs, err := r.svc.Indexes.Lookup(ctx, keys)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, name, slices.Collect(refs))
}

// LookupRange returns the entities whose timestamp field of the named
// bucketed index lies within [from, to].
func (r *Repository[E]) LookupRange(ctx context.Context, name, qualifier string, from, to time.Time) ([]E, error) {
	idx, err := r.index(name)
	if err != nil {
		return nil, err
	}
	if idx.Bucket == 0 {
		return nil, fmt.Errorf("%w: %s is not a time bucket index", ErrUnknownIndex, name)
	}
	if to.Before(from) {
		from, to = to, from
	}
	sample, _ := idx.policy().Keys(from)
	refs, err := r.svc.Indexes.LookupRange(ctx, idx.scope(r.schema.Type, qualifier, sample.Scope), from, to, idx.Bucket)
	if err != nil {
		return nil, err
	}
	all, err := r.load(ctx, name, slices.Collect(refs))
	if err != nil {
		return nil, err
	}
	// buckets are coarser than the window
	return slices.DeleteFunc(all, func(e E) bool {
		t, ok := index.TimeOf(idx.Value(e))
		return !ok || t.Before(from) || t.After(to)
	}), nil
}

func (r *Repository[E]) index(name string) (Index[E], error) {
	for _, idx := range r.schema.Indexes {
		if idx.Name == name {
			return idx, nil
		}
	}
	return Index[E]{}, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, r.schema.Type, name)
}

// load fetches the entities behind refs in order. Members whose row is
// gone are skipped and recorded.
func (r *Repository[E]) load(ctx context.Context, indexName string, refs []store.Ref) ([]E, error) {
	found := make([]*E, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, ref := range refs {
		g.Go(func() error {
			e, err := r.Get(gctx, ref)
			if errors.Is(err, store.ErrNotFound) {
				r.stale(gctx, indexName, ref)
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]E, 0, len(refs))
	for _, e := range found {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *Repository[E]) stale(ctx context.Context, indexName string, ref store.Ref) {
	inc := saga.Inconsistency{
		Saga:  "lookup " + r.schema.Type,
		Step:  indexName,
		Cause: fmt.Errorf("stale index member %s: %w", ref, store.ErrNotFound),
		At:    time.Now().UTC(),
	}
	if err := r.svc.recorder.Record(ctx, inc); err != nil {
		r.logger.Error("failed to record stale index member", zap.Stringer("ref", ref), zap.Error(err))
	}
}
