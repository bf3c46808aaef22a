// Package cascade keeps parent collection fields in step with their
// children and deletes dependents when a parent goes away.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

var (
	// ErrMisconfigured is returned when a relationship cannot be applied to
	// the stored data, such as a collection field holding something other
	// than a reference set.
	ErrMisconfigured = errors.New("rowsaga: cascade misconfigured")

	// ErrHasChildren is returned when deleting a row that still has children.
	ErrHasChildren = errors.New("rowsaga: row has children")
)

// Maintainer applies link and cascade operations.
type Maintainer struct {
	rows     store.RowStore
	registry *Registry
	config   store.Config
	logger   *zap.Logger
	sagaOpts []saga.Option
}

// NewMaintainer creates a Maintainer. opts are applied to the sagas the
// Maintainer runs itself, after the logger.
func NewMaintainer(rows store.RowStore, registry *Registry, config store.Config, logger *zap.Logger, opts ...saga.Option) *Maintainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Maintainer{
		rows:     rows,
		registry: registry,
		config:   config.Normalize(),
		logger:   logger,
		sagaOpts: append([]saga.Option{saga.WithLogger(logger)}, opts...),
	}
}

// Registry returns the relationship registry.
func (m *Maintainer) Registry() *Registry {
	return m.registry
}

func (rel Relationship) check() error {
	if rel.ParentTable == "" || rel.CollectionField == "" {
		return fmt.Errorf("%w: relationship %s->%s has no parent table or collection field",
			ErrMisconfigured, rel.ParentType, rel.ChildType)
	}
	return nil
}

func (rel Relationship) parentKey(parent store.Key) (store.Key, error) {
	if err := rel.check(); err != nil {
		return store.Key{}, err
	}
	if parent.Table == "" {
		parent.Table = rel.ParentTable
	}
	if parent.Table != rel.ParentTable {
		return store.Key{}, fmt.Errorf("%w: parent %s is not in table %s", ErrMisconfigured, parent, rel.ParentTable)
	}
	return parent, nil
}

// Link adds child to the collection of parent. A missing parent fails
// with store.ErrNotFound.
func (m *Maintainer) Link(ctx context.Context, rel Relationship, parent store.Key, child store.Ref) saga.Effect {
	key, err := rel.parentKey(parent)
	if err != nil {
		return saga.Failure(err)
	}
	return m.LinkAt(ctx, key, rel.CollectionField, child)
}

// LinkAt adds child to the collection field of the row at parent.
func (m *Maintainer) LinkAt(ctx context.Context, parent store.Key, field string, child store.Ref) saga.Effect {
	changed, err := m.edit(ctx, parent, field, func(refs []store.Ref) []store.Ref {
		return append(refs, child)
	})
	if err != nil {
		return saga.Failure(err)
	}
	if !changed {
		return saga.Noop()
	}
	return saga.Done(func(ctx context.Context) error {
		return m.undoEdit(ctx, parent, field, func(refs []store.Ref) []store.Ref {
			return slices.DeleteFunc(refs, func(r store.Ref) bool { return r == child })
		})
	})
}

// Unlink removes child from the collection of parent. A missing parent
// is Unchanged.
func (m *Maintainer) Unlink(ctx context.Context, rel Relationship, parent store.Key, child store.Ref) saga.Effect {
	key, err := rel.parentKey(parent)
	if err != nil {
		return saga.Failure(err)
	}
	return m.UnlinkAt(ctx, key, rel.CollectionField, child)
}

// UnlinkAt removes child from the collection field of the row at parent.
func (m *Maintainer) UnlinkAt(ctx context.Context, parent store.Key, field string, child store.Ref) saga.Effect {
	changed, err := m.edit(ctx, parent, field, func(refs []store.Ref) []store.Ref {
		return slices.DeleteFunc(refs, func(r store.Ref) bool { return r == child })
	})
	if errors.Is(err, store.ErrNotFound) {
		return saga.Noop()
	}
	if err != nil {
		return saga.Failure(err)
	}
	if !changed {
		return saga.Noop()
	}
	return saga.Done(func(ctx context.Context) error {
		return m.undoEdit(ctx, parent, field, func(refs []store.Ref) []store.Ref {
			return append(refs, child)
		})
	})
}

// Relink moves child from the collection of oldParent to that of newParent.
func (m *Maintainer) Relink(ctx context.Context, rel Relationship, oldParent, newParent store.Key, child store.Ref) saga.Effect {
	if oldParent == newParent {
		return saga.Noop()
	}

	s := saga.New[struct{}]("relink", m.sagaOpts...)
	if newParent.Row != "" {
		s.AddEffect("link", func(ctx context.Context, _ struct{}) saga.Effect {
			return m.Link(ctx, rel, newParent, child)
		})
	}
	if oldParent.Row != "" {
		s.AddEffect("unlink", func(ctx context.Context, _ struct{}) saga.Effect {
			return m.Unlink(ctx, rel, oldParent, child)
		})
	}
	return s.Effect(ctx, struct{}{})
}

// edit applies fn to the collection field of parent. An emptied
// collection is removed from the row. It reports whether the stored set
// changed.
func (m *Maintainer) edit(ctx context.Context, parent store.Key, field string, fn func([]store.Ref) []store.Ref) (bool, error) {
	var changed bool
	_, err := store.UpdateWithRetry(ctx, m.rows, parent, m.config.ConflictRetries, func(p store.Props) (store.Props, error) {
		changed = false
		refs, err := store.DecodeRefs(p[field])
		if err != nil {
			return nil, fmt.Errorf("%w: field %s of %s: %w", ErrMisconfigured, field, parent, err)
		}
		next := store.Dedupe(fn(slices.Clone(refs)))
		if store.SameRefs(refs, next) {
			return nil, store.ErrUnchanged
		}
		if len(next) == 0 {
			delete(p, field)
		} else {
			p[field] = store.EncodeRefs(next)
		}
		changed = true
		return p, nil
	})
	return changed, err
}

func (m *Maintainer) undoEdit(ctx context.Context, parent store.Key, field string, fn func([]store.Ref) []store.Ref) error {
	_, err := m.edit(ctx, parent, field, fn)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Debug("link parent gone, nothing to restore", zap.Stringer("parent", parent))
		return nil
	}
	return err
}

// Children returns the refs held in the collection of rel for parent.
func (m *Maintainer) Children(ctx context.Context, rel Relationship, parent store.Key) ([]store.Ref, error) {
	key, err := rel.parentKey(parent)
	if err != nil {
		return nil, err
	}
	row, err := m.rows.FindByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return collection(row, rel)
}

func collection(row store.Row, rel Relationship) ([]store.Ref, error) {
	refs, err := store.DecodeRefs(row.Props[rel.CollectionField])
	if err != nil {
		return nil, fmt.Errorf("%w: field %s of %s: %w", ErrMisconfigured, rel.CollectionField, row.Key, err)
	}
	return refs, nil
}

// HasChildren reports whether any collection of entityType on key is non-empty.
func (m *Maintainer) HasChildren(ctx context.Context, entityType string, key store.Key) (bool, error) {
	if !m.registry.HasChildren(entityType) {
		return false, nil
	}
	rels := m.registry.ChildrenOf(entityType)
	row, err := m.rows.FindByID(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		refs, err := collection(row, rel)
		if err != nil {
			return false, err
		}
		if len(refs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// ExecuteDelete deletes the dependents of the row at key through every
// cascading relationship of entityType. The returned undo reverses all
// dependent deletions, newest first.
func (m *Maintainer) ExecuteDelete(ctx context.Context, entityType string, key store.Key) saga.Effect {
	var rels []Relationship
	for _, rel := range m.registry.ChildrenOf(entityType) {
		if rel.Cascade {
			rels = append(rels, rel)
		}
	}
	if len(rels) == 0 {
		return saga.Noop()
	}

	row, err := m.rows.FindByID(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return saga.Noop()
	}
	if err != nil {
		return saga.Failure(err)
	}

	s := saga.New[struct{}]("cascade-delete "+entityType, m.sagaOpts...)
	for _, rel := range rels {
		if rel.ChildTable == "" {
			return saga.Failure(fmt.Errorf("%w: relationship %s->%s has no child table",
				ErrMisconfigured, rel.ParentType, rel.ChildType))
		}
		children, err := collection(row, rel)
		if err != nil {
			return saga.Failure(err)
		}
		deleter := m.deleterFor(rel.ChildType)
		for _, child := range children {
			childKey := child.In(rel.ChildTable)
			s.AddEffect(rel.ChildType+" "+child.String(), func(ctx context.Context, _ struct{}) saga.Effect {
				return deleter(ctx, childKey)
			})
		}
	}

	m.logger.Debug("cascading delete",
		zap.String("type", entityType),
		zap.Stringer("key", key),
		zap.Int("dependents", s.Len()),
	)
	return s.Effect(ctx, struct{}{})
}

func (m *Maintainer) deleterFor(entityType string) Deleter {
	if d, ok := m.registry.DeleterFor(entityType); ok {
		return d
	}
	return func(ctx context.Context, key store.Key) saga.Effect {
		s := saga.New[struct{}]("delete "+entityType, m.sagaOpts...)
		s.AddEffect("cascade", func(ctx context.Context, _ struct{}) saga.Effect {
			return m.ExecuteDelete(ctx, entityType, key)
		})
		s.AddEffect("row", func(ctx context.Context, _ struct{}) saga.Effect {
			return m.DeleteRow(ctx, key)
		})
		return s.Effect(ctx, struct{}{})
	}
}

// DeleteRow deletes the row at key. An absent row is Unchanged. The undo
// re-creates the row with its last properties.
func (m *Maintainer) DeleteRow(ctx context.Context, key store.Key) saga.Effect {
	return m.DeleteRowAt(ctx, key, 0)
}

// DeleteRowAt deletes the row at key only if it is still at version. A
// zero version deletes whatever is current.
func (m *Maintainer) DeleteRowAt(ctx context.Context, key store.Key, version int64) saga.Effect {
	var confirm store.ConfirmFunc
	if version > 0 {
		confirm = func(row store.Row) error {
			if row.Version != version {
				return store.ErrConcurrentModification
			}
			return nil
		}
	}
	deleted, err := m.rows.DeleteIf(ctx, key, confirm)
	if errors.Is(err, store.ErrNotFound) && version == 0 {
		return saga.Noop()
	}
	if err != nil {
		return saga.Failure(err)
	}
	return saga.Done(func(ctx context.Context) error {
		_, err := m.rows.Create(ctx, key, deleted.Props)
		return err
	})
}
