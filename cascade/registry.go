package cascade

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

// Relationship defines a parent-child link maintained in a collection field
// of the parent row.
type Relationship struct {
	// ParentType is the parent entity type (e.g., "organization").
	ParentType string

	// ChildType is the child entity type (e.g., "studio").
	ChildType string

	// ParentTable and ChildTable are the tables holding each side.
	ParentTable string
	ChildTable  string

	// CollectionField is the parent property holding the encoded child refs.
	CollectionField string

	// Cascade deletes the children when the parent is deleted.
	Cascade bool
}

// ErrConflict is returned by Declare for a relationship that contradicts
// one already registered.
var ErrConflict = errors.New("rowsaga: conflicting relationship")

// Deleter deletes one row of a registered type together with whatever
// that type maintains for it.
type Deleter func(ctx context.Context, key store.Key) saga.Effect

// Registry holds all known relationships and per-type deleters.
type Registry struct {
	mu            sync.RWMutex
	relationships []Relationship
	byParent      map[string][]Relationship
	byChild       map[string][]Relationship
	deleters      map[string]Deleter
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byParent: make(map[string][]Relationship),
		byChild:  make(map[string][]Relationship),
		deleters: make(map[string]Deleter),
	}
}

// Declare registers rel unless an identical relationship is already known.
// It fails with ErrConflict if the same parent and child are registered
// differently, or if the parent field already holds another child type.
func (r *Registry) Declare(rel Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, known := range r.byChild[rel.ChildType] {
		if known.ParentType != rel.ParentType {
			continue
		}
		if known == rel {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s already registered as %+v", ErrConflict, rel.ParentType, rel.ChildType, known)
	}
	for _, known := range r.relationships {
		if known.ParentType == rel.ParentType && known.CollectionField == rel.CollectionField {
			return fmt.Errorf("%w: field %s of %s already holds %s", ErrConflict, rel.CollectionField, rel.ParentType, known.ChildType)
		}
	}
	r.relationships = append(r.relationships, rel)
	r.byParent[rel.ParentType] = append(r.byParent[rel.ParentType], rel)
	r.byChild[rel.ChildType] = append(r.byChild[rel.ChildType], rel)
	return nil
}

// RegisterDeleter sets the deleter used when a row of entityType is
// removed by a cascade.
func (r *Registry) RegisterDeleter(entityType string, d Deleter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleters[entityType] = d
}

// ChildrenOf returns all child relationships for a given parent type.
func (r *Registry) ChildrenOf(parentType string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byParent[parentType])
}

// Find returns the relationship between parentType and childType.
func (r *Registry) Find(parentType, childType string) (Relationship, bool) {
	for _, rel := range r.ChildrenOf(parentType) {
		if rel.ChildType == childType {
			return rel, true
		}
	}
	return Relationship{}, false
}

// HasChildren returns true if the parent type has any registered child relationships.
func (r *Registry) HasChildren(parentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParent[parentType]) > 0
}

// DeleterFor returns the deleter registered for entityType.
func (r *Registry) DeleterFor(entityType string) (Deleter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deleters[entityType]
	return d, ok
}
