package repo

import (
	"errors"
	"fmt"

	"github.com/jacentio/rowsaga/cascade"
	"github.com/jacentio/rowsaga/index"
	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/unique"
)

// ErrInvalidSchema is returned by New for an incomplete schema.
var ErrInvalidSchema = errors.New("rowsaga: invalid schema")

// Index declares a lookup index over one field.
type Index[E any] struct {
	Name  string
	Value func(E) any

	// Policy derives lookup keys. Default: index.Verbatim, or
	// index.TimeBucket when Bucket is set.
	Policy index.Policy
	Bucket index.Granularity

	// Qualifier narrows the scope per entity, e.g. to a tenant id.
	Qualifier func(E) string
}

// Unique declares a uniqueness constraint over one or more fields.
type Unique[E any] struct {
	Attribute   string
	Values      func(E) []string
	ScopeValues func(E) []string
	Ignore      unique.IgnorePolicy
}

// Link declares that an entity appears in a parent's collection field.
type Link[E any] struct {
	Relationship cascade.Relationship

	// Parent returns the parent key. ok=false means the entity is unlinked.
	Parent func(E) (parent store.Key, ok bool)
}

// Schema is the compile-time description of one entity type.
type Schema[E any] struct {
	Type    string
	Table   string
	Codec   store.Codec[E]
	Indexes []Index[E]
	Uniques []Unique[E]
	Links   []Link[E]
}

func (s Schema[E]) validate() error {
	if s.Type == "" || s.Table == "" || s.Codec == nil {
		return fmt.Errorf("%w: type, table and codec are required", ErrInvalidSchema)
	}
	seen := map[string]bool{}
	for _, idx := range s.Indexes {
		if idx.Name == "" || idx.Value == nil {
			return fmt.Errorf("%w: %s index needs a name and a value", ErrInvalidSchema, s.Type)
		}
		if seen[idx.Name] {
			return fmt.Errorf("%w: %s index %q declared twice", ErrInvalidSchema, s.Type, idx.Name)
		}
		seen[idx.Name] = true
	}
	for _, u := range s.Uniques {
		if u.Attribute == "" || u.Values == nil {
			return fmt.Errorf("%w: %s unique needs an attribute and values", ErrInvalidSchema, s.Type)
		}
	}
	for _, l := range s.Links {
		if l.Parent == nil || l.Relationship.ChildType != s.Type {
			return fmt.Errorf("%w: %s link must name it as child and supply a parent", ErrInvalidSchema, s.Type)
		}
	}
	return nil
}

func (idx Index[E]) policy() index.Policy {
	switch {
	case idx.Policy != nil:
		return idx.Policy
	case idx.Bucket != 0:
		return index.TimeBucket(idx.Bucket)
	default:
		return index.Verbatim()
	}
}

// scope returns the lookup scope of idx for entity type typ.
func (idx Index[E]) scope(typ, qualifier string, policyScope string) string {
	scope := policyScope
	if scope == "" {
		scope = typ + "." + idx.Name
	}
	if qualifier != "" {
		scope += "/" + qualifier
	}
	return scope
}

// keysOf returns the lookup keys of e. ok=false means e is not indexed.
func (idx Index[E]) keysOf(typ string, e E) (index.Keys, bool) {
	var qualifier string
	if idx.Qualifier != nil {
		qualifier = idx.Qualifier(e)
	}
	return idx.keysFor(typ, idx.Value(e), qualifier)
}

func (idx Index[E]) keysFor(typ string, value any, qualifier string) (index.Keys, bool) {
	keys, ok := idx.policy().Keys(value)
	if !ok {
		return index.Keys{}, false
	}
	keys.Scope = idx.scope(typ, qualifier, keys.Scope)
	return keys, true
}

func (u Unique[E]) constraintOf(typ string, e E) unique.Constraint {
	c := unique.Constraint{
		Attribute: u.Attribute,
		Scope:     typ,
		Values:    u.Values(e),
		Ignore:    u.Ignore,
	}
	if u.ScopeValues != nil {
		c.ScopeValues = u.ScopeValues(e)
	}
	return c
}

func (l Link[E]) parentOf(e E) (store.Key, bool) {
	key, ok := l.Parent(e)
	if !ok || key.Row == "" {
		return store.Key{}, false
	}
	if key.Table == "" {
		key.Table = l.Relationship.ParentTable
	}
	return key, true
}
