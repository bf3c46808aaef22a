package repo

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jacentio/rowsaga/store"
)

// AttrFootprint is the managed property recording what a row holds outside
// its own row.
const AttrFootprint = "_footprint"

// Footprint lists the claims, lookup rows and parent links of one row so
// they can be released without knowing its schema.
type Footprint struct {
	Type    string      `json:"type"`
	Claims  []string    `json:"claims,omitempty"`
	Lookups []store.Ref `json:"lookups,omitempty"`
	Links   []LinkRef   `json:"links,omitempty"`
}

// LinkRef is one parent collection the row appears in.
type LinkRef struct {
	Table     string `json:"table"`
	Partition string `json:"pk"`
	Row       string `json:"rk"`
	Field     string `json:"field"`
}

func (l LinkRef) key() store.Key {
	return store.Key{Table: l.Table, Partition: l.Partition, Row: l.Row}
}

// Empty reports whether the footprint holds nothing to release.
func (f Footprint) Empty() bool {
	return len(f.Claims) == 0 && len(f.Lookups) == 0 && len(f.Links) == 0
}

// Without drops the entries also held by live, a later row at the same key.
func (f Footprint) Without(live Footprint) Footprint {
	out := Footprint{Type: f.Type}
	for _, c := range f.Claims {
		if !slices.Contains(live.Claims, c) {
			out.Claims = append(out.Claims, c)
		}
	}
	for _, l := range f.Lookups {
		if !slices.Contains(live.Lookups, l) {
			out.Lookups = append(out.Lookups, l)
		}
	}
	for _, l := range f.Links {
		if !slices.Contains(live.Links, l) {
			out.Links = append(out.Links, l)
		}
	}
	return out
}

func (f Footprint) encode() string {
	b, _ := json.Marshal(f)
	return string(b)
}

// FootprintOf reads the footprint of a row. A row without one yields an
// empty footprint.
func FootprintOf(row store.Row) (Footprint, error) {
	var f Footprint
	raw := row.Props.String(AttrFootprint)
	if raw == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return f, fmt.Errorf("footprint of %s: %w", row.Key, err)
	}
	return f, nil
}

func (r *Repository[E]) footprintOf(e E) Footprint {
	f := Footprint{Type: r.schema.Type}
	for _, u := range r.schema.Uniques {
		if c := u.constraintOf(r.schema.Type, e); !c.Ignorable() {
			f.Claims = append(f.Claims, c.Hash())
		}
	}
	for _, idx := range r.schema.Indexes {
		if keys, ok := idx.keysOf(r.schema.Type, e); ok {
			f.Lookups = append(f.Lookups, r.svc.Indexes.KeyFor(keys).Ref())
		}
	}
	for _, l := range r.schema.Links {
		if parent, ok := l.parentOf(e); ok {
			f.Links = append(f.Links, LinkRef{
				Table:     parent.Table,
				Partition: parent.Partition,
				Row:       parent.Row,
				Field:     l.Relationship.CollectionField,
			})
		}
	}
	return f
}
