package store

import (
	"fmt"
	"time"
)

// Key addresses a single row.
type Key struct {
	Table     string
	Partition string
	Row       string
}

// Ref returns the (partition, row) reference of the key.
func (k Key) Ref() Ref {
	return Ref{Partition: k.Partition, Row: k.Row}
}

// Valid reports whether every component of the key is set.
func (k Key) Valid() bool {
	return k.Table != "" && k.Partition != "" && k.Row != ""
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Table, k.Partition, k.Row)
}

// Ref is a (partition key, row key) reference to a row in a known table.
type Ref struct {
	Partition string `json:"pk"`
	Row       string `json:"rk"`
}

// In returns the key of the referenced row in table.
func (r Ref) In(table string) Key {
	return Key{Table: table, Partition: r.Partition, Row: r.Row}
}

func (r Ref) String() string {
	return r.Partition + "/" + r.Row
}

// Props is the property bag of a row.
type Props map[string]any

// Clone returns a copy that can be mutated without affecting p.
func (p Props) Clone() Props {
	if p == nil {
		return Props{}
	}
	out := make(Props, len(p))
	for k, v := range p {
		switch tv := v.(type) {
		case []string:
			out[k] = append([]string(nil), tv...)
		case []any:
			out[k] = append([]any(nil), tv...)
		default:
			out[k] = v
		}
	}
	return out
}

// String returns the named property as a string, or "" when absent or not a string.
func (p Props) String(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// Int64 returns the named numeric property. Numbers decoded from a backend
// arrive as float64 and are truncated.
func (p Props) Int64(name string) (int64, bool) {
	switch v := p[name].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	}
	return 0, false
}

// Strings returns the named list property as strings. Non-string elements are skipped.
func (p Props) Strings(name string) []string {
	switch v := p[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Row is a stored row with its concurrency token.
type Row struct {
	Key
	Props Props

	// Version is the optimistic concurrency token. It starts at 1.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Codec maps a typed entity to and from a row.
type Codec[E any] interface {
	// Key derives the row key of the entity.
	Key(e E) Key

	// Encode converts the entity to a property bag.
	Encode(e E) (Props, error)

	// Decode converts a stored row back to the entity.
	Decode(row Row) (E, error)
}
