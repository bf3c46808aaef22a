package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
)

// StructCodec is a Codec for structs tagged with `dynamodbav`. The key is
// supplied explicitly; no field is inspected for key or behavior discovery.
type StructCodec[E any] struct {
	Table string
	KeyOf func(e E) (partition, row string)
}

// Key returns the row key of e.
func (c StructCodec[E]) Key(e E) Key {
	pk, rk := c.KeyOf(e)
	return Key{Table: c.Table, Partition: pk, Row: rk}
}

// Encode converts e to a property bag.
func (c StructCodec[E]) Encode(e E) (Props, error) {
	av, err := attributevalue.MarshalMap(e)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", e, err)
	}
	props := Props{}
	if err := attributevalue.UnmarshalMap(av, &props); err != nil {
		return nil, fmt.Errorf("encode %T: %w", e, err)
	}
	for k := range props {
		if isManaged(k) {
			return nil, fmt.Errorf("encode %T: attribute %q is reserved", e, k)
		}
	}
	return props, nil
}

// Decode converts a row back to E.
func (c StructCodec[E]) Decode(row Row) (E, error) {
	var e E
	av, err := attributevalue.MarshalMap(map[string]any(row.Props))
	if err != nil {
		return e, fmt.Errorf("decode %s: %w", row.Key, err)
	}
	if err := attributevalue.UnmarshalMap(av, &e); err != nil {
		return e, fmt.Errorf("decode %s: %w", row.Key, err)
	}
	return e, nil
}
