package models

import (
	"fmt"
	"maps"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// UserMap is a per-user mapping keyed by user id hex. In MongoDB it is stored
// as an association list of {user_id, value} entries so that ids never become
// field names. Documents written as an embedded key/value object are still
// accepted on read and come back as the same map.
type UserMap[V any] map[string]V

type userMapEntry[V any] struct {
	UserID string `bson:"user_id"`
	Value  V      `bson:"value"`
}

func (m UserMap[V]) MarshalBSONValue() (bsontype.Type, []byte, error) {
	entries := make([]userMapEntry[V], 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		entries = append(entries, userMapEntry[V]{UserID: id, Value: m[id]})
	}
	return bson.MarshalValue(entries)
}

func (m *UserMap[V]) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	out := make(UserMap[V])
	raw := bson.RawValue{Type: t, Value: data}

	switch t {
	case bsontype.Null, bsontype.Undefined:
	case bsontype.Array:
		var entries []userMapEntry[V]
		if err := raw.Unmarshal(&entries); err != nil {
			return fmt.Errorf("decode user map entries: %w", err)
		}
		for _, e := range entries {
			if e.UserID == "" {
				continue
			}
			out[e.UserID] = e.Value
		}
	case bsontype.EmbeddedDocument:
		var legacy map[string]V
		if err := raw.Unmarshal(&legacy); err != nil {
			return fmt.Errorf("decode legacy user map: %w", err)
		}
		for id, v := range legacy {
			out[id] = v
		}
	default:
		return fmt.Errorf("cannot decode user map from bson %s", t)
	}

	*m = out
	return nil
}
