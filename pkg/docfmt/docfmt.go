// Package docfmt is a thin BSON convenience layer over pkg/tuple,
// adapted from the teacher's pkg/storage/bson.go: a caller can hand the
// engine a JSON document plus a set of key field names instead of
// hand-building a protowire tuple, but every document still round-trips
// through the ordinary tuple encoder, so the index/WAL invariants never
// see a document that bypassed them.
package docfmt

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/storage-engine/pkg/tuple"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// FromJSON parses a JSON document and encodes it as a tuple whose
// fields are, in document order, the BSON-marshaled value of each
// top-level field.
func FromJSON(jsonStr string) (*tuple.Tuple, error) {
	doc, err := jsonToBSON(jsonStr)
	if err != nil {
		return nil, err
	}
	return FromDoc(doc)
}

// FromDoc encodes an already-parsed BSON document as a tuple. Each
// field's bytes are the field's BSON type byte followed by its
// bson.MarshalValue output, so ToJSON can later decode it without an
// external schema.
func FromDoc(doc bson.D) (*tuple.Tuple, error) {
	fields := make([][]byte, 0, len(doc))
	for _, elem := range doc {
		bt, b, err := bson.MarshalValue(elem.Value)
		if err != nil {
			return nil, fmt.Errorf("docfmt: marshal field %q: %w", elem.Key, err)
		}
		fields = append(fields, append([]byte{byte(bt)}, b...))
	}
	return tuple.New(tuple.FlagNone, fields...), nil
}

// ToJSON decodes a tuple previously produced by FromJSON/FromDoc back
// into a JSON string, given the field names in the same order they were
// encoded (the tuple format itself carries no field names).
func ToJSON(t *tuple.Tuple, fieldNames []string) (string, error) {
	if len(fieldNames) != t.FieldCount() {
		return "", fmt.Errorf("docfmt: %d field names for a %d-field tuple", len(fieldNames), t.FieldCount())
	}

	doc := make(bson.D, 0, len(fieldNames))
	for i, name := range fieldNames {
		raw := t.Field(i)
		if len(raw) < 1 {
			return "", fmt.Errorf("docfmt: field %d has no stored BSON type", i)
		}
		rv := bson.RawValue{Type: bson.Type(raw[0]), Value: raw[1:]}
		var v any
		if err := rv.Unmarshal(&v); err != nil {
			return "", fmt.Errorf("docfmt: decode field %q: %w", name, err)
		}
		doc = append(doc, bson.E{Key: name, Value: v})
	}

	jsonBytes, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", err
	}
	return string(jsonBytes), nil
}

// Extract pulls a single field out of a tuple encoded by FromDoc/FromJSON
// and converts it to an index key, mirroring the teacher's
// GetValueFromBson but reading from the tuple's stored type byte instead
// of a live bson.D.
func Extract(t *tuple.Tuple, pos int) (types.Comparable, error) {
	raw := t.Field(pos)
	if len(raw) < 1 {
		return nil, fmt.Errorf("docfmt: field %d not present", pos)
	}
	return DecodeKey(raw)
}

// DecodeKey is the inverse of EncodeKey: given a key's raw bytes (a BSON
// type byte followed by its marshaled value), it returns the comparable
// key value. Extract uses this to read a key out of a tuple field; a
// wire handler decoding a client-supplied lookup key uses it directly.
func DecodeKey(raw []byte) (types.Comparable, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("docfmt: key has no stored BSON type")
	}
	rv := bson.RawValue{Type: bson.Type(raw[0]), Value: raw[1:]}

	switch rv.Type {
	case bson.TypeInt32, bson.TypeInt64:
		var v int64
		if err := rv.Unmarshal(&v); err != nil {
			return nil, err
		}
		return types.IntKey(v), nil
	case bson.TypeString:
		var v string
		if err := rv.Unmarshal(&v); err != nil {
			return nil, err
		}
		return types.VarcharKey(v), nil
	case bson.TypeBoolean:
		var v bool
		if err := rv.Unmarshal(&v); err != nil {
			return nil, err
		}
		return types.BoolKey(v), nil
	case bson.TypeDouble:
		var v float64
		if err := rv.Unmarshal(&v); err != nil {
			return nil, err
		}
		return types.FloatKey(v), nil
	case bson.TypeDateTime:
		var v time.Time
		if err := rv.Unmarshal(&v); err != nil {
			return nil, err
		}
		return types.DateKey(v), nil
	default:
		return nil, fmt.Errorf("docfmt: unsupported field type %v", rv.Type)
	}
}

// EncodeKey is the inverse of Extract: it encodes a single index key as
// a tuple field (a BSON type byte followed by its marshaled value), so
// a key alone can be carried inside a tuple without a full document.
func EncodeKey(key types.Comparable) ([]byte, error) {
	var v any
	switch k := key.(type) {
	case types.IntKey:
		v = int64(k)
	case types.VarcharKey:
		v = string(k)
	case types.BoolKey:
		v = bool(k)
	case types.FloatKey:
		v = float64(k)
	case types.DateKey:
		v = time.Time(k)
	default:
		return nil, fmt.Errorf("docfmt: unsupported key type %T", key)
	}
	bt, b, err := bson.MarshalValue(v)
	if err != nil {
		return nil, fmt.Errorf("docfmt: marshal key: %w", err)
	}
	return append([]byte{byte(bt)}, b...), nil
}

// Tombstone builds a one-field, FlagDeleted tuple carrying just a
// primary key. A delete is logged as one of these rather than as a
// distinct WAL row tag, so recovery and replication can tell a delete
// from an insert purely from Tuple.Deleted() without a second code
// path through the row format.
func Tombstone(key types.Comparable) (*tuple.Tuple, error) {
	raw, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	return tuple.New(tuple.FlagDeleted, raw), nil
}

func jsonToBSON(jsonStr string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, fmt.Errorf("docfmt: parse json: %w", err)
	}
	return doc, nil
}
