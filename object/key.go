package object

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
)

// KeyType tells which half of a KeyValue is meaningful.
type KeyType uint8

const (
	// IntKey marks an integer key (KeyValue.Int).
	IntKey KeyType = iota + 1
	// StringKey marks a string key (KeyValue.Str).
	StringKey
)

// KeyValue is a primary, unique or index key value: either an integer or a
// string. It is comparable and can be used directly as a map key.
type KeyValue struct {
	Type KeyType `json:"t"`
	Int  int64   `json:"i,omitempty"`
	Str  string  `json:"s,omitempty"`
}

// IntValue builds an integer key.
func IntValue(v int64) KeyValue { return KeyValue{Type: IntKey, Int: v} }

// StringValue builds a string key.
func StringValue(s string) KeyValue { return KeyValue{Type: StringKey, Str: s} }

// KeyOf converts a Go value into a KeyValue.
// Supported: all signed/unsigned integer widths (unsigned values must fit in
// int64), string, and KeyValue itself.
func KeyOf(v any) (KeyValue, error) {
	switch k := v.(type) {
	case KeyValue:
		return k, nil
	case string:
		return StringValue(k), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return KeyValue{}, fmt.Errorf("object: unsigned key %d overflows int64", u)
		}
		return IntValue(int64(u)), nil
	case reflect.String:
		return StringValue(rv.String()), nil
	default:
		return KeyValue{}, fmt.Errorf("object: unsupported key type %T", v)
	}
}

// MustKey is KeyOf that panics on unsupported types. Handy in tests.
func MustKey(v any) KeyValue {
	k, err := KeyOf(v)
	if err != nil {
		panic(err)
	}
	return k
}

// IsZero reports whether k was never set.
func (k KeyValue) IsZero() bool { return k.Type == 0 }

// Kind returns the short route form of the key type: "i" or "s".
func (k KeyValue) Kind() string {
	if k.Type == StringKey {
		return "s"
	}
	return "i"
}

func (k KeyValue) String() string {
	switch k.Type {
	case IntKey:
		return strconv.FormatInt(k.Int, 10)
	case StringKey:
		return k.Str
	default:
		return "<none>"
	}
}

// ParseKey is the inverse of (Kind, String).
func ParseKey(kind, raw string) (KeyValue, error) {
	switch kind {
	case "i":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return KeyValue{}, fmt.Errorf("object: bad integer key %q: %w", raw, err)
		}
		return IntValue(v), nil
	case "s":
		return StringValue(raw), nil
	default:
		return KeyValue{}, fmt.Errorf("object: unknown key kind %q", kind)
	}
}

// Compare orders keys: integers before strings, integers numerically,
// strings lexicographically.
func Compare(a, b KeyValue) int {
	if a.Type != b.Type {
		return cmp.Compare(a.Type, b.Type)
	}
	if a.Type == StringKey {
		return cmp.Compare(a.Str, b.Str)
	}
	return cmp.Compare(a.Int, b.Int)
}

// ObjectID identifies an object cluster-wide: its type name plus primary key.
type ObjectID struct {
	Type string   `json:"type"`
	Key  KeyValue `json:"key"`
}

func (id ObjectID) String() string { return id.Type + "/" + id.Key.String() }

// CompareIDs is the canonical lock order: type name first, then primary key.
// Every coordinator and participant derives the same order from it.
func CompareIDs(a, b ObjectID) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return Compare(a.Key, b.Key)
}

// SortIDs sorts ids in canonical order in place.
func SortIDs(ids []ObjectID) { slices.SortFunc(ids, CompareIDs) }
