package object

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/golang/snappy"
)

// KeyKind classifies a described field.
type KeyKind uint8

const (
	// PrimaryKey identifies the object within its type (exactly one per type).
	PrimaryKey KeyKind = iota + 1
	// UniqueKey is an alternate unique identity.
	UniqueKey
	// IndexKey is a scalar, non-unique index.
	IndexKey
	// ListKey indexes every element of a slice field.
	ListKey
)

// TagName is the struct tag read by Describe, e.g. `txcache:"primary"`.
const TagName = "txcache"

// KeyInfo describes one key field of a type.
type KeyInfo struct {
	Name  string // Go field name; also the key name stored in CachedObject
	Kind  KeyKind
	index []int
}

// TypeDescription is the schema used to pack values of one Go type.
type TypeDescription struct {
	Name           string
	Primary        KeyInfo
	Unique         []KeyInfo
	Index          []KeyInfo
	List           []KeyInfo
	UseCompression bool

	goType reflect.Type
}

// DescribeOption customizes Describe.
type DescribeOption func(*TypeDescription)

// WithName overrides the type name (default: the Go type name).
func WithName(name string) DescribeOption {
	return func(d *TypeDescription) { d.Name = name }
}

// WithCompression stores payloads snappy-compressed.
func WithCompression() DescribeOption {
	return func(d *TypeDescription) { d.UseCompression = true }
}

// ErrNoPrimaryKey is returned by Describe for types without a primary key tag.
var ErrNoPrimaryKey = errors.New("object: type has no primary key field")

// Describe builds a TypeDescription from the `txcache` struct tags of v
// (a struct or pointer to struct). Recognized tag values: primary, unique,
// index, list.
func Describe(v any, opts ...DescribeOption) (*TypeDescription, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("object: Describe needs a struct, got %T", v)
	}
	d := &TypeDescription{Name: t.Name(), goType: t}
	for _, f := range reflect.VisibleFields(t) {
		tag, ok := f.Tag.Lookup(TagName)
		if !ok || !f.IsExported() {
			continue
		}
		info := KeyInfo{Name: f.Name, index: f.Index}
		switch strings.TrimSpace(strings.ToLower(tag)) {
		case "primary":
			if d.Primary.Kind != 0 {
				return nil, fmt.Errorf("object: %s has more than one primary key", t.Name())
			}
			info.Kind = PrimaryKey
			d.Primary = info
		case "unique":
			info.Kind = UniqueKey
			d.Unique = append(d.Unique, info)
		case "index":
			info.Kind = IndexKey
			d.Index = append(d.Index, info)
		case "list":
			if f.Type.Kind() != reflect.Slice {
				return nil, fmt.Errorf("object: list key %s.%s must be a slice", t.Name(), f.Name)
			}
			info.Kind = ListKey
			d.List = append(d.List, info)
		default:
			return nil, fmt.Errorf("object: unknown key tag %q on %s.%s", tag, t.Name(), f.Name)
		}
	}
	if d.Primary.Kind == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name())
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// MustDescribe is Describe that panics on error.
func MustDescribe(v any, opts ...DescribeOption) *TypeDescription {
	d, err := Describe(v, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// KeyFor extracts the primary key of v without packing the payload.
func (d *TypeDescription) KeyFor(v any) (KeyValue, error) {
	rv, err := d.value(v)
	if err != nil {
		return KeyValue{}, err
	}
	return KeyOf(rv.FieldByIndex(d.Primary.index).Interface())
}

// Pack normalizes v into a CachedObject.
func Pack(d *TypeDescription, v any) (*CachedObject, error) {
	rv, err := d.value(v)
	if err != nil {
		return nil, err
	}
	pk, err := KeyOf(rv.FieldByIndex(d.Primary.index).Interface())
	if err != nil {
		return nil, fmt.Errorf("object: primary key of %s: %w", d.Name, err)
	}
	obj := &CachedObject{Type: d.Name, PrimaryKey: pk}

	for _, u := range d.Unique {
		k, err := KeyOf(rv.FieldByIndex(u.index).Interface())
		if err != nil {
			return nil, fmt.Errorf("object: unique key %s.%s: %w", d.Name, u.Name, err)
		}
		if obj.UniqueKeys == nil {
			obj.UniqueKeys = make(map[string]KeyValue, len(d.Unique))
		}
		obj.UniqueKeys[u.Name] = k
	}
	for _, ix := range d.Index {
		k, err := KeyOf(rv.FieldByIndex(ix.index).Interface())
		if err != nil {
			return nil, fmt.Errorf("object: index key %s.%s: %w", d.Name, ix.Name, err)
		}
		obj.addIndex(ix.Name, k)
	}
	for _, l := range d.List {
		field := rv.FieldByIndex(l.index)
		for i := 0; i < field.Len(); i++ {
			k, err := KeyOf(field.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("object: list key %s.%s: %w", d.Name, l.Name, err)
			}
			obj.addIndex(l.Name, k)
		}
	}

	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("object: encode %s: %w", d.Name, err)
	}
	if d.UseCompression {
		raw = snappy.Encode(nil, raw)
		obj.Compressed = true
	}
	obj.Payload = raw
	return obj, nil
}

func (o *CachedObject) addIndex(name string, k KeyValue) {
	if o.IndexKeys == nil {
		o.IndexKeys = make(map[string][]KeyValue)
	}
	o.IndexKeys[name] = append(o.IndexKeys[name], k)
}

func (d *TypeDescription) value(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("object: nil %s", d.Name)
		}
		rv = rv.Elem()
	}
	if rv.Type() != d.goType {
		return reflect.Value{}, fmt.Errorf("object: %s description cannot pack %s", d.Name, rv.Type())
	}
	return rv, nil
}
