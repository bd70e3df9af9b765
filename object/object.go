// Package object defines the packed, normalized representation of a domain
// record as stored by cache nodes: a CachedObject carries the record's keys
// (primary, unique, index) next to an opaque serialized payload.
package object

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/golang/snappy"
)

// CachedObject is a packed domain record.
// PrimaryKey is immutable for a given identity; re-packing a record produces
// a new CachedObject that replaces the old one in a store.
type CachedObject struct {
	Type       string                `json:"type"`
	PrimaryKey KeyValue              `json:"pk"`
	UniqueKeys map[string]KeyValue   `json:"uk,omitempty"`
	IndexKeys  map[string][]KeyValue `json:"ik,omitempty"`
	Payload    []byte                `json:"payload"`
	Compressed bool                  `json:"compressed,omitempty"`
}

// ID returns the cluster-wide identity of the object.
func (o *CachedObject) ID() ObjectID { return ObjectID{Type: o.Type, Key: o.PrimaryKey} }

// Clone returns a deep copy. Stores and transports hand out clones so that
// callers never alias node-owned memory.
func (o *CachedObject) Clone() *CachedObject {
	if o == nil {
		return nil
	}
	c := *o
	c.Payload = slices.Clone(o.Payload)
	if o.UniqueKeys != nil {
		c.UniqueKeys = make(map[string]KeyValue, len(o.UniqueKeys))
		for k, v := range o.UniqueKeys {
			c.UniqueKeys[k] = v
		}
	}
	if o.IndexKeys != nil {
		c.IndexKeys = make(map[string][]KeyValue, len(o.IndexKeys))
		for k, v := range o.IndexKeys {
			c.IndexKeys[k] = slices.Clone(v)
		}
	}
	return &c
}

// Data returns the raw JSON payload, decompressing it when needed.
func (o *CachedObject) Data() ([]byte, error) {
	if !o.Compressed {
		return o.Payload, nil
	}
	raw, err := snappy.Decode(nil, o.Payload)
	if err != nil {
		return nil, fmt.Errorf("object: decompress %s: %w", o.ID(), err)
	}
	return raw, nil
}

// Fields decodes the payload into a generic document, as used by predicates.
func (o *CachedObject) Fields() (map[string]any, error) {
	raw, err := o.Data()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("object: decode %s: %w", o.ID(), err)
	}
	return doc, nil
}

// Unpack decodes the payload into out (a pointer to the domain type).
func Unpack(o *CachedObject, out any) error {
	raw, err := o.Data()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("object: unpack %s: %w", o.ID(), err)
	}
	return nil
}
