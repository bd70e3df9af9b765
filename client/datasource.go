package client

import (
	"context"
	"reflect"

	"github.com/IvanBrykalov/txcache/object"
)

// DataSource is a typed view of one object type in the cluster.
type DataSource[T any] struct {
	c    *Connector
	desc *object.TypeDescription
}

// NewDataSource describes T from its struct tags and registers it with c so
// that transactions can pack values of T.
func NewDataSource[T any](c *Connector, opts ...object.DescribeOption) (*DataSource[T], error) {
	var zero T
	desc, err := object.Describe(zero, opts...)
	if err != nil {
		return nil, err
	}
	c.register(reflect.TypeOf(zero), desc)
	return &DataSource[T]{c: c, desc: desc}, nil
}

// Description returns the type description used for packing.
func (ds *DataSource[T]) Description() *object.TypeDescription { return ds.desc }

// Put stores v outside any transaction, replacing a previous value.
func (ds *DataSource[T]) Put(ctx context.Context, v T) error {
	obj, err := object.Pack(ds.desc, v)
	if err != nil {
		return err
	}
	return ds.c.PutObject(ctx, obj)
}

// Delete removes v (by its primary key) outside any transaction.
func (ds *DataSource[T]) Delete(ctx context.Context, v T) error {
	key, err := ds.desc.KeyFor(v)
	if err != nil {
		return err
	}
	return ds.DeleteKey(ctx, key)
}

// DeleteKey removes the object with primary key key.
func (ds *DataSource[T]) DeleteKey(ctx context.Context, key object.KeyValue) error {
	return ds.c.DeleteObject(ctx, object.ObjectID{Type: ds.desc.Name, Key: key})
}

// Get returns the value with primary key key (an int or string). Absent
// values fail with an error of kind NotFound.
func (ds *DataSource[T]) Get(ctx context.Context, key any) (T, error) {
	var out T
	k, err := object.KeyOf(key)
	if err != nil {
		return out, err
	}
	obj, err := ds.c.GetObject(ctx, object.ObjectID{Type: ds.desc.Name, Key: k})
	if err != nil {
		return out, err
	}
	err = object.Unpack(obj, &out)
	return out, err
}

// All returns every resident value in primary-key order.
func (ds *DataSource[T]) All(ctx context.Context) ([]T, error) {
	objs, err := ds.c.ScanObjects(ctx, ds.desc.Name)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(objs))
	for i, obj := range objs {
		if err := object.Unpack(obj, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Count returns the number of resident values.
func (ds *DataSource[T]) Count(ctx context.Context) (int, error) {
	return ds.c.CountObjects(ctx, ds.desc.Name)
}
