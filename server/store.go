package server

import (
	"sync"

	"github.com/google/btree"

	"github.com/IvanBrykalov/txcache/cache"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/wal"
)

const btreeDegree = 32

// pkItem orders primary keys in the store's btree.
type pkItem struct{ key object.KeyValue }

func (a pkItem) Less(than btree.Item) bool {
	return object.Compare(a.key, than.(pkItem).key) < 0
}

// DataStore holds the resident objects of one type on one node: the
// primary-key map, unique and index lookups, an ordered primary-key index
// and, when the type is bounded, the eviction queue.
//
// Readers take mu.RLock; every mutation happens under mu.Lock so that a
// scan never observes a partially applied transaction.
type DataStore struct {
	typ string

	mu      sync.RWMutex
	objects map[object.KeyValue]*object.CachedObject
	unique  map[string]map[object.KeyValue]object.KeyValue
	index   map[string]map[object.KeyValue]map[object.KeyValue]struct{}
	order   *btree.BTree
	queue   *cache.EvictionQueue // nil when unbounded
}

func newDataStore(typ string, tc TypeConfig, qm cache.Metrics) *DataStore {
	s := &DataStore{
		typ:     typ,
		objects: make(map[object.KeyValue]*object.CachedObject),
		unique:  make(map[string]map[object.KeyValue]object.KeyValue),
		index:   make(map[string]map[object.KeyValue]map[object.KeyValue]struct{}),
		order:   btree.New(btreeDegree),
	}
	if tc.Capacity > 0 {
		s.queue = cache.New(cache.Options{
			Type:          typ,
			Capacity:      tc.Capacity,
			EvictionCount: tc.EvictionCount,
			Metrics:       qm,
		})
	}
	return s
}

// Type returns the object type the store holds.
func (s *DataStore) Type() string { return s.typ }

// Get returns the object with primary key key and refreshes its recency.
func (s *DataStore) Get(key object.KeyValue) (*object.CachedObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if ok && s.queue != nil {
		s.queue.Touch(obj)
	}
	return obj, ok
}

// peek is Get without a recency refresh.
func (s *DataStore) peek(key object.KeyValue) *object.CachedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key]
}

// GetUnique resolves a unique key to its object.
func (s *DataStore) GetUnique(name string, value object.KeyValue) (*object.CachedObject, bool) {
	s.mu.RLock()
	pk, ok := s.unique[name][value]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(pk)
}

// Lookup returns the objects whose index (or list) key name contains value,
// in primary-key order.
func (s *DataStore) Lookup(name string, value object.KeyValue) []*object.CachedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.index[name][value]
	out := make([]*object.CachedObject, 0, len(set))
	s.order.Ascend(func(it btree.Item) bool {
		if _, ok := set[it.(pkItem).key]; ok {
			out = append(out, s.objects[it.(pkItem).key])
		}
		return len(out) < len(set)
	})
	return out
}

// Scan returns all resident objects in primary-key order.
func (s *DataStore) Scan() []*object.CachedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*object.CachedObject, 0, len(s.objects))
	s.order.Ascend(func(it btree.Item) bool {
		out = append(out, s.objects[it.(pkItem).key])
		return true
	})
	return out
}

// Count returns the number of resident objects.
func (s *DataStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Keys returns the resident primary keys from least to most recently used.
// For an unbounded store the order is primary-key order.
func (s *DataStore) Keys() []object.KeyValue {
	if s.queue != nil {
		return s.queue.Keys()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]object.KeyValue, 0, s.order.Len())
	s.order.Ascend(func(it btree.Item) bool {
		out = append(out, it.(pkItem).key)
		return true
	})
	return out
}

// uniqueConflict reports a unique key of obj that already belongs to a
// different object.
func (s *DataStore) uniqueConflict(obj *object.CachedObject) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uniqueConflictLocked(obj)
}

func (s *DataStore) uniqueConflictLocked(obj *object.CachedObject) error {
	for name, v := range obj.UniqueKeys {
		if owner, ok := s.unique[name][v]; ok && owner != obj.PrimaryKey {
			return protocol.Errorf(protocol.KindDuplicateKey,
				"%s.%s=%s already used by %s", s.typ, name, v, object.ObjectID{Type: s.typ, Key: owner})
		}
	}
	return nil
}

// apply performs one logged mutation. Caller holds mu.Lock.
func (s *DataStore) apply(r wal.Record) []*object.CachedObject {
	switch r.Op {
	case wal.OpPut:
		return s.putLocked(r.Object)
	case wal.OpDelete:
		s.removeLocked(r.Key)
	}
	return nil
}

// putLocked stores obj, replacing any object with the same primary key, and
// runs an eviction pass when the queue is full. Unique keys point at the
// latest writer. Returns the evicted objects.
func (s *DataStore) putLocked(obj *object.CachedObject) []*object.CachedObject {
	if old, ok := s.objects[obj.PrimaryKey]; ok {
		s.unindex(old)
		s.objects[obj.PrimaryKey] = obj
		s.indexObj(obj)
		if s.queue != nil {
			s.queue.Touch(obj)
		}
		return nil
	}

	s.objects[obj.PrimaryKey] = obj
	s.order.ReplaceOrInsert(pkItem{obj.PrimaryKey})
	s.indexObj(obj)
	if s.queue == nil {
		return nil
	}
	// The map and the queue change together under mu, so AddNew cannot
	// see a duplicate here.
	_ = s.queue.AddNew(obj)
	if !s.queue.EvictionRequired() {
		return nil
	}
	evicted := s.queue.Evict()
	for _, v := range evicted {
		s.dropLocked(v)
	}
	return evicted
}

// removeLocked deletes key; absent keys are ignored.
func (s *DataStore) removeLocked(key object.KeyValue) bool {
	obj, ok := s.objects[key]
	if !ok {
		return false
	}
	if s.queue != nil {
		s.queue.TryRemove(obj)
	}
	s.dropLocked(obj)
	return true
}

// dropLocked removes obj from the map and all indexes (not from the queue).
func (s *DataStore) dropLocked(obj *object.CachedObject) {
	s.unindex(obj)
	delete(s.objects, obj.PrimaryKey)
	s.order.Delete(pkItem{obj.PrimaryKey})
}

func (s *DataStore) indexObj(obj *object.CachedObject) {
	for name, v := range obj.UniqueKeys {
		m := s.unique[name]
		if m == nil {
			m = make(map[object.KeyValue]object.KeyValue)
			s.unique[name] = m
		}
		m[v] = obj.PrimaryKey
	}
	for name, vs := range obj.IndexKeys {
		m := s.index[name]
		if m == nil {
			m = make(map[object.KeyValue]map[object.KeyValue]struct{})
			s.index[name] = m
		}
		for _, v := range vs {
			set := m[v]
			if set == nil {
				set = make(map[object.KeyValue]struct{})
				m[v] = set
			}
			set[obj.PrimaryKey] = struct{}{}
		}
	}
}

func (s *DataStore) unindex(obj *object.CachedObject) {
	for name, v := range obj.UniqueKeys {
		if owner, ok := s.unique[name][v]; ok && owner == obj.PrimaryKey {
			delete(s.unique[name], v)
		}
	}
	for name, vs := range obj.IndexKeys {
		for _, v := range vs {
			set := s.index[name][v]
			delete(set, obj.PrimaryKey)
			if len(set) == 0 {
				delete(s.index[name], v)
			}
		}
	}
}
