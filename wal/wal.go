// Package wal is a cache node's persistence log, stored in a bbolt file.
//
// Layout:
//
//	type:<name>  one bucket per object type; key = big-endian sequence,
//	             value = JSON Record. Appends only; replay walks keys in order.
//	prepared     key = transaction id, value = JSON []Record staged by a
//	             prepared but not yet committed transaction.
//	sequences    key = sequence name, value = big-endian last issued value.
//
// The log is the source of truth; a node's in-memory stores are rebuilt from
// it by Replay.
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/object"
)

// FileName is the log file created inside the node's data directory.
const FileName = "txcache.db"

var (
	bucketPrepared  = []byte("prepared")
	bucketSequences = []byte("sequences")
	typePrefix      = []byte("type:")
)

// Op is the kind of a logged mutation.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Record is one committed mutation. Object is set for puts only.
// TxID is empty for non-transactional writes.
type Record struct {
	Op     Op                   `json:"op"`
	Type   string               `json:"type"`
	Key    object.KeyValue      `json:"key"`
	Object *object.CachedObject `json:"object,omitempty"`
	TxID   string               `json:"tx_id,omitempty"`
}

// PutRecord logs obj as stored.
func PutRecord(obj *object.CachedObject, txID string) Record {
	return Record{Op: OpPut, Type: obj.Type, Key: obj.PrimaryKey, Object: obj, TxID: txID}
}

// DeleteRecord logs the removal of typ/key.
func DeleteRecord(typ string, key object.KeyValue, txID string) Record {
	return Record{Op: OpDelete, Type: typ, Key: key, TxID: txID}
}

// Options configures Open.
type Options struct {
	// NoSync skips fsync after each write transaction. Faster, not crash safe.
	NoSync bool
	// Timeout bounds waiting for the file lock held by another process.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Log is an open persistence log. Safe for concurrent use.
type Log struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the log in dir.
func Open(dir string, opt Options) (*Log, error) {
	if opt.Timeout <= 0 {
		opt.Timeout = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	path := filepath.Join(dir, FileName)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opt.Timeout, NoSync: opt.NoSync})
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPrepared); err != nil {
			return err
		} else if _, err := tx.CreateBucketIfNotExists(bucketSequences); err != nil {
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing buckets")
	}
	return &Log{db: db, path: path, logger: opt.Logger}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return errors.Wrap(l.db.Close(), "closing log")
}

// Append durably logs records in one write transaction.
func (l *Log) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return errors.Wrap(l.db.Update(func(tx *bolt.Tx) error {
		return appendRecords(tx, recs)
	}), "appending records")
}

// SavePrepared stores the staged records of a prepared transaction.
func (l *Log) SavePrepared(txID string, recs []Record) error {
	buf, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encoding prepared intent")
	}
	return errors.Wrapf(l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrepared).Put([]byte(txID), buf)
	}), "saving prepared intent %s", txID)
}

// Commit appends a transaction's records and drops its prepared intent in
// one write transaction: after a crash the log holds either both effects or
// neither.
func (l *Log) Commit(txID string, recs []Record) error {
	return errors.Wrapf(l.db.Update(func(tx *bolt.Tx) error {
		if err := appendRecords(tx, recs); err != nil {
			return err
		}
		return tx.Bucket(bucketPrepared).Delete([]byte(txID))
	}), "committing %s", txID)
}

// DiscardPrepared drops a prepared intent. Missing intents are ignored.
func (l *Log) DiscardPrepared(txID string) error {
	return errors.Wrapf(l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrepared).Delete([]byte(txID))
	}), "discarding prepared intent %s", txID)
}

// Prepared returns the prepared intents left in the log, by transaction id.
func (l *Log) Prepared() (map[string][]Record, error) {
	out := make(map[string][]Record)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrepared).ForEach(func(k, v []byte) error {
			var recs []Record
			if err := json.Unmarshal(v, &recs); err != nil {
				return errors.Wrapf(err, "decoding prepared intent %s", k)
			}
			out[string(k)] = recs
			return nil
		})
	})
	return out, errors.Wrap(err, "reading prepared intents")
}

// Replay calls fn for every logged record, type by type (in name order) and,
// within a type, in append order. It stops at the first error.
func (l *Log) Replay(fn func(Record) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		for _, name := range typeBuckets(tx) {
			b := tx.Bucket(name)
			if err := b.ForEach(func(k, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return errors.Wrapf(err, "decoding %s record %d", name, binary.BigEndian.Uint64(k))
				}
				return fn(rec)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the logged value of typ/key: the object of its last put
// record, or nil when its last record is a delete or it was never logged.
// It walks the type's records newest first.
func (l *Log) Latest(typ string, key object.KeyValue) (*object.CachedObject, error) {
	var obj *object.CachedObject
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(append(append([]byte(nil), typePrefix...), typ...))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decoding %s record %d", typ, binary.BigEndian.Uint64(k))
			}
			if rec.Key != key {
				continue
			}
			if rec.Op == OpPut {
				obj = rec.Object
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "looking up %s/%s", typ, key)
	}
	return obj, nil
}

// Compact rewrites every type bucket with one put record per live object,
// folding away overwritten values and deletions. Prepared intents and
// sequences are untouched. Returns the number of records dropped.
func (l *Log) Compact() (int, error) {
	dropped := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range typeBuckets(tx) {
			b := tx.Bucket(name)
			var recs []Record
			if err := b.ForEach(func(_, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			}); err != nil {
				return errors.Wrapf(err, "reading %s", name)
			}
			live := Fold(recs)
			dropped += len(recs) - len(live)

			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if len(live) == 0 {
				continue
			}
			fresh := make([]Record, 0, len(live))
			for _, obj := range live {
				fresh = append(fresh, PutRecord(obj, ""))
			}
			if err := appendRecords(tx, fresh); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "compacting log")
	}
	l.logger.Info("wal.compact", zap.String("path", l.path), zap.Int("dropped", dropped))
	return dropped, nil
}

// NextSequence reserves count values of the named sequence and returns the
// first. Values start at 1.
func (l *Log) NextSequence(name string, count int) (int64, error) {
	if count <= 0 {
		return 0, errors.Errorf("sequence %s: count must be positive, got %d", name, count)
	}
	var first uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		var last uint64
		if v := b.Get([]byte(name)); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		first = last + 1
		return b.Put([]byte(name), u64tob(last+uint64(count)))
	})
	if err != nil {
		return 0, errors.Wrapf(err, "reserving sequence %s", name)
	}
	return int64(first), nil
}

// Fold applies recs in order and returns the surviving objects sorted by
// primary key. It is the pure meaning of a type's log.
func Fold(recs []Record) []*object.CachedObject {
	state := make(map[object.KeyValue]*object.CachedObject)
	for _, r := range recs {
		switch r.Op {
		case OpPut:
			state[r.Key] = r.Object
		case OpDelete:
			delete(state, r.Key)
		}
	}
	out := make([]*object.CachedObject, 0, len(state))
	for _, obj := range state {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return object.Compare(out[i].PrimaryKey, out[j].PrimaryKey) < 0 })
	return out
}

func appendRecords(tx *bolt.Tx, recs []Record) error {
	for _, r := range recs {
		b, err := tx.CreateBucketIfNotExists(append(append([]byte(nil), typePrefix...), r.Type...))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		buf, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "encoding %s record", r.Type)
		}
		if err := b.Put(u64tob(seq), buf); err != nil {
			return err
		}
	}
	return nil
}

// typeBuckets lists the type bucket names in byte order.
func typeBuckets(tx *bolt.Tx) [][]byte {
	var names [][]byte
	_ = tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if bytes.HasPrefix(name, typePrefix) {
			names = append(names, append([]byte(nil), name...))
		}
		return nil
	})
	return names
}

func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
