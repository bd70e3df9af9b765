// Package util contains internal helpers (hashing, striping, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/IvanBrykalov/txcache/object"
)

// HashID hashes an object identity (type name + primary key) with xxhash.
// Clients use it to pick the owning node, nodes use it to pick a lock stripe,
// so the mapping must stay stable across processes.
func HashID(id object.ObjectID) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(id.Type)
	var buf [9]byte
	buf[0] = byte(id.Key.Type)
	switch id.Key.Type {
	case object.StringKey:
		_, _ = d.Write(buf[:1])
		_, _ = d.WriteString(id.Key.Str)
	default:
		binary.LittleEndian.PutUint64(buf[1:], uint64(id.Key.Int))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// HashString hashes an arbitrary name (e.g. a sequence name).
func HashString(s string) uint64 { return xxhash.Sum64String(s) }
