// Package protocol defines what travels between clients and cache nodes:
// operations, the two-phase-commit messages, the Node contract implemented by
// servers and transports, and the structured error taxonomy.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IvanBrykalov/txcache/object"
)

// OpKind is the kind of a transactional operation.
type OpKind uint8

const (
	// OpPut stores the object, replacing any current value.
	OpPut OpKind = iota + 1
	// OpUpdateIf stores the object only if the predicate holds for the
	// current value; otherwise the whole transaction aborts.
	OpUpdateIf
	// OpDelete removes the object; deleting an absent object is a no-op.
	OpDelete
)

var opNames = map[OpKind]string{OpPut: "put", OpUpdateIf: "update_if", OpDelete: "delete"}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k OpKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *OpKind) UnmarshalText(b []byte) error {
	for v, s := range opNames {
		if s == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("protocol: unknown operation %q", b)
}

// Operation is one transactional write. Target identifies the object; Object
// carries the new packed value for puts and conditional updates; Predicate is
// the source of the condition for OpUpdateIf.
type Operation struct {
	Kind      OpKind               `json:"kind"`
	Target    object.ObjectID      `json:"target"`
	Object    *object.CachedObject `json:"object,omitempty"`
	Predicate string               `json:"predicate,omitempty"`
}

// PrepareRequest asks a participant to lock and validate its share of a
// transaction. Operations are in canonical order. OnePhase asks the
// participant to commit immediately after a successful prepare; the
// coordinator sets it only when the participant is the sole one.
type PrepareRequest struct {
	TxID       string      `json:"tx_id"`
	Operations []Operation `json:"operations"`
	OnePhase   bool        `json:"one_phase,omitempty"`
}

// Vote is a participant's answer to Prepare.
type Vote uint8

const (
	// VoteReady means locks are held and staged mutations await Commit.
	VoteReady Vote = iota + 1
	// VoteAbort means the participant refused; Reason says why.
	VoteAbort
)

func (v Vote) String() string {
	switch v {
	case VoteReady:
		return "ready"
	case VoteAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the vote by name.
func (v Vote) MarshalJSON() ([]byte, error) { return json.Marshal(v.String()) }

// UnmarshalJSON decodes a vote name.
func (v *Vote) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "ready":
		*v = VoteReady
	case "abort":
		*v = VoteAbort
	default:
		return fmt.Errorf("protocol: unknown vote %q", s)
	}
	return nil
}

// PrepareResponse carries the vote. For VoteAbort, Reason is the kind of the
// failure (ConditionNotSatisfied, LockTimeout, ...) and Message details it.
// Committed is set when a one-phase request was committed in the same call.
type PrepareResponse struct {
	Vote      Vote      `json:"vote"`
	Reason    ErrorKind `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Committed bool      `json:"committed,omitempty"`
}

// Ready reports whether the participant voted to commit.
func (r PrepareResponse) Ready() bool { return r.Vote == VoteReady }

// Node is what a cache node offers to clients, whether in-process or remote.
// All methods are safe for concurrent use.
type Node interface {
	// Get returns the object, or an error of kind NotFound.
	Get(ctx context.Context, typ string, key object.KeyValue) (*object.CachedObject, error)
	// Put stores obj outside any transaction.
	Put(ctx context.Context, obj *object.CachedObject) error
	// Delete removes an object outside any transaction; absent is a no-op.
	Delete(ctx context.Context, typ string, key object.KeyValue) error
	// Scan returns every resident object of typ in primary-key order.
	Scan(ctx context.Context, typ string) ([]*object.CachedObject, error)
	// Count returns the number of resident objects of typ.
	Count(ctx context.Context, typ string) (int, error)

	Prepare(ctx context.Context, req PrepareRequest) (PrepareResponse, error)
	Commit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) error

	// GenerateUniqueIDs reserves count consecutive values of the named
	// sequence. Values are never handed out twice, across restarts too when
	// the node is persistent.
	GenerateUniqueIDs(ctx context.Context, sequence string, count int) ([]int64, error)
	// Compact rewrites the node's persistence log from its current state.
	Compact(ctx context.Context) error
}
