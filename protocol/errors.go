package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures visible to clients.
type ErrorKind string

const (
	KindConditionNotSatisfied ErrorKind = "condition_not_satisfied"
	KindNodeUnavailable       ErrorKind = "node_unavailable"
	KindLockTimeout           ErrorKind = "lock_timeout"
	KindDuplicateKey          ErrorKind = "duplicate_key"
	KindNotFound              ErrorKind = "not_found"
	KindUnknownTransaction    ErrorKind = "unknown_transaction"
	KindCommitIncomplete      ErrorKind = "commit_incomplete"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindInternal              ErrorKind = "internal"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrConditionNotSatisfied = &Error{Kind: KindConditionNotSatisfied}
	ErrNodeUnavailable       = &Error{Kind: KindNodeUnavailable}
	ErrLockTimeout           = &Error{Kind: KindLockTimeout}
	ErrDuplicateKey          = &Error{Kind: KindDuplicateKey}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrUnknownTransaction    = &Error{Kind: KindUnknownTransaction}
	ErrCommitIncomplete      = &Error{Kind: KindCommitIncomplete}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
)

// Error is a structured failure. TxID is set for transaction failures and
// Node names the node that produced it, when known.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	TxID    string    `json:"tx_id,omitempty"`
	Node    string    `json:"node,omitempty"`
	Message string    `json:"message,omitempty"`
	cause   error
}

// Errorf builds an Error of kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of kind around cause.
func Wrap(kind ErrorKind, cause error) *Error {
	e := &Error{Kind: kind, cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithTx returns a copy of e bound to txID.
func (e *Error) WithTx(txID string) *Error {
	c := *e
	c.TxID = txID
	return &c
}

// WithNode returns a copy of e attributed to node.
func (e *Error) WithNode(node string) *Error {
	c := *e
	c.Node = node
	return &c
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.TxID != "" {
		msg += " (tx " + e.TxID + ")"
	}
	if e.Node != "" {
		msg += " on " + e.Node
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrLockTimeout)
// works regardless of message or transaction.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IsTransaction reports whether the error is a transaction outcome
// (an abort or an incomplete commit) rather than a plain request failure.
func (e *Error) IsTransaction() bool {
	switch e.Kind {
	case KindConditionNotSatisfied, KindLockTimeout, KindCommitIncomplete, KindUnknownTransaction:
		return true
	case KindNodeUnavailable:
		return e.TxID != ""
	default:
		return false
	}
}

// KindOf returns the kind of err, KindInternal for foreign errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// abortPriority ranks abort reasons; the coordinator reports the highest.
var abortPriority = map[ErrorKind]int{
	KindConditionNotSatisfied: 3,
	KindLockTimeout:           2,
	KindNodeUnavailable:       1,
}

// MoreSevere reports whether kind a outranks b as a transaction abort reason.
func MoreSevere(a, b ErrorKind) bool { return abortPriority[a] > abortPriority[b] }
