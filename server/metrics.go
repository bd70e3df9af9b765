package server

import "time"

// Metrics exposes transaction-level observability hooks of a node.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Prepared is called when a participant votes ready.
	Prepared(node string)
	// Aborted is called when a participant votes abort; reason is an error kind.
	Aborted(node, reason string)
	Committed(node string)
	RolledBack(node string)
	// LockWait observes the time Prepare spent acquiring locks.
	LockWait(node string, d time.Duration)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Prepared(string)                {}
func (NoopMetrics) Aborted(string, string)         {}
func (NoopMetrics) Committed(string)               {}
func (NoopMetrics) RolledBack(string)              {}
func (NoopMetrics) LockWait(string, time.Duration) {}

var _ Metrics = NoopMetrics{}
