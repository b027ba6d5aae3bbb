// Package component defines the lifecycle contract shared by the service
// layer's long-running pieces: supervisors, the aggregator pool, and the
// sync scheduler.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not started
	StateCreated State = iota
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle is implemented by everything the service bridge starts and
// stops. Start receives the process context; Stop bounds shutdown with a
// grace period after which the caller proceeds anyway.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Managed pairs a lifecycle component with its bookkeeping. The bridge
// starts components in registration order and stops them in reverse.
type Managed struct {
	Name      string
	Component Lifecycle
	State     State
	LastError error
}
