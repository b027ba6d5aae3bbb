// Package transport defines the connector contract shared by the pub/sub
// and wireless transports. A connector owns one logical connection and
// reports its lifecycle and incoming frames as typed events on a channel;
// the connection supervisor and the ingestion pipeline are consumers, not
// callback registries.
package transport

import (
	"context"
	"time"

	"github.com/Joothis/myozen/telemetry"
)

// EventKind discriminates connector events.
type EventKind int

// Connector event kinds
const (
	EventConnected EventKind = iota
	EventDisconnected
	EventFrame
	EventError
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TopicKind tags which topic family a pub/sub frame arrived on.
type TopicKind int

// Topic families
const (
	TopicData TopicKind = iota
	TopicStatus
)

// Event is one connector occurrence: a lifecycle change, a raw frame, or
// a transport error.
type Event struct {
	Kind     EventKind
	DeviceID string
	Payload  []byte
	Topic    TopicKind
	Source   telemetry.Source
	Err      error
	At       time.Time
}

// Connector is the contract both transports implement. Connect blocks
// until the connection is established or ctx expires. Events delivers
// lifecycle and frame events until Disconnect; the channel is closed when
// the connector will produce no further events.
type Connector interface {
	// Name identifies the connection for status reporting and logs.
	Name() string

	// Source reports which transport this connector speaks.
	Source() telemetry.Source

	// Connect establishes the connection (and, for the wireless
	// transport, runs discovery and per-device handshakes). It must
	// respect ctx cancellation and never block indefinitely.
	Connect(ctx context.Context) error

	// Subscribe narrows the device filter for frame delivery. The pub/sub
	// connector subscribes its topic families for the filter; the
	// wireless connector restricts which discovered devices emit.
	// An empty filter means all devices.
	Subscribe(filter string) error

	// Send transmits a payload to a device or topic. Best effort; used
	// for acknowledgments and device commands.
	Send(ctx context.Context, target string, payload []byte) error

	// Events returns the connector's event stream.
	Events() <-chan Event

	// Disconnect tears the connection down, bounded by timeout.
	Disconnect(timeout time.Duration) error
}
