// Package transport is the boundary to the radio mesh. The station only ever
// asks it to send a payload to an address (optionally requesting an ack) and
// consumes the asynchronous acknowledgment events it emits; framing, serial
// link handling and encryption live behind this interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned by Send when the link is down. The caller must
// route through the reconnection manager before retrying.
var ErrDisconnected = errors.New("radio link disconnected")

// SendOptions carries the per-message radio parameters.
type SendOptions struct {
	WantAck  bool
	HopLimit int
	Channel  int
}

// AckEvent is one asynchronous acknowledgment or negative-acknowledgment,
// keyed by the opaque message id returned from Send. An empty Error means
// success; From is the node address the event originated at.
type AckEvent struct {
	ID    string
	From  uint32
	Error string
}

// NodeInfo describes the connected radio itself.
type NodeInfo struct {
	Num uint32
}

// LinkQuality is the last observed signal data for a remote node.
type LinkQuality struct {
	SNR       float64
	Hops      int
	LastHeard time.Time
}

// Transport is consumed by the delivery core. Implementations must keep the
// Events channel valid across reconnects.
type Transport interface {
	// Connect (re-)establishes the link and returns the radio's identity.
	Connect(ctx context.Context) (NodeInfo, error)
	Connected() bool

	// Send hands a payload to the mesh and returns an opaque message id,
	// unique among concurrently pending messages.
	Send(ctx context.Context, payload []byte, dest uint32, opts SendOptions) (string, error)

	// Events delivers ack/nak events for the lifetime of the transport.
	Events() <-chan AckEvent

	// Quality reports the last known signal data for a node, if any.
	Quality(dest uint32) (LinkQuality, bool)

	// OnlineCounts reports how many known nodes were heard recently and how
	// many are known in total.
	OnlineCounts() (online, total int)

	Close() error
}
