// Package mesh abstracts the radio link the OTA protocol runs over. The
// protocol only needs point-to-point send, a receive callback, the
// routing table (everyone but self) and a connectivity signal; everything
// else about the mesh stays behind this interface.
package mesh

import (
	"context"
	"errors"

	"meshota/internal/wire"
)

// ErrUnknownNode is returned when sending to a node that is not in the
// routing table.
var ErrUnknownNode = errors.New("unknown mesh node")

// Handler receives every decoded message along with the sender's node
// name. Handlers must not block; long work belongs on the caller's own
// task.
type Handler func(from string, msg wire.Message)

// Transport is the mesh link as seen by the OTA subsystem.
type Transport interface {
	// Send delivers one message to a named node.
	Send(ctx context.Context, node string, msg wire.Message) error
	// Nodes enumerates the routing table, excluding self.
	Nodes() []string
	// Handle registers the receive callback. Only one handler is active;
	// registering replaces the previous one.
	Handle(h Handler)
	// Connected reports whether this node currently considers itself
	// joined to the mesh.
	Connected() bool
	// Close tears the transport down.
	Close() error
}
