package mesh

import (
	"context"
	"fmt"
	"sync"

	"meshota/internal/wire"
)

// MemNetwork is an in-process mesh used by tests: every joined node can
// reach every other, and a drop hook injects loss. Messages still round-
// trip through the wire codec so encoding bugs surface.
type MemNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemTransport
	drop  func(from, to string, msg wire.Message) bool
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: map[string]*MemTransport{}}
}

// SetDrop installs a loss hook; returning true discards the message.
func (n *MemNetwork) SetDrop(fn func(from, to string, msg wire.Message) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Join adds a node and returns its transport.
func (n *MemNetwork) Join(name string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{net: n, name: name, connected: true}
	n.nodes[name] = t
	return t
}

// MemTransport is one node's view of a MemNetwork.
type MemTransport struct {
	net  *MemNetwork
	name string

	mu        sync.Mutex
	handler   Handler
	connected bool
}

// Send delivers to the named node unless the drop hook eats it.
func (t *MemTransport) Send(_ context.Context, node string, msg wire.Message) error {
	raw, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	decoded, err := wire.Unmarshal(raw)
	if err != nil {
		return err
	}

	t.net.mu.Lock()
	dst, ok := t.net.nodes[node]
	drop := t.net.drop
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	if drop != nil && drop(t.name, node, decoded) {
		return nil
	}

	dst.mu.Lock()
	h := dst.handler
	dst.mu.Unlock()
	if h != nil {
		go h(t.name, decoded)
	}
	return nil
}

// Nodes lists every other joined node.
func (t *MemTransport) Nodes() []string {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	nodes := make([]string, 0, len(t.net.nodes)-1)
	for name := range t.net.nodes {
		if name != t.name {
			nodes = append(nodes, name)
		}
	}
	return nodes
}

// Handle registers the receive callback.
func (t *MemTransport) Handle(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connected reports the test-controlled connectivity flag.
func (t *MemTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetConnected flips the connectivity flag.
func (t *MemTransport) SetConnected(up bool) {
	t.mu.Lock()
	t.connected = up
	t.mu.Unlock()
}

// Close removes the node from the network.
func (t *MemTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.nodes, t.name)
	t.net.mu.Unlock()
	return nil
}
