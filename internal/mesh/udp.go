package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/wire"
)

// DefaultLivenessTTL is how recently a node must have been heard from to
// count towards mesh connectivity.
const DefaultLivenessTTL = 30 * time.Second

// UDPConfig describes a UDP rendition of the mesh link. Every node binds
// one socket; the gateway knows every peer's address, peers only know the
// gateway's.
type UDPConfig struct {
	// Listen is the local bind address, e.g. ":7070".
	Listen string
	// Peers maps node names to UDP addresses. For a peer node this is
	// just {gateway: addr}.
	Peers map[string]string
	// Gateway marks the node that distributes firmware. A gateway counts
	// as connected while any peer is live; a peer counts as connected
	// while the gateway is.
	Gateway bool
	// GatewayName is the node name peers track for connectivity.
	GatewayName string
	// LivenessTTL overrides DefaultLivenessTTL.
	LivenessTTL time.Duration
}

// UDPTransport is a single shared UDP socket with a read loop, one
// message per datagram.
type UDPTransport struct {
	conn    *net.UDPConn
	cfg     UDPConfig
	ttl     time.Duration
	addrs   map[string]*net.UDPAddr
	names   map[string]string // remote addr -> node name
	mu      sync.Mutex
	handler Handler
	seen    map[string]time.Time
}

// ListenUDP binds the socket and starts the read loop.
func ListenUDP(cfg UDPConfig) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		conn:  conn,
		cfg:   cfg,
		ttl:   cfg.LivenessTTL,
		addrs: map[string]*net.UDPAddr{},
		names: map[string]string{},
		seen:  map[string]time.Time{},
	}
	if t.ttl <= 0 {
		t.ttl = DefaultLivenessTTL
	}
	for name, addr := range cfg.Peers {
		ua, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		t.addrs[name] = ua
		t.names[ua.String()] = name
	}

	go t.readLoop()
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Send marshals and sends one message to a named node.
func (t *UDPTransport) Send(ctx context.Context, node string, msg wire.Message) error {
	addr, ok := t.addrs[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	raw, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	_, err = t.conn.WriteToUDP(raw, addr)
	return err
}

// Nodes returns the routing table.
func (t *UDPTransport) Nodes() []string {
	nodes := make([]string, 0, len(t.addrs))
	for name := range t.addrs {
		nodes = append(nodes, name)
	}
	return nodes
}

// Handle registers the receive callback.
func (t *UDPTransport) Handle(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connected reports mesh connectivity from liveness recency. A gateway
// with no configured peers is trivially connected.
func (t *UDPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.cfg.Gateway {
		if len(t.addrs) == 0 {
			return true
		}
		for _, at := range t.seen {
			if now.Sub(at) <= t.ttl {
				return true
			}
		}
		return false
	}
	at, ok := t.seen[t.cfg.GatewayName]
	return ok && now.Sub(at) <= t.ttl
}

// Close stops the read loop by closing the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		from, ok := t.names[raddr.String()]
		if !ok {
			log.WithField("addr", raddr.String()).Debug("datagram from unknown node, dropped")
			continue
		}

		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			log.WithFields(log.Fields{"from": from, "err": err}).Warn("undecodable mesh message")
			continue
		}

		t.mu.Lock()
		t.seen[from] = time.Now()
		h := t.handler
		t.mu.Unlock()

		if h != nil {
			h(from, msg)
		}
	}
}
