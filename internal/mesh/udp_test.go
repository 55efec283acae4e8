package mesh

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"meshota/internal/wire"
)

// reserveAddr grabs an ephemeral localhost UDP port and releases it so a
// transport can bind it. Mildly racy, acceptable in tests.
func reserveAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestUDP_SendReceiveAndLiveness(t *testing.T) {
	t.Parallel()

	gwAddr := reserveAddr(t)
	peerAddr := reserveAddr(t)

	gw, err := ListenUDP(UDPConfig{
		Listen:      gwAddr,
		Peers:       map[string]string{"lamp-1": peerAddr},
		Gateway:     true,
		LivenessTTL: time.Second,
	})
	if err != nil {
		t.Fatalf("gateway ListenUDP: %v", err)
	}
	defer gw.Close()

	peer, err := ListenUDP(UDPConfig{
		Listen:      peerAddr,
		Peers:       map[string]string{"gateway": gwAddr},
		GatewayName: "gateway",
		LivenessTTL: time.Second,
	})
	if err != nil {
		t.Fatalf("peer ListenUDP: %v", err)
	}
	defer peer.Close()

	if peer.Connected() {
		t.Fatalf("peer connected before any heartbeat")
	}
	if gw.Connected() {
		t.Fatalf("gateway connected before hearing a peer")
	}

	peerGot := make(chan wire.Message, 1)
	peer.Handle(func(from string, msg wire.Message) {
		if from == "gateway" {
			select {
			case peerGot <- msg:
			default:
			}
		}
	})
	gwGot := make(chan wire.Message, 1)
	gw.Handle(func(from string, msg wire.Message) {
		if from == "lamp-1" {
			select {
			case gwGot <- msg:
			default:
			}
		}
	})

	if err := gw.Send(context.Background(), "lamp-1", wire.Heartbeat{Counter: 7}); err != nil {
		t.Fatalf("gateway Send: %v", err)
	}
	select {
	case msg := <-peerGot:
		hb, ok := msg.(wire.Heartbeat)
		if !ok || hb.Counter != 7 {
			t.Fatalf("got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat never arrived")
	}
	if !peer.Connected() {
		t.Fatalf("peer not connected after heartbeat")
	}

	if err := peer.Send(context.Background(), "gateway", wire.Ack{BlockNumber: 3, Status: wire.StatusOK}); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	select {
	case msg := <-gwGot:
		ack, ok := msg.(wire.Ack)
		if !ok || ack.BlockNumber != 3 {
			t.Fatalf("got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ack never arrived")
	}
	if !gw.Connected() {
		t.Fatalf("gateway not connected after hearing peer")
	}
}

func TestUDP_UnknownNode(t *testing.T) {
	t.Parallel()

	tr, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer tr.Close()

	err = tr.Send(context.Background(), "ghost", wire.Request{})
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("err=%v", err)
	}
}

func TestUDP_GatewayWithNoPeersIsConnected(t *testing.T) {
	t.Parallel()

	tr, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0", Gateway: true})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer tr.Close()

	if !tr.Connected() {
		t.Fatalf("solo gateway should count as connected")
	}
}

func TestUDP_LivenessExpires(t *testing.T) {
	t.Parallel()

	gwAddr := reserveAddr(t)
	peerAddr := reserveAddr(t)

	gw, err := ListenUDP(UDPConfig{
		Listen:      gwAddr,
		Peers:       map[string]string{"lamp-1": peerAddr},
		Gateway:     true,
		LivenessTTL: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer gw.Close()

	peer, err := ListenUDP(UDPConfig{
		Listen:      peerAddr,
		Peers:       map[string]string{"gateway": gwAddr},
		GatewayName: "gateway",
		LivenessTTL: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer peer.Close()

	got := make(chan struct{}, 1)
	gw.Handle(func(string, wire.Message) {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	if err := peer.Send(context.Background(), "gateway", wire.Heartbeat{Counter: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("datagram never arrived")
	}
	if !gw.Connected() {
		t.Fatalf("gateway should be connected right after hearing the peer")
	}

	time.Sleep(100 * time.Millisecond)
	if gw.Connected() {
		t.Fatalf("liveness should have expired")
	}
}
