package node

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/config"
	"meshota/internal/mesh"
	"meshota/internal/receive"
	"meshota/internal/wire"
)

// requestCooldown rate-limits the "request update" recovery path.
const requestCooldown = 30 * time.Second

// RunPeer is the long-running agent loop for a non-gateway node.
func RunPeer(ctx context.Context, cfg config.Config) error {
	b, err := bootstrap(cfg)
	if err != nil {
		return err
	}

	transport, err := mesh.ListenUDP(mesh.UDPConfig{
		Listen:      cfg.Node.MeshListen,
		Peers:       map[string]string{cfg.Node.GatewayName: cfg.Node.GatewayAddr},
		GatewayName: cfg.Node.GatewayName,
		LivenessTTL: b.livenessTTL(),
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	b.guard.SetTransport(transport)
	receiver := receive.NewReceiver(b.slots)
	b.guard.ReadyCheck = receiver.Complete

	h := &peerHandler{
		base:     b,
		receiver: receiver,
		mesh:     transport,
		gateway:  cfg.Node.GatewayName,
	}
	transport.Handle(h.handle)

	done := make(chan struct{})
	defer close(done)
	go b.guard.Observe(done)

	log.WithFields(log.Fields{
		"node":    cfg.Node.Name,
		"mesh":    transport.LocalAddr(),
		"gateway": cfg.Node.GatewayAddr,
	}).Info("peer agent running")

	sweepTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()

	wasConnected := transport.Connected()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-sweepTicker.C:
			receiver.Sweep(now)
			connected := transport.Connected()
			if wasConnected && !connected {
				receiver.OnDisconnect()
			}
			wasConnected = connected
		}
	}
}

// peerHandler dispatches mesh messages on the peer side. Block handling
// acks inline; the reboot commit runs on its own task because it sleeps.
type peerHandler struct {
	base     *base
	receiver *receive.Receiver
	mesh     mesh.Transport
	gateway  string

	mu          sync.Mutex
	lastRequest time.Time
}

func (h *peerHandler) handle(from string, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Heartbeat:
		// Liveness is tracked by the transport; nothing else to do.

	case wire.Start:
		if err := h.receiver.Start(m); err != nil {
			log.WithError(err).Warn("rejected start message")
		}

	case wire.Block:
		missedStart := h.receiver.State() == receive.StateIdle
		status := h.receiver.HandleBlock(m)
		ack := wire.Ack{BlockNumber: m.BlockNumber, Status: status}
		if err := h.mesh.Send(context.Background(), from, ack); err != nil {
			log.WithFields(log.Fields{"block": m.BlockNumber, "err": err}).Warn("ack send failed")
		}
		if missedStart {
			// Blocks without a preceding start mean we missed the session
			// broadcast; ask the gateway to re-serve us.
			h.requestUpdate()
		}

	case wire.PrepareReboot:
		ack := h.base.guard.HandlePrepareReboot(m)
		if err := h.mesh.Send(context.Background(), from, ack); err != nil {
			log.WithError(err).Warn("prepare-ack send failed")
		}

	case wire.Reboot:
		delay := time.Duration(m.DelayMS) * time.Millisecond
		go func() {
			if err := h.base.guard.CommitReboot(delay); err != nil {
				log.WithError(err).Error("reboot commit failed")
			}
		}()

	default:
		log.WithFields(log.Fields{"from": from, "cmd": msg.Cmd()}).Debug("ignoring message")
	}
}

func (h *peerHandler) requestUpdate() {
	h.mu.Lock()
	if time.Since(h.lastRequest) < requestCooldown {
		h.mu.Unlock()
		return
	}
	h.lastRequest = time.Now()
	h.mu.Unlock()

	log.Info("missed distribution start, requesting update")
	if err := h.mesh.Send(context.Background(), h.gateway, wire.Request{}); err != nil {
		log.WithError(err).Warn("update request failed")
	}
}
