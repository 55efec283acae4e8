package node

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/acquire"
	"meshota/internal/config"
	"meshota/internal/distribute"
	"meshota/internal/guardian"
	"meshota/internal/history"
	"meshota/internal/httpapi"
	"meshota/internal/mesh"
	"meshota/internal/uplink"
	"meshota/internal/wire"
)

// RunGateway is the long-running agent loop for the gateway node.
func RunGateway(ctx context.Context, cfg config.Config) error {
	b, err := bootstrap(cfg)
	if err != nil {
		return err
	}

	transport, err := mesh.ListenUDP(mesh.UDPConfig{
		Listen:      cfg.Node.MeshListen,
		Peers:       cfg.Gateway.Peers,
		Gateway:     true,
		LivenessTTL: b.livenessTTL(),
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	b.guard.SetTransport(transport)
	// The gateway has no block receiver; its image is ready once the
	// downloaded slot validates.
	b.guard.ReadyCheck = func() bool {
		_, err := b.slots.ValidateInactive()
		return err == nil
	}

	downloader := acquire.NewDownloader(b.slots)
	if len(cfg.Gateway.STUNServers) > 0 {
		servers := cfg.Gateway.STUNServers
		downloader.Uplink = func(ctx context.Context) error {
			return uplink.Check(ctx, servers, uplink.DefaultTimeout)
		}
	}

	coord := distribute.NewCoordinator(b.slots, transport)
	if cfg.Gateway.HistoryPath != "" {
		coord.History = history.NewLog(cfg.Gateway.HistoryPath)
	}

	h := &gatewayHandler{guard: b.guard, coord: coord}
	transport.Handle(h.handle)

	done := make(chan struct{})
	defer close(done)
	go b.guard.Observe(done)

	server := httpapi.NewServer(cfg.Gateway.Listen, downloader, coord, b.guard, b.slots)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe(ctx)
	}()

	log.WithFields(log.Fields{
		"node":  cfg.Node.Name,
		"mesh":  transport.LocalAddr(),
		"api":   cfg.Gateway.Listen,
		"peers": len(cfg.Gateway.Peers),
	}).Info("gateway agent running")

	heartbeatTicker := time.NewTicker(b.heartbeatInterval())
	defer heartbeatTicker.Stop()

	var counter uint8
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serverErr:
			return err
		case <-heartbeatTicker.C:
			counter++
			hb := wire.Heartbeat{Counter: counter}
			for _, name := range transport.Nodes() {
				if err := transport.Send(ctx, name, hb); err != nil {
					log.WithFields(log.Fields{"peer": name, "err": err}).Debug("heartbeat send failed")
				}
			}
		}
	}
}

// gatewayHandler dispatches mesh messages on the gateway side. It only
// routes events into the owning tasks and never blocks.
type gatewayHandler struct {
	guard *guardian.Guardian
	coord *distribute.Coordinator
}

func (h *gatewayHandler) handle(from string, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Ack:
		h.coord.HandleAck(from, m)

	case wire.Request:
		go func() {
			if err := h.coord.HandleRequest(context.Background(), from); err != nil {
				log.WithFields(log.Fields{"from": from, "err": err}).Warn("update request rejected")
			}
		}()

	case wire.PrepareAck:
		h.guard.HandlePrepareAck(from, m)

	default:
		log.WithFields(log.Fields{"from": from, "cmd": msg.Cmd()}).Debug("ignoring message")
	}
}
