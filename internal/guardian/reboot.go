package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/version"
	"meshota/internal/wire"
)

// ErrNotReady aborts the reboot cycle when any target declines or fails
// to answer the prepare phase. No node reboots in that case.
var ErrNotReady = errors.New("reboot aborted: not all targets ready")

type prepareAckEvent struct {
	from string
	ack  wire.PrepareAck
}

// HandlePrepareAck routes a peer's prepare reply into a running
// handshake. Called from the mesh receive callback.
func (g *Guardian) HandlePrepareAck(from string, ack wire.PrepareAck) {
	select {
	case g.prepareAcks <- prepareAckEvent{from: from, ack: ack}:
	default:
	}
}

// HandlePrepareReboot is the peer side of the prepare phase: ready only
// if the block receiver finalized the image and the node's own downgrade
// check passes against its own slots.
func (g *Guardian) HandlePrepareReboot(msg wire.PrepareReboot) wire.PrepareAck {
	if g.ReadyCheck == nil || !g.ReadyCheck() {
		log.Info("prepare-reboot: image not complete, replying not ready")
		return wire.PrepareAck{Status: wire.StatusError}
	}
	if !g.checkpointPass() {
		return wire.PrepareAck{Status: wire.StatusError}
	}
	log.WithField("version", msg.Version).Info("prepare-reboot: ready")
	return wire.PrepareAck{Status: wire.StatusOK}
}

// checkpointPass is the last downgrade gate before a reboot: the node's
// own inactive image must be structurally valid and not a downgrade of
// its own active image.
// Unparseable version data is a veto, never permission.
func (g *Guardian) checkpointPass() bool {
	hdr, err := g.slots.ValidateInactive()
	if err != nil {
		log.WithError(err).Warn("prepare-reboot: inactive image invalid")
		return false
	}
	current, err := g.slots.ActiveVersion()
	if err != nil {
		log.WithError(err).Warn("prepare-reboot: active version unreadable")
		return false
	}
	if version.IsDowngrade(hdr.Version, current) {
		log.WithFields(log.Fields{"candidate": hdr.Version, "current": current}).
			Warn("prepare-reboot: downgrade veto")
		return false
	}
	return true
}

// CoordinateReboot drives the two-phase handshake from the gateway:
// prepare every target, and only if every single one replies ready send
// the reboot commit and restart locally. The cycle is cancellable via
// ctx until the commit messages go out.
func (g *Guardian) CoordinateReboot(ctx context.Context, timeout, delay time.Duration) error {
	if g.transport == nil {
		return errors.New("mesh transport not configured")
	}

	// The gateway holds itself to the same check as its peers.
	if !g.checkpointPass() {
		return fmt.Errorf("%w: gateway checkpoint failed", ErrNotReady)
	}
	hdr, err := g.slots.ValidateInactive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	targets := g.transport.Nodes()
	log.WithFields(log.Fields{
		"targets": len(targets),
		"version": hdr.Version,
		"timeout": timeout,
	}).Info("reboot prepare phase")

	// Drain stale replies from any earlier aborted cycle.
	for {
		select {
		case <-g.prepareAcks:
			continue
		default:
		}
		break
	}

	prep := wire.PrepareReboot{
		TimeoutSec: uint16(timeout / time.Second),
		Version:    hdr.Version,
	}
	for _, name := range targets {
		if err := g.transport.Send(ctx, name, prep); err != nil {
			return fmt.Errorf("%w: prepare send to %s: %v", ErrNotReady, name, err)
		}
	}

	if err := g.collectPrepareAcks(ctx, targets, timeout); err != nil {
		return err
	}

	// Commit. Past this point the cycle is no longer cancellable.
	log.WithField("delay", delay).Info("all targets ready, committing reboot")
	commit := wire.Reboot{DelayMS: uint16(delay / time.Millisecond)}
	for _, name := range targets {
		if err := g.transport.Send(context.Background(), name, commit); err != nil {
			log.WithFields(log.Fields{"target": name, "err": err}).
				Error("reboot commit send failed")
		}
	}

	return g.CommitReboot(delay)
}

func (g *Guardian) collectPrepareAcks(ctx context.Context, targets []string, timeout time.Duration) error {
	waiting := map[string]bool{}
	for _, name := range targets {
		waiting[name] = true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(waiting) > 0 {
		select {
		case ev := <-g.prepareAcks:
			if !waiting[ev.from] {
				continue
			}
			if ev.ack.Status != wire.StatusOK {
				// A single not-ready reply aborts the whole cycle.
				log.WithField("target", ev.from).Warn("target not ready")
				return fmt.Errorf("%w: %s declined", ErrNotReady, ev.from)
			}
			delete(waiting, ev.from)
		case <-timer.C:
			missing := make([]string, 0, len(waiting))
			for name := range waiting {
				missing = append(missing, name)
			}
			return fmt.Errorf("%w: no reply from %v", ErrNotReady, missing)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CommitReboot is the per-node commit: durably arm the rollback record,
// switch the boot pointer to the inactive slot, wait the delay and
// restart. The record write must land on disk before the restart or the
// rollback mechanism is unsound across power loss; Arm commits
// atomically before returning.
func (g *Guardian) CommitReboot(delay time.Duration) error {
	if err := Arm(g.store); err != nil {
		return fmt.Errorf("arming rollback record: %w", err)
	}
	if err := g.slots.SwitchBoot(); err != nil {
		return fmt.Errorf("switching boot pointer: %w", err)
	}
	log.WithField("delay", delay).Info("rebooting into new firmware")
	g.Restart(delay)
	return nil
}
