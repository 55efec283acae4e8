// Package receive implements the peer side of firmware distribution: a
// small state machine that verifies, writes and finalizes blocks into the
// inactive slot. Both the mesh callback and the periodic timeout sweep
// touch it, so every entry point takes the same lock and block handling
// is idempotent under duplicate delivery.
package receive

import (
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/slot"
	"meshota/internal/wire"
)

// BlockSize is the fixed fragment size used by distribution.
const BlockSize = 1024

// DefaultInactivityTimeout resets a stalled reception.
const DefaultInactivityTimeout = 30 * time.Second

// State is the receiver lifecycle.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Receiver accumulates one firmware image from mesh blocks.
type Receiver struct {
	slots *slot.Manager

	// InactivityTimeout resets reception when no block arrives in time.
	InactivityTimeout time.Duration

	mu        sync.Mutex
	state     State
	total     uint16
	size      uint32
	version   string
	bitmap    []bool
	received  int
	lastBlock time.Time
}

// NewReceiver builds an idle receiver over the given slots.
func NewReceiver(slots *slot.Manager) *Receiver {
	return &Receiver{slots: slots, InactivityTimeout: DefaultInactivityTimeout}
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Complete reports whether a finalized image sits in the inactive slot.
// This is the completion flag the reboot handshake checks.
func (r *Receiver) Complete() bool {
	return r.State() == StateComplete
}

// Version returns the version string announced by the last start message.
func (r *Receiver) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Start allocates reception state for an announced image. A start during
// an active reception restarts it from scratch.
func (r *Receiver) Start(msg wire.Start) error {
	if msg.TotalBlocks == 0 || msg.FirmwareSize == 0 {
		return fmt.Errorf("invalid start: %d blocks, %d bytes", msg.TotalBlocks, msg.FirmwareSize)
	}
	want := (msg.FirmwareSize + BlockSize - 1) / BlockSize
	if uint32(msg.TotalBlocks) != want {
		return fmt.Errorf("invalid start: %d blocks for %d bytes", msg.TotalBlocks, msg.FirmwareSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateReceiving {
		log.WithField("version", r.version).Warn("restarting reception")
	}
	if err := r.slots.Invalidate(); err != nil {
		return err
	}

	r.state = StateReceiving
	r.total = msg.TotalBlocks
	r.size = msg.FirmwareSize
	r.version = msg.Version
	r.bitmap = make([]bool, msg.TotalBlocks)
	r.received = 0
	r.lastBlock = time.Now()

	log.WithFields(log.Fields{
		"version": msg.Version,
		"blocks":  msg.TotalBlocks,
		"size":    msg.FirmwareSize,
	}).Info("reception started")
	return nil
}

// HandleBlock verifies and stores one block and returns the ack status to
// send back. Redelivery of an already-stored block acks success without a
// second write.
func (r *Receiver) HandleBlock(msg wire.Block) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateReceiving:
	case StateComplete:
		// The success ack for the last block can get lost, in which case
		// the gateway retransmits to a peer that already finalized. Those
		// redeliveries must keep acking success or a fully updated peer
		// gets marked failed for the session.
		if msg.TotalBlocks == r.total && int(msg.BlockNumber) < len(r.bitmap) && r.bitmap[msg.BlockNumber] {
			return wire.StatusOK
		}
		log.WithField("block", msg.BlockNumber).Warn("unexpected block after completion, rejected")
		return wire.StatusError
	default:
		log.WithField("block", msg.BlockNumber).Warn("block outside reception, rejected")
		return wire.StatusError
	}
	if msg.TotalBlocks != r.total || int(msg.BlockNumber) >= len(r.bitmap) {
		log.WithFields(log.Fields{"block": msg.BlockNumber, "total": msg.TotalBlocks}).
			Warn("block out of range, rejected")
		return wire.StatusError
	}

	r.lastBlock = time.Now()

	if r.bitmap[msg.BlockNumber] {
		// Duplicate delivery; already on flash.
		return wire.StatusOK
	}

	if crc32.ChecksumIEEE(msg.Data) != msg.Checksum {
		log.WithField("block", msg.BlockNumber).Warn("block checksum mismatch")
		return wire.StatusError
	}

	if err := r.slots.WriteInactiveAt(msg.Data, int64(msg.BlockNumber)*BlockSize); err != nil {
		log.WithFields(log.Fields{"block": msg.BlockNumber, "err": err}).Error("block write failed")
		return wire.StatusError
	}

	r.bitmap[msg.BlockNumber] = true
	r.received++

	if r.received == int(r.total) {
		r.finalizeLocked()
	}
	return wire.StatusOK
}

// finalizeLocked validates the assembled image. On failure the receiver
// drops back to idle with no completion flag, so a later reboot request
// correctly reports not ready.
func (r *Receiver) finalizeLocked() {
	hdr, err := r.slots.ValidateInactive()
	if err != nil {
		log.WithError(err).Error("image finalization failed")
		r.resetLocked()
		return
	}
	if hdr.TotalSize() != r.size {
		log.WithFields(log.Fields{"have": hdr.TotalSize(), "want": r.size}).
			Error("finalized image size mismatch")
		r.resetLocked()
		return
	}

	r.state = StateComplete
	log.WithFields(log.Fields{"version": hdr.Version, "size": r.size}).Info("reception complete")
}

// Sweep applies the inactivity timeout; the agent calls it periodically.
// Returns true when a stalled reception was reset.
func (r *Receiver) Sweep(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReceiving {
		return false
	}
	timeout := r.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	if now.Sub(r.lastBlock) < timeout {
		return false
	}

	log.WithFields(log.Fields{"received": r.received, "total": r.total}).
		Warn("reception timed out, resetting")
	r.resetLocked()
	return true
}

// OnDisconnect clears an in-flight reception when the mesh link drops.
func (r *Receiver) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReceiving {
		return
	}
	log.Warn("mesh disconnected during reception, resetting")
	r.resetLocked()
}

func (r *Receiver) resetLocked() {
	r.state = StateIdle
	r.total = 0
	r.size = 0
	r.version = ""
	r.bitmap = nil
	r.received = 0
}
