// Package distribute implements the gateway side of firmware
// distribution: fragmenting the validated image in the inactive slot and
// driving the block/ack protocol against every peer. One background task
// exclusively owns the session; everything external goes through
// accessors that only touch flags and snapshots.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"meshota/internal/history"
	"meshota/internal/mesh"
	"meshota/internal/retry"
	"meshota/internal/slot"
	"meshota/internal/version"
	"meshota/internal/wire"
)

// BlockSize is the fixed fragment size.
const BlockSize = 1024

// DefaultAckWait bounds the per-block acknowledgement collection.
const DefaultAckWait = 5 * time.Second

// DefaultRetry is the per-block delivery budget: one send plus three
// retransmissions. No pause between attempts; the ack window already
// paces them.
var DefaultRetry = retry.Policy{MaxAttempts: 4}

var (
	// ErrBusy is returned when a session is already running.
	ErrBusy = errors.New("distribution already in progress")
	// ErrNoTargets is returned when the routing table is empty.
	ErrNoTargets = errors.New("no targets in routing table")
	// ErrDowngradeRejected is the pre-distribution downgrade veto.
	ErrDowngradeRejected = errors.New("downgrade rejected")

	errSessionAborted = errors.New("session aborted")
)

type ackEvent struct {
	from string
	ack  wire.Ack
}

type targetState struct {
	bitmap []bool
	acked  int
	failed bool
}

type session struct {
	id      string
	image   []byte
	hdr     slot.Header
	total   int
	started time.Time
	targets map[string]*targetState
}

// Status is a point-in-time snapshot of distribution state.
type Status struct {
	Active          bool     `json:"active"`
	SessionID       string   `json:"session_id,omitempty"`
	Version         string   `json:"version,omitempty"`
	TotalBlocks     int      `json:"total_blocks"`
	Progress        float64  `json:"progress"`
	Targets         int      `json:"targets"`
	CompleteTargets int      `json:"complete_targets"`
	FailedTargets   []string `json:"failed_targets,omitempty"`
}

// Coordinator drives distribution sessions. At most one session exists at
// a time.
type Coordinator struct {
	slots     *slot.Manager
	transport mesh.Transport

	// AckWait and Retry are settable before Start (tests shrink them).
	AckWait time.Duration
	Retry   retry.Policy
	// History, when set, records finished sessions.
	History *history.Log

	mu        sync.Mutex
	sess      *session
	cancelled atomic.Bool
	acks      chan ackEvent
	joins     chan string
}

// NewCoordinator builds an idle coordinator.
func NewCoordinator(slots *slot.Manager, transport mesh.Transport) *Coordinator {
	return &Coordinator{
		slots:     slots,
		transport: transport,
		AckWait:   DefaultAckWait,
		Retry:     DefaultRetry,
	}
}

// InProgress reports whether a session is running.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Status snapshots the running session.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return Status{}
	}
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	s := c.sess
	st := Status{
		Active:      true,
		SessionID:   s.id,
		Version:     s.hdr.Version,
		TotalBlocks: s.total,
		Targets:     len(s.targets),
	}
	acked := 0
	for name, t := range s.targets {
		acked += t.acked
		if t.failed {
			st.FailedTargets = append(st.FailedTargets, name)
		} else if t.acked == s.total {
			st.CompleteTargets++
		}
	}
	if s.total > 0 && len(s.targets) > 0 {
		st.Progress = float64(acked) / float64(s.total*len(s.targets))
	}
	return st
}

// Cancel requests cooperative session teardown. Idempotent.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.cancelled.Store(true)
	}
}

// HandleAck routes a peer's block acknowledgement into the session task.
// Called from the mesh receive callback; never blocks.
func (c *Coordinator) HandleAck(from string, ack wire.Ack) {
	c.mu.Lock()
	ch := c.acks
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ackEvent{from: from, ack: ack}:
	default:
		log.WithField("from", from).Warn("ack queue full, dropping")
	}
}

// HandleRequest serves an explicit update request from one peer. If a
// session is running the peer (re)joins it without disturbing the other
// targets; otherwise a session restricted to that peer starts.
func (c *Coordinator) HandleRequest(ctx context.Context, from string) error {
	c.mu.Lock()
	if c.sess != nil {
		ch := c.joins
		c.mu.Unlock()
		select {
		case ch <- from:
		default:
			log.WithField("from", from).Warn("join queue full, request dropped")
		}
		return nil
	}
	c.mu.Unlock()
	return c.Start(ctx, []string{from})
}

// StartAll begins a session against every node in the routing table.
func (c *Coordinator) StartAll(ctx context.Context) error {
	return c.Start(ctx, c.transport.Nodes())
}

// Start re-validates the image and the downgrade rule, creates the session and
// launches the background task. It returns once the session is running.
func (c *Coordinator) Start(ctx context.Context, targets []string) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}

	image, err := c.slots.ReadInactive()
	if err != nil {
		return fmt.Errorf("no distributable image: %w", err)
	}
	hdr, err := slot.ValidateImage(image)
	if err != nil {
		return fmt.Errorf("no distributable image: %w", err)
	}

	// The download path already vetoed downgrades, but the active slot may
	// have changed since, so the verdict is not reusable.
	current, err := c.slots.ActiveVersion()
	if err != nil {
		return fmt.Errorf("%w: active version unreadable: %v", ErrDowngradeRejected, err)
	}
	if version.IsDowngrade(hdr.Version, current) {
		return fmt.Errorf("%w: candidate %s, current %s", ErrDowngradeRejected, hdr.Version, current)
	}

	total := (len(image) + BlockSize - 1) / BlockSize

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	s := &session{
		id:      uuid.NewString(),
		image:   image,
		hdr:     hdr,
		total:   total,
		started: time.Now(),
		targets: map[string]*targetState{},
	}
	for _, name := range targets {
		s.targets[name] = &targetState{bitmap: make([]bool, total)}
	}
	c.sess = s
	c.cancelled.Store(false)
	c.acks = make(chan ackEvent, 256)
	c.joins = make(chan string, 16)
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"session": s.id,
		"version": hdr.Version,
		"blocks":  total,
		"targets": len(targets),
	}).Info("distribution started")

	go c.run(ctx, s)
	return nil
}

// run is the dedicated distribution task; it exclusively owns the
// session until teardown.
func (c *Coordinator) run(ctx context.Context, s *session) {
	defer c.teardown(s)

	c.broadcastStart(ctx, s, s.targetNames())

	// Pass loop: one pass sends every block to every target still
	// missing it. Targets joining mid-session via REQUEST pick up the
	// blocks they missed on the next pass.
	for {
		if c.sessionDone(s) || c.cancelled.Load() || ctx.Err() != nil {
			return
		}
		for block := 0; block < s.total; block++ {
			c.admitJoins(ctx, s)
			if c.cancelled.Load() || ctx.Err() != nil {
				return
			}
			c.deliverBlock(ctx, s, block)
		}
	}
}

func (c *Coordinator) broadcastStart(ctx context.Context, s *session, targets []string) {
	msg := wire.Start{
		TotalBlocks:  uint16(s.total),
		FirmwareSize: uint32(len(s.image)),
		Version:      s.hdr.Version,
	}
	for _, name := range targets {
		if err := c.transport.Send(ctx, name, msg); err != nil {
			log.WithFields(log.Fields{"target": name, "err": err}).Warn("start message failed")
		}
	}
}

// admitJoins drains pending REQUEST joins, resetting or adding the
// target and re-announcing the session to it.
func (c *Coordinator) admitJoins(ctx context.Context, s *session) {
	for {
		select {
		case name := <-c.joins:
			c.mu.Lock()
			s.targets[name] = &targetState{bitmap: make([]bool, s.total)}
			c.mu.Unlock()
			log.WithFields(log.Fields{"session": s.id, "target": name}).Info("target joined session")
			c.broadcastStart(ctx, s, []string{name})
		default:
			return
		}
	}
}

// deliverBlock sends one block to every target still missing it and
// collects acknowledgements. Each attempt comes out of the shared retry
// policy; targets that exhaust it are marked failed for the rest of the
// session and the others proceed.
func (c *Coordinator) deliverBlock(ctx context.Context, s *session, block int) {
	pending := c.pendingTargets(s, block)
	if len(pending) == 0 {
		return
	}

	data := s.blockData(block)
	msg := wire.Block{
		BlockNumber: uint16(block),
		TotalBlocks: uint16(s.total),
		Checksum:    crc32.ChecksumIEEE(data),
		Data:        data,
	}

	attempt := 0
	_ = c.Retry.Do(ctx, func() error {
		if c.cancelled.Load() || ctx.Err() != nil {
			return retry.Permanent(errSessionAborted)
		}
		attempt++
		if attempt > 1 {
			log.WithFields(log.Fields{
				"block":   block,
				"attempt": attempt,
				"targets": len(pending),
			}).Info("retrying block")
		}

		for name := range pending {
			if err := c.transport.Send(ctx, name, msg); err != nil {
				log.WithFields(log.Fields{"target": name, "block": block, "err": err}).
					Warn("block send failed")
			}
		}

		c.collectAcks(ctx, s, block, pending)
		if len(pending) > 0 {
			return fmt.Errorf("%d targets missing block %d", len(pending), block)
		}
		return nil
	})

	if c.cancelled.Load() || ctx.Err() != nil {
		return
	}
	for name := range pending {
		c.mu.Lock()
		s.targets[name].failed = true
		c.mu.Unlock()
		log.WithFields(log.Fields{
			"session": s.id,
			"target":  name,
			"block":   block,
		}).Error("target failed permanently for this session")
	}
}

// collectAcks waits up to AckWait, removing targets from pending as their
// success acks arrive. Once every pending target has answered, success or
// error, waiting any longer cannot change the outcome, so the wait ends
// early and error-acked targets go straight to the next attempt. This is
// the only intentional blocking wait in the distribution task.
func (c *Coordinator) collectAcks(ctx context.Context, s *session, block int, pending map[string]bool) {
	timer := time.NewTimer(c.AckWait)
	defer timer.Stop()

	errored := map[string]bool{}
	for len(pending) > 0 {
		select {
		case ev := <-c.acks:
			if int(ev.ack.BlockNumber) != block || !pending[ev.from] {
				continue
			}
			if ev.ack.Status != wire.StatusOK {
				log.WithFields(log.Fields{"target": ev.from, "block": block}).
					Warn("target reported block error")
				errored[ev.from] = true
				if len(errored) == len(pending) {
					return
				}
				continue
			}
			c.mu.Lock()
			t := s.targets[ev.from]
			if t != nil && !t.bitmap[block] {
				t.bitmap[block] = true
				t.acked++
			}
			c.mu.Unlock()
			delete(pending, ev.from)
			delete(errored, ev.from)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) pendingTargets(s *session, block int) map[string]bool {
	pending := map[string]bool{}
	c.mu.Lock()
	for name, t := range s.targets {
		if !t.failed && !t.bitmap[block] {
			pending[name] = true
		}
	}
	c.mu.Unlock()
	return pending
}

func (c *Coordinator) sessionDone(s *session) bool {
	// Drain joins first so a freshly requested target keeps the session
	// alive for another pass.
	c.admitJoins(context.Background(), s)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range s.targets {
		if !t.failed && t.acked < s.total {
			return false
		}
	}
	return true
}

func (s *session) blockData(block int) []byte {
	start := block * BlockSize
	end := start + BlockSize
	if end > len(s.image) {
		end = len(s.image)
	}
	return s.image[start:end]
}

func (s *session) targetNames() []string {
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) teardown(s *session) {
	c.mu.Lock()
	st := c.statusLocked()
	cancelled := c.cancelled.Load()
	c.sess = nil
	c.acks = nil
	c.joins = nil
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"session":   s.id,
		"complete":  st.CompleteTargets,
		"targets":   st.Targets,
		"failed":    len(st.FailedTargets),
		"cancelled": cancelled,
	}).Info("distribution finished")

	if c.History != nil {
		rec := history.Record{
			Time:            time.Now(),
			SessionID:       s.id,
			Version:         s.hdr.Version,
			TotalBlocks:     s.total,
			Targets:         st.Targets,
			CompleteTargets: st.CompleteTargets,
			FailedTargets:   st.FailedTargets,
			Cancelled:       cancelled,
			Duration:        time.Since(s.started),
		}
		if err := c.History.Append(rec); err != nil {
			log.WithError(err).Warn("failed to append distribution history")
		}
	}
}
