package guardian

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/mesh"
	"meshota/internal/slot"
	"meshota/internal/store"
)

// DefaultObservationWindow is how long a freshly booted node must hold
// mesh connectivity before the rollback record is cleared.
const DefaultObservationWindow = 5 * time.Minute

// Guardian ties the rollback record to the slots and the mesh link of
// one node.
type Guardian struct {
	store     *store.Store
	slots     *slot.Manager
	transport mesh.Transport

	// ObservationWindow and PollInterval drive the post-boot monitor.
	ObservationWindow time.Duration
	PollInterval      time.Duration

	// ReadyCheck reports whether a finalized image sits in the inactive
	// slot; peers wire the block receiver's completion flag here.
	ReadyCheck func() bool

	// Restart replaces the running firmware process after the given
	// delay. The default sleeps and exits so a supervisor relaunches the
	// node from the new boot pointer.
	Restart func(delay time.Duration)

	prepareAcks chan prepareAckEvent
}

// New builds a Guardian. Transport may be set later via SetTransport once
// the mesh is up.
func New(st *store.Store, slots *slot.Manager) *Guardian {
	return &Guardian{
		store:             st,
		slots:             slots,
		ObservationWindow: DefaultObservationWindow,
		PollInterval:      5 * time.Second,
		Restart: func(delay time.Duration) {
			time.Sleep(delay)
			os.Exit(0)
		},
		prepareAcks: make(chan prepareAckEvent, 64),
	}
}

// SetTransport wires the mesh link used for connectivity checks and the
// reboot handshake.
func (g *Guardian) SetTransport(t mesh.Transport) {
	g.transport = t
}

// BootCheck runs first thing at startup, before the mesh comes up. It
// returns the action taken; for BootRollback it does not return — the
// boot pointer is switched back and the process restarts immediately.
func (g *Guardian) BootCheck() (BootAction, error) {
	rec := LoadRecord(g.store)
	action := Decide(rec)
	logRecord(rec, action)

	switch action {
	case BootNormal:
		return action, nil

	case BootAcceptUnverified:
		log.WithField("count", rec.Count).
			Warn("rollback budget exhausted, accepting update unverified")
		if err := ClearRecord(g.store); err != nil {
			return action, fmt.Errorf("clearing rollback record: %w", err)
		}
		return action, nil

	case BootRollback:
		// The counter increments on every rollback attempt, whatever the
		// underlying cause, so a slot-access failure spends budget too.
		if err := g.store.SetUint8(store.Namespace, KeyRollbackCount, rec.Count+1); err != nil {
			return action, fmt.Errorf("persisting rollback counter: %w", err)
		}
		log.WithFields(log.Fields{
			"attempt": rec.Count + 1,
			"max":     MaxRollbackAttempts,
		}).Warn("rolling back to previous firmware")
		if err := g.slots.SwitchBoot(); err != nil {
			log.WithError(err).Error("boot pointer switch failed, restarting anyway")
		}
		g.Restart(0)
		return action, nil

	default:
		return action, fmt.Errorf("unhandled boot action %v", action)
	}
}

// connStreak tracks one unbroken run of connected samples. Any
// disconnected sample restarts it from zero.
type connStreak struct {
	since time.Time
}

func (s *connStreak) sample(now time.Time, connected bool) {
	if !connected {
		s.since = time.Time{}
		return
	}
	if s.since.IsZero() {
		s.since = now
	}
}

// sustained reports whether the current streak is unbroken and at least
// min long.
func (s *connStreak) sustained(now time.Time, min time.Duration) bool {
	return !s.since.IsZero() && now.Sub(s.since) >= min
}

// Observe runs the post-boot observation window on its own task. It only
// ever clears the rollback record or leaves it alone; arming happens
// solely before a coordinated reboot, so the two paths cannot race.
//
// The record is cleared only when connectivity was established and then
// held unbroken for at least half the window. A node that was down the
// whole time and flaps up at the last poll stays armed; a node that held
// a long verified streak and then blips at the last poll is not condemned
// for it.
func (g *Guardian) Observe(done <-chan struct{}) {
	rec := LoadRecord(g.store)
	if !rec.Pending {
		return
	}

	window := g.ObservationWindow
	if window <= 0 {
		window = DefaultObservationWindow
	}
	poll := g.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	log.WithField("window", window).Info("observation window started")

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var streak connStreak
	verified := false
	for {
		select {
		case now := <-ticker.C:
			streak.sample(now, g.transport != nil && g.transport.Connected())
			if streak.sustained(now, window/2) {
				verified = true
			}
		case now := <-deadline.C:
			if verified || streak.sustained(now, window/2) {
				if err := ClearRecord(g.store); err != nil {
					log.WithError(err).Error("failed to clear rollback record")
					return
				}
				log.Info("update verified, rollback record cleared")
			} else {
				log.Warn("no sustained mesh connectivity, rollback stays armed")
			}
			return
		case <-done:
			return
		}
	}
}
