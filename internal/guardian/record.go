// Package guardian owns the layered post-update safety net: the
// persisted rollback record, the boot-time decision, the post-boot
// observation window and the two-phase coordinated reboot handshake.
package guardian

import (
	log "github.com/sirupsen/logrus"

	"meshota/internal/store"
)

// Persisted keys in the "mesh" namespace. Presence of KeyRollbackPending
// is the pending flag.
const (
	KeyRollbackPending = "ota_rollback"
	KeyRollbackCount   = "ota_rollback_count"
)

// MaxRollbackAttempts bounds the rollback loop. At the limit the update
// is accepted unverified rather than ping-ponging between slots forever.
const MaxRollbackAttempts = 3

// Record is the in-memory form of the persisted rollback state.
type Record struct {
	Pending bool
	Count   uint8
}

// LoadRecord reads the rollback record. Corrupt or missing fields degrade
// to the fail-open defaults: a missing flag means no rollback pending, an
// unreadable counter reads as zero.
func LoadRecord(st *store.Store) Record {
	rec := Record{Pending: st.Has(store.Namespace, KeyRollbackPending)}
	if rec.Pending {
		rec.Count, _ = st.GetUint8(store.Namespace, KeyRollbackCount)
	}
	return rec
}

// Arm persists pending=true with the counter reset. Called immediately
// before any post-update coordinated reboot, and nowhere else.
func Arm(st *store.Store) error {
	if err := st.SetUint8(store.Namespace, KeyRollbackPending, 1); err != nil {
		return err
	}
	return st.SetUint8(store.Namespace, KeyRollbackCount, 0)
}

// ClearRecord removes both fields.
func ClearRecord(st *store.Store) error {
	if err := st.Delete(store.Namespace, KeyRollbackPending); err != nil {
		return err
	}
	return st.Delete(store.Namespace, KeyRollbackCount)
}

// BootAction is the verdict of the boot-time check.
type BootAction int

const (
	// BootNormal continues the boot unchanged.
	BootNormal BootAction = iota
	// BootAcceptUnverified clears the record and boots: the rollback
	// budget is spent and a booting device beats a guaranteed-good one.
	BootAcceptUnverified
	// BootRollback switches back to the previous slot and restarts.
	BootRollback
)

func (a BootAction) String() string {
	switch a {
	case BootNormal:
		return "normal"
	case BootAcceptUnverified:
		return "accept-unverified"
	case BootRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Decide maps a persisted record to a boot action. Pure function; the
// whole reboot-driven state machine is testable through it without a
// real reboot.
func Decide(rec Record) BootAction {
	if !rec.Pending {
		return BootNormal
	}
	if rec.Count >= MaxRollbackAttempts {
		return BootAcceptUnverified
	}
	return BootRollback
}

func logRecord(rec Record, action BootAction) {
	log.WithFields(log.Fields{
		"pending": rec.Pending,
		"count":   rec.Count,
		"action":  action.String(),
	}).Info("rollback record checked")
}
