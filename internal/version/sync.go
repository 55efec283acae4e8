package version

import (
	log "github.com/sirupsen/logrus"

	"meshota/internal/store"
)

// KeyFirmwareVersion is the persisted mirror of the running firmware
// version, kept for diagnostics across reboots.
const KeyFirmwareVersion = "fw_version"

// Sync reconciles the persisted fw_version key with the version of the
// image a node actually booted. The stored value only ever moves forward;
// a stored version newer than the running one is kept, since that state
// occurs legitimately right after a rollback.
func Sync(st *store.Store, running string) error {
	if _, err := Parse(running); err != nil {
		return err
	}

	stored, ok := st.GetString(store.Namespace, KeyFirmwareVersion)
	if !ok {
		log.WithField("version", running).Info("no stored firmware version, initializing")
		return st.SetString(store.Namespace, KeyFirmwareVersion, running)
	}

	cmp, err := Compare(running, stored)
	if err != nil {
		// Stored value is garbage; replace it with something parseable.
		log.WithFields(log.Fields{"stored": stored, "running": running}).
			Warn("stored firmware version unreadable, overwriting")
		return st.SetString(store.Namespace, KeyFirmwareVersion, running)
	}

	switch {
	case cmp > 0:
		log.WithFields(log.Fields{"from": stored, "to": running}).Info("firmware version updated")
		return st.SetString(store.Namespace, KeyFirmwareVersion, running)
	case cmp < 0:
		log.WithFields(log.Fields{"stored": stored, "running": running}).
			Warn("stored firmware version is newer than running, keeping stored")
		return nil
	default:
		return nil
	}
}
