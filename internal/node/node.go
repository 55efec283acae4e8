// Package node hosts the long-running agent loops: every device runs the
// peer duties (receive blocks, answer the reboot handshake), and the
// gateway additionally serves the control API, acquires images and
// drives distribution.
package node

import (
	"fmt"
	"path/filepath"
	"time"

	"meshota/internal/config"
	"meshota/internal/guardian"
	"meshota/internal/slot"
	"meshota/internal/store"
	"meshota/internal/version"

	log "github.com/sirupsen/logrus"
)

// base is the state shared by both roles.
type base struct {
	cfg   config.Config
	store *store.Store
	slots *slot.Manager
	guard *guardian.Guardian
}

// bootstrap opens persistent state and runs the boot-time rollback
// check. On a rollback decision the process restarts inside BootCheck
// and never returns here.
func bootstrap(cfg config.Config) (*base, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "state.yaml"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	slots, err := slot.Open(filepath.Join(cfg.Node.DataDir, "slots"))
	if err != nil {
		return nil, fmt.Errorf("opening slots: %w", err)
	}

	guard := guardian.New(st, slots)
	if _, err := guard.BootCheck(); err != nil {
		return nil, err
	}

	if running, err := slots.ActiveVersion(); err != nil {
		log.WithError(err).Warn("no active firmware image, version sync skipped")
	} else {
		log.WithFields(log.Fields{"node": cfg.Node.Name, "version": running}).Info("booted")
		if err := version.Sync(st, running); err != nil {
			log.WithError(err).Warn("firmware version sync failed")
		}
	}

	return &base{cfg: cfg, store: st, slots: slots, guard: guard}, nil
}

func (b *base) livenessTTL() time.Duration {
	return time.Duration(b.cfg.Node.LivenessSec) * time.Second
}

func (b *base) heartbeatInterval() time.Duration {
	return time.Duration(b.cfg.Node.HeartbeatSec) * time.Second
}
