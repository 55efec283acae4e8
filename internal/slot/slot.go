// Package slot manages the two firmware storage slots and the boot
// pointer, mirroring a dual-partition OTA layout on disk. Exactly one
// slot is active at a time; downloads and mesh reception only ever touch
// the inactive slot.
package slot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const bootFile = "boot.yaml"

// ErrNoImage is returned when a slot holds no firmware image.
var ErrNoImage = errors.New("slot holds no image")

type bootPointer struct {
	Active int `yaml:"active"`
}

// Manager owns the slot directory and the persisted boot pointer.
type Manager struct {
	dir string

	mu     sync.Mutex
	active int
}

// Open prepares the slot directory and loads the boot pointer. A missing
// pointer file means slot 0 is active.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	m := &Manager{dir: dir}
	raw, err := os.ReadFile(filepath.Join(dir, bootFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}

	var bp bootPointer
	if err := yaml.Unmarshal(raw, &bp); err != nil {
		return nil, fmt.Errorf("boot pointer: %w", err)
	}
	if bp.Active != 0 && bp.Active != 1 {
		return nil, fmt.Errorf("boot pointer: invalid slot %d", bp.Active)
	}
	m.active = bp.Active
	return m, nil
}

// Active returns the index of the active slot.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Inactive returns the index of the inactive slot.
func (m *Manager) Inactive() int {
	return 1 - m.Active()
}

func (m *Manager) slotPath(idx int) string {
	return filepath.Join(m.dir, fmt.Sprintf("slot%d.bin", idx))
}

// ActiveVersion reads the version embedded in the active image header.
// This is the node's current firmware version; it is never read from
// separately mutable storage.
func (m *Manager) ActiveVersion() (string, error) {
	hdr, err := readHeader(m.slotPath(m.Active()))
	if err != nil {
		return "", err
	}
	return hdr.Version, nil
}

// InactiveVersion reads the version embedded in the inactive image header.
func (m *Manager) InactiveVersion() (string, error) {
	hdr, err := readHeader(m.slotPath(m.Inactive()))
	if err != nil {
		return "", err
	}
	return hdr.Version, nil
}

// OpenInactive truncates the inactive slot and returns a writer for a
// streaming download.
func (m *Manager) OpenInactive() (*Writer, error) {
	path := m.slotPath(m.Inactive())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, path: path}, nil
}

// WriteInactiveAt writes a block at the given offset in the inactive slot,
// creating the file if needed. Used by the block receiver for out-of-order
// delivery.
func (m *Manager) WriteInactiveAt(p []byte, off int64) error {
	f, err := os.OpenFile(m.slotPath(m.Inactive()), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(p, off); err != nil {
		return err
	}
	return f.Sync()
}

// ReadInactive returns the full contents of the inactive slot.
func (m *Manager) ReadInactive() ([]byte, error) {
	raw, err := os.ReadFile(m.slotPath(m.Inactive()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoImage
		}
		return nil, err
	}
	return raw, nil
}

// ValidateInactive runs structural validation over the inactive slot and
// returns its header.
func (m *Manager) ValidateInactive() (Header, error) {
	raw, err := m.ReadInactive()
	if err != nil {
		return Header{}, err
	}
	return ValidateImage(raw)
}

// Invalidate discards whatever the inactive slot holds.
func (m *Manager) Invalidate() error {
	err := os.Remove(m.slotPath(m.Inactive()))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InstallActive writes an image directly into the active slot. Only used
// at provisioning time to seed a node; the update path never does this.
func (m *Manager) InstallActive(image []byte) error {
	if _, err := ValidateImage(image); err != nil {
		return err
	}
	return renameio.WriteFile(m.slotPath(m.Active()), image, 0o644)
}

// SwitchBoot points the boot pointer at the inactive slot and durably
// commits it. The caller restarts afterwards.
func (m *Manager) SwitchBoot() error {
	return m.SetBoot(m.Inactive())
}

// SetBoot points the boot pointer at the given slot and durably commits.
func (m *Manager) SetBoot(idx int) error {
	if idx != 0 && idx != 1 {
		return fmt.Errorf("invalid slot %d", idx)
	}
	raw, err := yaml.Marshal(bootPointer{Active: idx})
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(m.dir, bootFile), raw, 0o644); err != nil {
		return err
	}
	m.mu.Lock()
	m.active = idx
	m.mu.Unlock()
	return nil
}

// Writer streams bytes into the inactive slot.
type Writer struct {
	f    *os.File
	path string
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close syncs and closes the slot file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Abort closes the writer and removes the partial image.
func (w *Writer) Abort() error {
	w.f.Close()
	err := os.Remove(w.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, ErrNoImage
		}
		return Header{}, err
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, fmt.Errorf("%w: short header", ErrNoImage)
	}
	return ParseHeader(buf)
}
