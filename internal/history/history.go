// Package history appends one CSV row per finished distribution session,
// giving operators a durable trail of what was pushed where.
package history

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record summarizes one distribution session.
type Record struct {
	Time            time.Time
	SessionID       string
	Version         string
	TotalBlocks     int
	Targets         int
	CompleteTargets int
	FailedTargets   []string
	Cancelled       bool
	Duration        time.Duration
}

// Log appends records to a CSV file, writing the header on first use.
// Appends are serialized in-process; CSV writes are buffered and would
// interleave otherwise.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog creates a log writing to path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

var header = []string{
	"timestamp",
	"session_id",
	"version",
	"total_blocks",
	"targets",
	"complete_targets",
	"failed_targets",
	"cancelled",
	"duration_ms",
}

// Append writes one record.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	info, err := os.Stat(l.path)
	writeHeader := err != nil || info.Size() == 0

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if writeHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}

	row := []string{
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.SessionID,
		rec.Version,
		strconv.Itoa(rec.TotalBlocks),
		strconv.Itoa(rec.Targets),
		strconv.Itoa(rec.CompleteTargets),
		strings.Join(rec.FailedTargets, ";"),
		strconv.FormatBool(rec.Cancelled),
		strconv.FormatInt(rec.Duration.Milliseconds(), 10),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
