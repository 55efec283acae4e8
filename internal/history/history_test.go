package history

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppend_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.csv")
	l := NewLog(path)

	r1 := Record{
		Time:            time.Unix(1, 0).UTC(),
		SessionID:       "s1",
		Version:         "1.1.0",
		TotalBlocks:     4,
		Targets:         2,
		CompleteTargets: 2,
		Duration:        1500 * time.Millisecond,
	}
	r2 := Record{
		Time:          time.Unix(2, 0).UTC(),
		SessionID:     "s2",
		Version:       "1.2.0",
		TotalBlocks:   4,
		Targets:       2,
		FailedTargets: []string{"lamp-3", "lamp-7"},
		Cancelled:     true,
	}

	if err := l.Append(r1); err != nil {
		t.Fatalf("Append #1: %v", err)
	}
	if err := l.Append(r2); err != nil {
		t.Fatalf("Append #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}
}

func TestAppend_RowsParseBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.csv")
	l := NewLog(path)

	rec := Record{
		Time:            time.Unix(42, 0).UTC(),
		SessionID:       "abc-123",
		Version:         "2.0.0",
		TotalBlocks:     7,
		Targets:         3,
		CompleteTargets: 2,
		FailedTargets:   []string{"lamp-9"},
		Duration:        2 * time.Second,
	}
	if err := l.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
	row := rows[1]
	if row[1] != "abc-123" || row[2] != "2.0.0" || row[3] != "7" {
		t.Fatalf("row=%v", row)
	}
	if row[6] != "lamp-9" || row[7] != "false" || row[8] != "2000" {
		t.Fatalf("row=%v", row)
	}
}
