package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d log files, want 1", len(matches))
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	var out []map[string]any
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestAuditLoggerWritesCompressedJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	entries := []AuditEntry{
		{At: time.Now().UTC(), Op: "create_evaluator", EvaluatorID: "e1", State: "CREATED"},
		{At: time.Now().UTC(), Op: "create_world", EvaluatorID: "e1", State: "WORLD_READY"},
		{At: time.Now().UTC(), Op: "evaluate_fitness", EvaluatorID: "e1", Error: "deadline exceeded"},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readEntries(t, filepath.Join(dir, "audit"))
	if len(got) != len(entries) {
		t.Fatalf("read %d entries, want %d", len(got), len(entries))
	}
	if got[0]["op"] != "create_evaluator" || got[0]["evaluator_id"] != "e1" {
		t.Fatalf("first entry = %v", got[0])
	}
	if got[2]["error"] != "deadline exceeded" {
		t.Fatalf("third entry = %v", got[2])
	}
}

func TestRunLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLogger(dir)
	if err := l.WriteRun(RunEntry{
		At:          time.Now().UTC(),
		EvaluatorID: "e9",
		Category:    "static",
		Dimension:   6,
		Score:       9216,
		Ticks:       2944,
	}); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := readEntries(t, filepath.Join(dir, "runs"))
	if len(got) != 1 {
		t.Fatalf("read %d entries, want 1", len(got))
	}
	if got[0]["score"] != float64(9216) || got[0]["dimension"] != float64(6) {
		t.Fatalf("entry = %v", got[0])
	}
}
