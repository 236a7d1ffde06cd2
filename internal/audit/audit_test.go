package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesRedactedMirrorLines(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	before := DenyCount()
	Record("deny", "mode_gate", "api_key=skabc123secretvalue9 rejected", "t1")
	Record("allow", "approval_gate", "resume granted", "t2")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if DenyCount() != before+1 {
		t.Fatalf("deny count = %d, want %d", DenyCount(), before+1)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 mirror lines, got %d", len(lines))
	}
	if strings.Contains(lines[0], "skabc123secretvalue9") {
		t.Fatal("secret leaked into mirror")
	}

	var first struct {
		Decision string `json:"decision"`
		Rule     string `json:"rule"`
		TaskID   string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("mirror line not json: %v", err)
	}
	if first.Decision != "deny" || first.Rule != "mode_gate" || first.TaskID != "t1" {
		t.Fatalf("unexpected mirror entry: %+v", first)
	}
}

func TestRecordWithoutInitIsSilent(t *testing.T) {
	// Best-effort mirror: recording before Init must not panic.
	Record("deny", "pause_gate", "no mirror yet", "t9")
}
