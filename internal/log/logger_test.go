package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithJob(42, "c0ffee").Info("job msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["job_id"] != float64(42) {
		t.Errorf("Expected job_id 42, got %v", out["job_id"])
	}
	if out["job_uuid"] != "c0ffee" {
		t.Errorf("Expected job_uuid 'c0ffee', got %v", out["job_uuid"])
	}
}

func TestBuildMirrorsToAuditSink(t *testing.T) {
	var primary bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	f, err := OpenAudit(path)
	if err != nil {
		t.Fatalf("OpenAudit: %v", err)
	}

	l := build(&primary, "info", "json", f)
	l.With("job_id", 7).Info("job claimed", "attempts", 1)
	l.Debug("filtered out")
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !bytes.Contains(primary.Bytes(), []byte("job claimed")) {
		t.Fatalf("primary sink missing record: %s", primary.String())
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer rf.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(rf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("journal line is not JSON: %q", sc.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 journal line, got %d", len(lines))
	}
	if lines[0]["job_id"] != float64(7) || lines[0]["attempts"] != float64(1) {
		t.Fatalf("journal line missing context: %v", lines[0])
	}
}

func TestOpenAuditAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	for i := 0; i < 2; i++ {
		f, err := OpenAudit(path)
		if err != nil {
			t.Fatalf("OpenAudit: %v", err)
		}
		if _, err := f.WriteString("{}\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = f.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{}\n{}\n" {
		t.Fatalf("expected appended content, got %q", data)
	}
}
