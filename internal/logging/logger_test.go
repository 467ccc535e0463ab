package logging_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"encodeq/internal/config"
	"encodeq/internal/logging"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Debug("worker spawned", logging.String(logging.FieldSessionID, "abc"))

	lines := readLines(t, filepath.Join(cfg.Paths.LogDir, "encodeq.log"))
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if rec["msg"] != "worker spawned" || rec["session_id"] != "abc" || rec["level"] != "debug" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", rec)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleHeaderCarriesSubject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := logging.WithSlot(context.Background(), 0)
	ctx = logging.WithSessionID(ctx, "0123456789abcdef")
	ctx = logging.WithJobID(ctx, "job-1")
	log := logging.WithContext(ctx, logging.NewComponentLogger(logger, "supervisor"))
	log.Info("encode started", logging.Float64("percent", 12.5))

	lines := readLines(t, path)
	header := lines[0]
	for _, want := range []string{"INFO", "[supervisor]", "Slot 0", "Worker 01234567", "Job job-1", "encode started"} {
		if !strings.Contains(header, want) {
			t.Fatalf("header %q missing %q", header, want)
		}
	}
	if len(lines) != 2 || !strings.Contains(lines[1], "percent: 12.5") {
		t.Fatalf("expected percent bullet, got %q", lines)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.WarnWithContext(logger, "ping missed", "heartbeat_miss", logging.String(logging.FieldImpact, "worker may be hung"))

	var rec map[string]any
	if err := json.Unmarshal([]byte(readLines(t, path)[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec[logging.FieldEventType] != "heartbeat_miss" {
		t.Fatalf("event_type = %v", rec[logging.FieldEventType])
	}
	if rec[logging.FieldErrorHint] == nil {
		t.Fatal("expected default error_hint")
	}
	if rec[logging.FieldImpact] != "worker may be hung" {
		t.Fatalf("caller impact overwritten: %v", rec[logging.FieldImpact])
	}
}

func TestLogWorkerMessageUsesWorkerLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.LogWorkerMessage(context.Background(), logger, "debug", "hidden")
	logging.LogWorkerMessage(context.Background(), logger, "warning", "disk nearly full\n")

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected only the warning line, got %d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["level"] != "warn" || rec["msg"] != "disk nearly full" || rec["component"] != logging.WorkerLogComponent {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
