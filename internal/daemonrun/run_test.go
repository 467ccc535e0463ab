package daemonrun

import (
	"os"
	"path/filepath"
	"testing"

	"encodeq/internal/testsupport"
)

func TestBinaryAvailableSeesStubs(t *testing.T) {
	testsupport.NewConfig(t, testsupport.WithStubbedBinaries("encodeq-worker"))
	if !binaryAvailable("encodeq-worker") {
		t.Fatal("expected stubbed worker binary on PATH")
	}
	if binaryAvailable("encodeq-definitely-missing") {
		t.Fatal("missing binary reported available")
	}
	if binaryAvailable("  ") {
		t.Fatal("blank name reported available")
	}
}

func TestEnsureCurrentLogPointer(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "encodeq-1.log")
	second := filepath.Join(dir, "encodeq-2.log")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatalf("first pointer: %v", err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatalf("second pointer: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "encodeq.log"))
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if string(data) != "encodeq-2.log" {
		t.Fatalf("pointer resolves to %q", data)
	}
}

func TestReadPIDFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if got := ReadPIDFile(cfg); got != 0 {
		t.Fatalf("missing pid file = %d", got)
	}
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(cfg.Paths.StateDir, PIDFileName)
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if got := ReadPIDFile(cfg); got != os.Getpid() {
		t.Fatalf("ReadPIDFile = %d, want %d", got, os.Getpid())
	}
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := ReadPIDFile(cfg); got != 0 {
		t.Fatalf("garbage pid file = %d", got)
	}
}
