package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/protocol"
	"encodeq/internal/testsupport"
)

type recordingReporter struct {
	mu       sync.Mutex
	progress []protocol.Progress
	logs     []string
}

func (r *recordingReporter) Progress(p protocol.Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recordingReporter) Log(level, text string) {
	r.mu.Lock()
	r.logs = append(r.logs, level+":"+text)
	r.mu.Unlock()
}

func (r *recordingReporter) snapshot() ([]protocol.Progress, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Progress(nil), r.progress...), append([]string(nil), r.logs...)
}

func setHelperCommand(t *testing.T, mode string) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string(nil), args...)
		helperArgs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], helperArgs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("ENGINE_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &captured
}

func testJob(t *testing.T) protocol.Job {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "movie.mkv")
	testsupport.WriteFile(t, input, 6)
	return protocol.Job{
		ID:              "job-1",
		SourcePath:      input,
		DestinationPath: filepath.Join(dir, "out", "movie-av1.mkv"),
		Profile:         protocol.Profile{Name: "grain", Options: map[string]string{"crf": "28"}},
	}
}

func TestCLIEncodeSuccess(t *testing.T) {
	captured := setHelperCommand(t, "success")
	job := testJob(t)
	job.PreviewNumber = 3
	job.PreviewSeconds = 20
	job.ChapterNameFormat = "Kapitel {0}"

	rep := &recordingReporter{}
	cli := NewCLI(Options{TempDir: t.TempDir()})
	res, err := cli.Encode(context.Background(), job, rep, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.OutputPath != job.DestinationPath || !res.Preview {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(job.DestinationPath); err != nil {
		t.Fatalf("destination not written: %v", err)
	}
	args := strings.Join(*captured, " ")
	for _, want := range []string{"--progress-json", "--preview 3", "--preview-seconds 20", "--chapter-name-format Kapitel {0}", "--preset grain", "--crf 28"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	progress, logs := rep.snapshot()
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress updates, got %+v", progress)
	}
	if progress[1].Pass != passEncoding || progress[1].Percent != 50 || progress[1].ETA() != 300*time.Second {
		t.Fatalf("unexpected encoding progress %+v", progress[1])
	}
	if progress[2].Pass != passFinalize {
		t.Fatalf("stage after encoding should be the finalize pass, got %+v", progress[2])
	}
	if len(logs) == 0 {
		t.Fatal("expected stage messages to be logged")
	}
}

func TestWithTempDirKeepsCommandEnv(t *testing.T) {
	env := withTempDir([]string{"GO_WANT_HELPER_PROCESS=1", "TMPDIR=/old"}, "/scratch")
	want := []string{"GO_WANT_HELPER_PROCESS=1", "TMPDIR=/scratch"}
	if strings.Join(env, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, env)
	}
	inherited := withTempDir(nil, "/scratch")
	if len(inherited) == 0 || inherited[len(inherited)-1] != "TMPDIR=/scratch" {
		t.Fatalf("expected inherited env ending in TMPDIR, got %v", inherited)
	}
}

func TestCLIEncodeFailureIsWorkerReported(t *testing.T) {
	setHelperCommand(t, "failure")
	_, err := NewCLI(Options{}).Encode(context.Background(), testJob(t), nil, nil)
	if !errors.Is(err, faults.ErrWorkerReported) {
		t.Fatalf("expected worker-reported error, got %v", err)
	}
}

func TestCLIEncodeSkipsInvalidJSON(t *testing.T) {
	setHelperCommand(t, "badjson")
	rep := &recordingReporter{}
	if _, err := NewCLI(Options{}).Encode(context.Background(), testJob(t), rep, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	progress, logs := rep.snapshot()
	if len(progress) != 1 || progress[0].Percent != 75 {
		t.Fatalf("expected one progress update, got %+v", progress)
	}
	if len(logs) != 1 || logs[0] != "debug:not-json" {
		t.Fatalf("expected raw line logged at debug, got %v", logs)
	}
}

func TestCLIEncodeCancelled(t *testing.T) {
	setHelperCommand(t, "slow")
	ctx, cancel := context.WithCancel(context.Background())
	rep := &recordingReporter{}
	done := make(chan error, 1)
	go func() {
		_, err := NewCLI(Options{}).Encode(ctx, testJob(t), rep, nil)
		done <- err
	}()
	waitForProgress(t, rep, 1)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encode did not stop after cancel")
	}
}

func TestCLIPauseStopsProgress(t *testing.T) {
	setHelperCommand(t, "slow")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate := NewGate()
	rep := &recordingReporter{}
	done := make(chan error, 1)
	go func() {
		_, err := NewCLI(Options{}).Encode(ctx, testJob(t), rep, gate)
		done <- err
	}()
	waitForProgress(t, rep, 2)
	if err := gate.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	before, _ := rep.snapshot()
	time.Sleep(150 * time.Millisecond)
	after, _ := rep.snapshot()
	if len(after) != len(before) {
		t.Fatalf("progress advanced while paused: %d -> %d", len(before), len(after))
	}
	if err := gate.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForProgress(t, rep, len(after)+1)
	cancel()
	<-done
}

func TestCLIScanProbe(t *testing.T) {
	captured := setHelperCommand(t, "probe")
	cli := NewCLI(Options{MinTitleDuration: 60})
	res, err := cli.Scan(context.Background(), protocol.ScanRequest{Path: "/media/disc.mkv"}, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Titles) != 1 || res.Titles[0].Height != 2160 || !res.Titles[0].HDR || res.Titles[0].DurationSeconds != 5400.5 {
		t.Fatalf("unexpected scan result %+v", res)
	}
	if (*captured)[len(*captured)-1] != "/media/disc.mkv" {
		t.Fatalf("probe args = %v", *captured)
	}

	short := NewCLI(Options{MinTitleDuration: 6000})
	res, err = short.Scan(context.Background(), protocol.ScanRequest{Path: "/media/disc.mkv"}, nil)
	if err != nil || len(res.Titles) != 0 {
		t.Fatalf("expected short title filtered, got %+v %v", res, err)
	}
}

func TestCLIScanReportsProbeFailure(t *testing.T) {
	setHelperCommand(t, "failure")
	res, err := NewCLI(Options{}).Scan(context.Background(), protocol.ScanRequest{Path: "/missing.mkv"}, nil)
	if err != nil {
		t.Fatalf("probe failure should be reported in the result, got %v", err)
	}
	if res.Error == "" {
		t.Fatal("expected scan error text")
	}
}

func waitForProgress(t *testing.T, rep *recordingReporter, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := rep.snapshot(); len(p) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d progress updates", n)
}

func helperArg(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func writeHelperOutput() {
	input, output := helperArg("--input"), helperArg("--output")
	if output == "" {
		return
	}
	_ = os.WriteFile(stagedOutputPath(input, output), []byte("encoded"), 0o644)
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("ENGINE_HELPER_MODE") {
	case "success":
		fmt.Println(`{"type":"stage_progress","percent":0,"stage":"analysis","message":"begin"}`)
		fmt.Println(`{"type":"encoding_progress","percent":50,"stage":"encoding","eta_seconds":300,"speed":3.0,"fps":72.0}`)
		fmt.Println(`{"type":"stage_progress","percent":100,"stage":"complete","message":"done"}`)
		writeHelperOutput()
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "encode failed")
		os.Exit(1)
	case "badjson":
		fmt.Println("not-json")
		fmt.Println(`{"type":"encoding_progress","percent":75,"stage":"encoding","eta_seconds":120}`)
		writeHelperOutput()
		os.Exit(0)
	case "slow":
		for i := 0; i < 1000; i++ {
			fmt.Printf("{\"type\":\"encoding_progress\",\"percent\":%d,\"stage\":\"encoding\"}\n", i%100)
			time.Sleep(10 * time.Millisecond)
		}
		os.Exit(0)
	case "probe":
		fmt.Println(`{"streams":[{"codec_type":"audio"},{"codec_type":"video","height":2160,"color_transfer":"smpte2084"}],"format":{"duration":"5400.5"}}`)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}
