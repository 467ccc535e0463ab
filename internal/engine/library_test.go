package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	draptolib "github.com/five82/drapto"

	"encodeq/internal/faults"
	"encodeq/internal/protocol"
	"encodeq/internal/testsupport"
)

func stubDrapto(t *testing.T, fn func(ctx context.Context, input, outputDir string, rep draptolib.Reporter) error) {
	t.Helper()
	original := runDrapto
	runDrapto = fn
	t.Cleanup(func() { runDrapto = original })
}

func TestLibraryEncodeMovesOutput(t *testing.T) {
	stubDrapto(t, func(ctx context.Context, input, outputDir string, rep draptolib.Reporter) error {
		rep.StageProgress(draptolib.StageProgress{Percent: 100, Stage: "analysis"})
		rep.EncodingStarted(1000)
		rep.EncodingProgress(draptolib.ProgressSnapshot{Percent: 40, ETA: time.Minute})
		rep.Warning("audio track downmixed")
		return os.WriteFile(stagedOutputPath(input, outputDir), []byte("av1"), 0o644)
	})
	job := testJob(t)
	rep := &recordingReporter{}
	res, err := NewLibrary(Options{TempDir: t.TempDir()}).Encode(context.Background(), job, rep, NewGate())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.OutputPath != job.DestinationPath || res.EncodedBytes != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	progress, logs := rep.snapshot()
	if len(progress) != 2 || progress[0].Pass != passAnalysis || progress[1].Pass != passEncoding {
		t.Fatalf("unexpected progress %+v", progress)
	}
	found := false
	for _, line := range logs {
		if line == "warn:audio track downmixed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warning not relayed: %v", logs)
	}
}

func TestLibraryRejectsPreviewJobs(t *testing.T) {
	stubDrapto(t, func(context.Context, string, string, draptolib.Reporter) error {
		t.Fatal("drapto should not run")
		return nil
	})
	job := testJob(t)
	job.PreviewNumber = 1
	_, err := NewLibrary(Options{}).Encode(context.Background(), job, nil, nil)
	if !errors.Is(err, faults.ErrWorkerReported) {
		t.Fatalf("expected worker-reported error, got %v", err)
	}
}

func TestLibraryEncodeFailure(t *testing.T) {
	stubDrapto(t, func(context.Context, string, string, draptolib.Reporter) error {
		return errors.New("ffmpeg exited 1")
	})
	_, err := NewLibrary(Options{}).Encode(context.Background(), testJob(t), nil, nil)
	if faults.KindOf(err) != faults.KindWorkerReported {
		t.Fatalf("expected worker-reported error, got %v", err)
	}
}

func TestLibraryPauseHoldsReporter(t *testing.T) {
	gate := NewGate()
	reported := make(chan struct{}, 1)
	release := make(chan struct{})
	stubDrapto(t, func(ctx context.Context, input, outputDir string, rep draptolib.Reporter) error {
		<-release
		rep.EncodingProgress(draptolib.ProgressSnapshot{Percent: 10})
		reported <- struct{}{}
		return os.WriteFile(stagedOutputPath(input, outputDir), nil, 0o644)
	})
	if err := gate.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := NewLibrary(Options{}).Encode(context.Background(), testJob(t), nil, gate)
		done <- err
	}()
	close(release)
	select {
	case <-reported:
		t.Fatal("progress delivered while paused")
	case <-time.After(50 * time.Millisecond):
	}
	if err := gate.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("progress never delivered after resume")
	}
	if err := <-done; err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestLibraryScanUsesCropDetection(t *testing.T) {
	original := detectCrop
	detectCrop = func(ctx context.Context, path string) (*draptolib.CropDetectionResult, error) {
		return &draptolib.CropDetectionResult{IsHDR: true, Required: true, CropFilter: "crop=3840:1600:0:280", VideoHeight: 2160}, nil
	}
	t.Cleanup(func() { detectCrop = original })

	path := filepath.Join(t.TempDir(), "movie.mkv")
	testsupport.WriteFile(t, path, 0)
	res, err := NewLibrary(Options{}).Scan(context.Background(), protocol.ScanRequest{Path: path}, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Titles) != 1 || res.Titles[0].Crop != "crop=3840:1600:0:280" || !res.Titles[0].HDR || res.Titles[0].Height != 2160 {
		t.Fatalf("unexpected scan %+v", res)
	}

	missing, err := NewLibrary(Options{}).Scan(context.Background(), protocol.ScanRequest{Path: path + ".gone"}, nil)
	if err != nil || missing.Error == "" {
		t.Fatalf("missing source should be reported in the result: %+v %v", missing, err)
	}
}

func TestNewRejectsUnknownEngine(t *testing.T) {
	if _, err := New("handbrake", Options{}); faults.KindOf(err) != faults.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	eng, err := New("CLI", Options{})
	if err != nil || eng.Name() != KindCLI {
		t.Fatalf("New(CLI) = %v, %v", eng, err)
	}
}
