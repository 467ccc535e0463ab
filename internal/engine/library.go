package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	draptolib "github.com/five82/drapto"

	"encodeq/internal/protocol"
)

// Swapped in tests so no real encoder runs.
var (
	runDrapto = func(ctx context.Context, input, outputDir string, rep draptolib.Reporter) error {
		enc, err := draptolib.New(draptolib.WithResponsive())
		if err != nil {
			return fmt.Errorf("init drapto: %w", err)
		}
		_, err = enc.EncodeWithReporter(ctx, input, outputDir, rep)
		return err
	}
	detectCrop = func(ctx context.Context, path string) (*draptolib.CropDetectionResult, error) {
		return draptolib.DetectCrop(ctx, path)
	}
)

// Library encodes through the Drapto Go library in-process.
type Library struct {
	tempDir string
}

// NewLibrary constructs a Library engine.
func NewLibrary(opts Options) *Library {
	return &Library{tempDir: opts.TempDir}
}

func (l *Library) Name() string { return KindLibrary }

// Scan runs Drapto crop detection and reports the source as a single title.
func (l *Library) Scan(ctx context.Context, req protocol.ScanRequest, rep Reporter) (protocol.ScanResult, error) {
	rep = nopReporter(rep)
	result := protocol.ScanResult{Path: req.Path}
	if strings.TrimSpace(req.Path) == "" {
		return result, engineFailure("scan", errors.New("source path required"))
	}
	if _, err := os.Stat(req.Path); err != nil {
		result.Error = err.Error()
		return result, nil
	}
	rep.Progress(protocol.Progress{Percent: 0, Stage: "crop detection", Pass: 1, PassCount: 1})
	crop, err := detectCrop(ctx, req.Path)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Error = err.Error()
		return result, nil
	}
	title := protocol.Title{Index: 1}
	if crop != nil {
		title.Height = int(crop.VideoHeight)
		title.HDR = crop.IsHDR
		if crop.Required {
			title.Crop = crop.CropFilter
		}
		if crop.MultipleRatios {
			rep.Log("warn", fmt.Sprintf("%s: multiple aspect ratios detected; crop disabled", filepath.Base(req.Path)))
			title.Crop = ""
		}
	}
	rep.Progress(protocol.Progress{Percent: 100, Stage: "crop detection", Pass: 1, PassCount: 1})
	result.Titles = []protocol.Title{title}
	return result, nil
}

// Encode runs a full-title encode. Drapto's library API has no title, range,
// or preview selection, so those jobs must use the CLI engine.
func (l *Library) Encode(ctx context.Context, job protocol.Job, rep Reporter, gate *Gate) (protocol.EncodeResult, error) {
	rep = nopReporter(rep)
	if gate == nil {
		gate = NewGate()
	}
	if job.IsPreview() || (job.Range.Kind != "" && job.Range.Kind != protocol.RangeAll) || job.Title > 1 {
		return protocol.EncodeResult{}, engineFailure("encode", errors.New("library engine encodes whole sources only; set worker.engine = \"cli\" for titles, ranges, or previews"))
	}
	stagingDir := l.tempDir
	if stagingDir == "" {
		stagingDir = filepath.Dir(job.DestinationPath)
	}
	stagingDir = filepath.Join(stagingDir, "encode-"+job.ID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return protocol.EncodeResult{}, engineFailure("stage", err)
	}
	defer os.RemoveAll(stagingDir)

	started := time.Now()
	adapter := newReporterAdapter(ctx, rep, gate)
	if err := runDrapto(ctx, job.SourcePath, stagingDir, adapter); err != nil {
		if ctx.Err() != nil {
			return protocol.EncodeResult{}, ctx.Err()
		}
		return protocol.EncodeResult{}, engineFailure("encode", err)
	}
	staged := adapter.outputFile()
	if staged == "" {
		staged = stagedOutputPath(job.SourcePath, stagingDir)
	}
	output, err := finalizeOutput(staged, job.DestinationPath)
	if err != nil {
		return protocol.EncodeResult{}, engineFailure("finalize", err)
	}
	out := protocol.EncodeResult{
		OutputPath:     output,
		OriginalBytes:  fileSize(job.SourcePath),
		EncodedBytes:   fileSize(output),
		ElapsedSeconds: time.Since(started).Seconds(),
	}
	adapter.mergeOutcome(&out)
	return out, nil
}
