package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"encodeq/internal/protocol"
)

var commandContext = exec.CommandContext

// CLI drives a drapto-compatible binary that prints one JSON object per
// progress line with --progress-json.
type CLI struct {
	binary      string
	probeBinary string
	tempDir     string
	minDuration float64
}

// NewCLI constructs a CLI engine.
func NewCLI(opts Options) *CLI {
	cli := &CLI{binary: "drapto", probeBinary: "ffprobe", tempDir: opts.TempDir, minDuration: opts.MinTitleDuration}
	if strings.TrimSpace(opts.Binary) != "" {
		cli.binary = strings.TrimSpace(opts.Binary)
	}
	if strings.TrimSpace(opts.ProbeBinary) != "" {
		cli.probeBinary = strings.TrimSpace(opts.ProbeBinary)
	}
	return cli
}

func (c *CLI) Name() string { return KindCLI }

type cliProgress struct {
	Type       string  `json:"type"`
	Percent    float64 `json:"percent"`
	Stage      string  `json:"stage"`
	Message    string  `json:"message"`
	ETASeconds float64 `json:"eta_seconds"`
	Speed      float64 `json:"speed"`
	FPS        float64 `json:"fps"`
	OutputFile string  `json:"output_file"`
}

func (c *CLI) encodeArgs(job protocol.Job, outputDir string) []string {
	args := []string{"encode", "--input", job.SourcePath, "--output", outputDir, "--progress-json"}
	if job.Title > 0 {
		args = append(args, "--title", strconv.Itoa(job.Title))
	}
	switch job.Range.Kind {
	case protocol.RangeChapters:
		args = append(args, "--chapters", formatRange(job.Range))
	case protocol.RangeSeconds:
		args = append(args, "--seconds", formatRange(job.Range))
	}
	if job.IsPreview() {
		args = append(args, "--preview", strconv.Itoa(job.PreviewNumber))
		if job.PreviewSeconds > 0 {
			args = append(args, "--preview-seconds", strconv.Itoa(job.PreviewSeconds))
		}
	}
	if strings.TrimSpace(job.ChapterNameFormat) != "" {
		args = append(args, "--chapter-name-format", job.ChapterNameFormat)
	}
	if job.Profile.Name != "" {
		args = append(args, "--preset", job.Profile.Name)
	}
	keys := make([]string, 0, len(job.Profile.Options))
	for k := range job.Profile.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, job.Profile.Options[k])
	}
	return args
}

func formatRange(r protocol.Range) string {
	start := strconv.FormatFloat(r.Start, 'f', -1, 64)
	if r.End == 0 {
		return start + "-"
	}
	return start + "-" + strconv.FormatFloat(r.End, 'f', -1, 64)
}

// Encode launches the binary in its own process group so pause can stop
// every descendant at once.
func (c *CLI) Encode(ctx context.Context, job protocol.Job, rep Reporter, gate *Gate) (protocol.EncodeResult, error) {
	rep = nopReporter(rep)
	if gate == nil {
		gate = NewGate()
	}
	if strings.TrimSpace(job.SourcePath) == "" {
		return protocol.EncodeResult{}, engineFailure("encode", errors.New("input path required"))
	}
	outputDir := c.tempDir
	if outputDir == "" {
		outputDir = filepath.Dir(job.DestinationPath)
	}
	outputDir = filepath.Join(outputDir, "encode-"+job.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return protocol.EncodeResult{}, engineFailure("stage", err)
	}
	defer os.RemoveAll(outputDir)

	cmd := commandContext(ctx, c.binary, c.encodeArgs(job, outputDir)...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if c.tempDir != "" {
		cmd.Env = withTempDir(cmd.Env, c.tempDir)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.EncodeResult{}, engineFailure("encode", fmt.Errorf("stdout pipe: %w", err))
	}
	cmd.Stderr = cmd.Stdout
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return protocol.EncodeResult{}, engineFailure("encode", fmt.Errorf("start %s: %w", c.binary, err))
	}

	var stateMu sync.Mutex
	exited := false
	gate.OnChange(func(paused bool) error {
		stateMu.Lock()
		defer stateMu.Unlock()
		if exited {
			return nil
		}
		sig := unix.SIGCONT
		if paused {
			sig = unix.SIGSTOP
		}
		if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal encoder process group: %w", err)
		}
		return nil
	})
	if gate.Paused() {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGSTOP)
	}

	var outputFile string
	var lastStage string
	pass := passAnalysis
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload cliProgress
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			rep.Log("debug", line)
			continue
		}
		switch payload.Type {
		case "warning":
			rep.Log("warn", payload.Message)
		case "error":
			rep.Log("error", payload.Message)
		case "encoding_complete":
			outputFile = payload.OutputFile
		case "encoding_progress":
			pass = passEncoding
			rep.Progress(protocol.Progress{
				Percent: clampPercent(payload.Percent), ETASeconds: payload.ETASeconds,
				Pass: pass, PassCount: passCount, Stage: "encoding", FPS: payload.FPS, Speed: payload.Speed,
			})
		default:
			if pass == passEncoding {
				pass = passFinalize
			}
			if payload.Message != "" && payload.Stage != lastStage {
				rep.Log("info", payload.Message)
			}
			lastStage = payload.Stage
			rep.Progress(protocol.Progress{
				Percent: clampPercent(payload.Percent), ETASeconds: payload.ETASeconds,
				Pass: pass, PassCount: passCount, Stage: payload.Stage,
			})
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	stateMu.Lock()
	exited = true
	stateMu.Unlock()

	if ctx.Err() != nil {
		return protocol.EncodeResult{}, ctx.Err()
	}
	if waitErr != nil {
		return protocol.EncodeResult{}, engineFailure("encode", fmt.Errorf("%s encode failed: %w", c.binary, waitErr))
	}
	if scanErr != nil {
		return protocol.EncodeResult{}, engineFailure("encode", fmt.Errorf("read encoder output: %w", scanErr))
	}
	staged := outputFile
	if staged == "" {
		staged = stagedOutputPath(job.SourcePath, outputDir)
	}
	output, err := finalizeOutput(staged, job.DestinationPath)
	if err != nil {
		return protocol.EncodeResult{}, engineFailure("finalize", err)
	}
	return protocol.EncodeResult{
		OutputPath:     output,
		OriginalBytes:  fileSize(job.SourcePath),
		EncodedBytes:   fileSize(output),
		ElapsedSeconds: time.Since(started).Seconds(),
		Preview:        job.IsPreview(),
	}, nil
}

// withTempDir points TMPDIR at dir on top of env, or the inherited
// environment when env is nil.
func withTempDir(env []string, dir string) []string {
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "TMPDIR=") {
			out = append(out, kv)
		}
	}
	return append(out, "TMPDIR="+dir)
}
