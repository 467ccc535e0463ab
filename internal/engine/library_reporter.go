package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	draptolib "github.com/five82/drapto"

	"encodeq/internal/protocol"
)

const (
	passAnalysis = 1
	passEncoding = 2
	passFinalize = 3
	passCount    = 3
)

// reporterAdapter translates Drapto Reporter callbacks into Reporter calls.
// Progress callbacks block while the gate is paused, which stalls Drapto's
// pipeline until resume.
type reporterAdapter struct {
	ctx  context.Context
	rep  Reporter
	gate *Gate

	mu      sync.Mutex
	pass    int
	outcome *draptolib.EncodingOutcome
}

func newReporterAdapter(ctx context.Context, rep Reporter, gate *Gate) *reporterAdapter {
	return &reporterAdapter{ctx: ctx, rep: rep, gate: gate, pass: passAnalysis}
}

func (r *reporterAdapter) currentPass() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass
}

func (r *reporterAdapter) advance(pass int) {
	r.mu.Lock()
	if pass > r.pass {
		r.pass = pass
	}
	r.mu.Unlock()
}

func (r *reporterAdapter) progress(p protocol.Progress) {
	_ = r.gate.Wait(r.ctx)
	p.PassCount = passCount
	r.rep.Progress(p)
}

func (r *reporterAdapter) outputFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return ""
	}
	return strings.TrimSpace(r.outcome.OutputFile)
}

func (r *reporterAdapter) mergeOutcome(out *protocol.EncodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return
	}
	if r.outcome.OriginalSize > 0 {
		out.OriginalBytes = uint64(r.outcome.OriginalSize)
	}
}

func (r *reporterAdapter) Hardware(s draptolib.HardwareSummary) {
	r.rep.Log("debug", fmt.Sprintf("encoder host: %v", s.Hostname))
}

func (r *reporterAdapter) Initialization(s draptolib.InitializationSummary) {
	r.rep.Log("info", fmt.Sprintf("input %s: %v, %v, %v", s.InputFile, s.Resolution, s.DynamicRange, s.Duration))
}

func (r *reporterAdapter) StageProgress(s draptolib.StageProgress) {
	p := protocol.Progress{Percent: clampPercent(float64(s.Percent)), Stage: s.Stage, Pass: r.currentPass()}
	if p.Pass == passEncoding {
		p.Pass = passFinalize
		r.advance(passFinalize)
	}
	if s.ETA != nil {
		p.ETASeconds = s.ETA.Seconds()
	}
	r.progress(p)
}

func (r *reporterAdapter) CropResult(s draptolib.CropSummary) {
	switch {
	case s.Disabled:
		r.rep.Log("info", "crop detection disabled")
	case s.Required:
		r.rep.Log("info", fmt.Sprintf("crop applied: %v", s.Crop))
	default:
		r.rep.Log("info", "no crop required")
	}
}

func (r *reporterAdapter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.rep.Log("info", fmt.Sprintf("encoder %v preset %v quality %v", s.Encoder, s.Preset, s.Quality))
}

func (r *reporterAdapter) EncodingStarted(totalFrames uint64) {
	r.advance(passEncoding)
	r.rep.Log("debug", fmt.Sprintf("encoding started (%d frames)", totalFrames))
}

func (r *reporterAdapter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.advance(passEncoding)
	r.progress(protocol.Progress{
		Percent:    clampPercent(float64(s.Percent)),
		ETASeconds: s.ETA.Seconds(),
		Pass:       passEncoding,
		Stage:      "encoding",
		FPS:        float64(s.FPS),
		Speed:      float64(s.Speed),
	})
}

func (r *reporterAdapter) ValidationComplete(s draptolib.ValidationSummary) {
	if s.Passed {
		r.rep.Log("info", "output validation passed")
		return
	}
	failed := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		if !step.Passed {
			failed = append(failed, fmt.Sprintf("%v: %v", step.Name, step.Details))
		}
	}
	r.rep.Log("warn", "output validation failed: "+strings.Join(failed, "; "))
}

func (r *reporterAdapter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.mu.Lock()
	outcome := s
	r.outcome = &outcome
	r.mu.Unlock()
	r.rep.Log("info", fmt.Sprintf("encode finished: %v (%v video, %v audio)", s.OutputFile, s.VideoStream, s.AudioStream))
}

func (r *reporterAdapter) Warning(message string) {
	r.rep.Log("warn", message)
}

func (r *reporterAdapter) Error(e draptolib.ReporterError) {
	parts := []string{e.Title, e.Message}
	if e.Suggestion != "" {
		parts = append(parts, "suggestion: "+e.Suggestion)
	}
	r.rep.Log("error", strings.Join(parts, ": "))
}

func (r *reporterAdapter) OperationComplete(message string) {
	r.rep.Log("info", message)
}

func (r *reporterAdapter) BatchStarted(s draptolib.BatchStartInfo) {
	r.rep.Log("debug", fmt.Sprintf("batch of %v file(s) into %v", s.TotalFiles, s.OutputDir))
}

func (r *reporterAdapter) FileProgress(s draptolib.FileProgressContext) {
	r.rep.Log("debug", fmt.Sprintf("file %v of %v", s.CurrentFile, s.TotalFiles))
}

func (r *reporterAdapter) BatchComplete(s draptolib.BatchSummary) {
	r.rep.Log("debug", fmt.Sprintf("batch complete: %v/%v in %v", s.SuccessfulCount, s.TotalFiles, s.TotalDuration))
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

var _ draptolib.Reporter = (*reporterAdapter)(nil)
