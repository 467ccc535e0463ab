package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"encodeq/internal/protocol"
)

type probeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		Height        int    `json:"height"`
		ColorTransfer string `json:"color_transfer"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Scan probes the source with ffprobe. Titles shorter than the configured
// minimum duration are dropped.
func (c *CLI) Scan(ctx context.Context, req protocol.ScanRequest, rep Reporter) (protocol.ScanResult, error) {
	rep = nopReporter(rep)
	result := protocol.ScanResult{Path: req.Path}
	if strings.TrimSpace(req.Path) == "" {
		return result, engineFailure("scan", errors.New("source path required"))
	}
	rep.Progress(protocol.Progress{Percent: 0, Stage: "probe", Pass: 1, PassCount: 1})

	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", req.Path}
	cmd := commandContext(ctx, c.probeBinary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Error = strings.TrimSpace(fmt.Sprintf("%v: %s", err, stderr.String()))
		return result, nil
	}
	var probe probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		result.Error = fmt.Sprintf("parse probe output: %v", err)
		return result, nil
	}

	title := protocol.Title{Index: 1}
	title.DurationSeconds, _ = strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		title.Height = stream.Height
		switch stream.ColorTransfer {
		case "smpte2084", "arib-std-b67":
			title.HDR = true
		}
		break
	}
	rep.Progress(protocol.Progress{Percent: 100, Stage: "probe", Pass: 1, PassCount: 1})
	if req.Title > 1 {
		result.Error = fmt.Sprintf("title %d not found", req.Title)
		return result, nil
	}
	if c.minDuration > 0 && title.DurationSeconds < c.minDuration {
		rep.Log("info", fmt.Sprintf("skipping title %d: %.0fs shorter than %.0fs minimum", title.Index, title.DurationSeconds, c.minDuration))
		return result, nil
	}
	result.Titles = []protocol.Title{title}
	return result, nil
}
