package logging

import (
	"context"
	"log/slog"
	"strings"
)

// WorkerLogComponent tags lines relayed from a worker process.
const WorkerLogComponent = "worker-log"

// LogWorkerMessage re-emits a LogMessage event received from a worker at the
// level the worker reported. Unknown levels are logged at info.
func LogWorkerMessage(ctx context.Context, logger *slog.Logger, level, text string, attrs ...Attr) {
	if logger == nil {
		return
	}
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return
	}
	attrs = append(attrs, String(FieldComponent, WorkerLogComponent))
	logger.LogAttrs(ctx, ParseLevel(level), text, attrs...)
}
