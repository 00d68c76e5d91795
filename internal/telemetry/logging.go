// Package telemetry carries the process's observability plumbing: the
// structured logger and the bridge from bus events to OTel metrics.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/khufu-labs/hemiunu/internal/shared"
)

const logFileName = "system.jsonl"

// NewLogger builds the process logger: JSON lines appended to
// homeDir/logs/system.jsonl, mirrored to stdout unless quiet. Attribute
// values pass through secret redaction on the way out.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var sink io.Writer = file
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: sanitizeAttr,
	})
	logger := slog.New(handler).With("component", "orchestrator", "trace_id", "-")
	return logger, file, nil
}

// sanitizeAttr renames the time key and scrubs secrets from attributes.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if scrubbed := shared.Redact(v); scrubbed != v {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
