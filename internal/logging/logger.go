// Package logging provides leveled logging and decision tracing for pestcal.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A DecisionLogger for per-iteration calibration decisions (.pestcal/decisions.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug. At this level the driver
// also logs full Jacobians and singular value spectra.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "warn", "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing text lines to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// DecisionLogger writes one JSON object per line describing how each
// calibration step was decided. It is safe for concurrent use. A nil
// DecisionLogger is valid; every method is a no-op on a nil receiver.
type DecisionLogger struct {
	sink  *decisionSink
	runID string
}

// decisionSink is the file shared by a logger and its ForRun children.
type decisionSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewDecisionLogger opens dir/decisions.jsonl for append at "debug" or
// "trace" level. At any other level, or when the file cannot be opened, it
// returns nil.
func NewDecisionLogger(dir string, level string) *DecisionLogger {
	if ParseLevel(level) > slog.LevelDebug {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "decisions.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}
	return &DecisionLogger{sink: &decisionSink{file: f}}
}

// ForRun returns a logger writing to the same file that stamps every entry
// with runID.
func (dl *DecisionLogger) ForRun(runID string) *DecisionLogger {
	if dl == nil {
		return nil
	}
	return &DecisionLogger{sink: dl.sink, runID: runID}
}

// Log writes event with the given fields. "event", "time" and, for run
// loggers, "run_id" are added; the caller's map is not mutated.
func (dl *DecisionLogger) Log(event string, fields map[string]any) {
	if dl == nil || dl.sink == nil {
		return
	}

	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	if dl.runID != "" {
		entry["run_id"] = dl.runID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	dl.sink.mu.Lock()
	defer dl.sink.mu.Unlock()
	if dl.sink.file == nil {
		return
	}
	_, _ = dl.sink.file.Write(data)
}

// Close closes the underlying file, for this logger and every ForRun child.
func (dl *DecisionLogger) Close() {
	if dl == nil || dl.sink == nil {
		return
	}
	dl.sink.mu.Lock()
	defer dl.sink.mu.Unlock()
	if dl.sink.file != nil {
		dl.sink.file.Close()
		dl.sink.file = nil
	}
}
