package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// AuditEntry records one tool call without its content.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// AuditLogger appends AuditEntry lines to <dir>/audit.jsonl. It is safe for
// concurrent use, and a nil AuditLogger discards everything.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens dir/audit.jsonl. It returns nil, after a warning on
// stderr, when the file cannot be opened; the server runs without auditing.
func NewAuditLogger(dir string) *AuditLogger {
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit directory: %v\n", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log: %v\n", err)
		return nil
	}
	return &AuditLogger{file: f}
}

// Log appends entry.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(append(data, '\n'))
}

// Close closes the file. Further Log calls are dropped.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Parameter names whose values are logged verbatim. Paths, IDs and inline
// problem documents are only marked as present.
var (
	auditValueParams    = map[string]bool{"problem": true, "limit": true, "history": true}
	auditPresenceParams = map[string]bool{"problem_path": true, "inline_problem": true, "id": true, "ids": true, "output_path": true}
)

// auditParams reduces tool arguments to loggable metadata. Empty values are
// skipped.
func auditParams(params map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range params {
		if isZero(v) {
			continue
		}
		switch {
		case auditValueParams[k]:
			out[k] = fmt.Sprint(v)
		case auditPresenceParams[k]:
			out[k] = "(set)"
		}
	}
	out["_param_count"] = strconv.Itoa(len(out))
	return out
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case bool:
		return !x
	case []string:
		return len(x) == 0
	}
	return false
}

// auditTool records a finished tool call.
func (s *Server) auditTool(tool string, start time.Time, err error, runID string, params map[string]any) {
	entry := AuditEntry{
		Timestamp:  start.UTC(),
		Tool:       tool,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     "success",
		RunID:      runID,
		Params:     auditParams(params),
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	s.audit.Log(entry)
}
