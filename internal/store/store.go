// Package store persists calibration runs and their iteration history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/leixiaohui-1974/pestcal/internal/calib"
)

// ErrNotFound is returned when a run ID does not exist.
var ErrNotFound = errors.New("store: run not found")

// Run is one stored calibration: what was solved, how it ended, and the full
// result including History.
type Run struct {
	ID          string        `json:"id"`
	Problem     string        `json:"problem"`
	Fingerprint string        `json:"fingerprint"`
	Source      string        `json:"source,omitempty"` // "cli", "mcp"
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Result      *calib.Result `json:"result"`
}

// Summary is the list view of a run.
type Summary struct {
	ID          string       `json:"id"`
	Problem     string       `json:"problem"`
	Fingerprint string       `json:"fingerprint"`
	Method      string       `json:"method"`
	Converged   bool         `json:"converged"`
	Reason      calib.Reason `json:"reason"`
	Objective   float64      `json:"objective"`
	Iterations  int          `json:"iterations"`
	ForwardRuns int          `json:"forward_runs"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Summarize returns the list view of r.
func (r *Run) Summarize() Summary {
	s := Summary{
		ID:          r.ID,
		Problem:     r.Problem,
		Fingerprint: r.Fingerprint,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Result != nil {
		s.Method = string(r.Result.Method)
		s.Converged = r.Result.Converged
		s.Reason = r.Result.Reason
		s.Objective = r.Result.Objective
		s.Iterations = r.Result.Iterations
		s.ForwardRuns = r.Result.ForwardRuns
	}
	return s
}

// ListOptions filters ListRuns. Zero values mean no filter.
type ListOptions struct {
	// Problem restricts the list to runs of one problem name.
	Problem string
	// Limit caps the number of runs returned, newest first.
	Limit int
}

// RunStore stores calibration runs.
type RunStore interface {
	// SaveRun stores run, assigning an ID when empty, and returns the ID.
	SaveRun(ctx context.Context, run *Run) (string, error)
	// GetRun returns the run with its full history, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns summaries, newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]Summary, error)
	// DeleteRun removes a run and its iterations, or returns ErrNotFound.
	DeleteRun(ctx context.Context, id string) error
	Close() error
}

// NewRunID derives an ID from the start time and problem fingerprint. IDs
// sort chronologically.
func NewRunID(startedAt time.Time, fingerprint string) string {
	h := xxhash.New()
	_, _ = h.WriteString(fingerprint)
	_, _ = h.WriteString(startedAt.UTC().Format(time.RFC3339Nano))
	return fmt.Sprintf("%s-%08x", startedAt.UTC().Format("20060102T150405"), uint32(h.Sum64()))
}
