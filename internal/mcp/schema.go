package mcp

import (
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/calib"
	"github.com/leixiaohui-1974/pestcal/internal/store"
)

// CalibrateInput defines the input for the pestcal_calibrate tool.
type CalibrateInput struct {
	ProblemPath string `json:"problem_path,omitempty" jsonschema:"Path to a problem YAML file inside the project root"`
	Problem     string `json:"problem,omitempty" jsonschema:"Inline problem YAML; only linear models are accepted inline"`
}

// CalibrateOutput defines the output for the pestcal_calibrate tool.
type CalibrateOutput struct {
	RunID       string                        `json:"run_id" jsonschema:"ID of the stored run"`
	Problem     string                        `json:"problem" jsonschema:"Problem name"`
	Method      string                        `json:"method" jsonschema:"Update method used"`
	Converged   bool                          `json:"converged" jsonschema:"Whether the run met a convergence criterion"`
	Reason      calib.Reason                  `json:"reason" jsonschema:"Why the run stopped"`
	Objective   float64                       `json:"objective" jsonschema:"Final weighted sum of squared residuals"`
	Iterations  int                           `json:"iterations" jsonschema:"Update steps taken, rejected ones included"`
	ForwardRuns int                           `json:"forward_runs" jsonschema:"Total forward model evaluations"`
	Parameters  map[string]map[string]float64 `json:"parameters" jsonschema:"Final model-space parameters by group"`
	Message     string                        `json:"message" jsonschema:"Human-readable result message"`
}

// RunsInput defines the input for the pestcal_runs tool.
type RunsInput struct {
	Problem string `json:"problem,omitempty" jsonschema:"Only list runs of this problem name"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of runs to return (default 20)"`
}

// RunsOutput defines the output for the pestcal_runs tool.
type RunsOutput struct {
	Runs  []RunListItem `json:"runs" jsonschema:"Stored runs, newest first"`
	Count int           `json:"count" jsonschema:"Number of runs returned"`
}

// RunListItem is the list view of a stored run.
type RunListItem struct {
	ID          string    `json:"id"`
	Problem     string    `json:"problem"`
	Method      string    `json:"method"`
	Converged   bool      `json:"converged"`
	Reason      string    `json:"reason"`
	Objective   float64   `json:"objective"`
	Iterations  int       `json:"iterations"`
	ForwardRuns int       `json:"forward_runs"`
	StartedAt   time.Time `json:"started_at"`
}

func listItem(s store.Summary) RunListItem {
	return RunListItem{
		ID:          s.ID,
		Problem:     s.Problem,
		Method:      s.Method,
		Converged:   s.Converged,
		Reason:      string(s.Reason),
		Objective:   s.Objective,
		Iterations:  s.Iterations,
		ForwardRuns: s.ForwardRuns,
		StartedAt:   s.StartedAt,
	}
}

// ShowInput defines the input for the pestcal_show tool.
type ShowInput struct {
	ID      string `json:"id" jsonschema:"Run ID as returned by pestcal_runs or pestcal_calibrate"`
	History bool   `json:"history,omitempty" jsonschema:"Include per-iteration records (default: false)"`
}

// ShowOutput defines the output for the pestcal_show tool.
type ShowOutput struct {
	Run        RunListItem                   `json:"run" jsonschema:"Run summary"`
	Parameters map[string]map[string]float64 `json:"parameters" jsonschema:"Final model-space parameters by group"`
	Objectives []float64                     `json:"objectives" jsonschema:"Objective at every recorded iteration"`
	History    []IterationItem               `json:"history,omitempty" jsonschema:"Per-iteration records when requested"`
}

// IterationItem is one history record as reported over MCP.
type IterationItem struct {
	Iteration       int                `json:"iteration"`
	Objective       float64            `json:"objective"`
	GroupObjectives map[string]float64 `json:"group_objectives,omitempty"`
	Accepted        bool               `json:"accepted"`
	RelativeChange  float64            `json:"relative_change,omitempty"`
	Components      int                `json:"components,omitempty"`
	Lambda          float64            `json:"lambda,omitempty"`
	Warnings        int                `json:"warnings,omitempty"`
}

func iterationItem(r calib.Record) IterationItem {
	item := IterationItem{
		Iteration:       r.Iteration,
		Objective:       r.Objective,
		GroupObjectives: r.GroupObjectives,
		Accepted:        r.Accepted,
		RelativeChange:  r.RelativeChange,
		Warnings:        len(r.Warnings),
	}
	if r.Diagnostics != nil {
		item.Components = r.Diagnostics.Components
		item.Lambda = r.Diagnostics.Lambda
	}
	return item
}

// ExportInput defines the input for the pestcal_export tool.
type ExportInput struct {
	IDs        []string `json:"ids,omitempty" jsonschema:"Run IDs to export (default: all runs)"`
	OutputPath string   `json:"output_path,omitempty" jsonschema:"Archive path inside the export directory (default: timestamped file)"`
}

// ExportOutput defines the output for the pestcal_export tool.
type ExportOutput struct {
	Path       string `json:"path" jsonschema:"Archive path written"`
	Runs       int    `json:"runs" jsonschema:"Number of runs exported"`
	Iterations int    `json:"iterations" jsonschema:"Number of history records exported"`
	Checksum   string `json:"checksum" jsonschema:"Payload checksum stored in the archive header"`
	SizeBytes  int64  `json:"size_bytes" jsonschema:"Archive size in bytes"`
	Pruned     int    `json:"pruned,omitempty" jsonschema:"Older archives removed by retention"`
	Message    string `json:"message" jsonschema:"Human-readable result message"`
}
