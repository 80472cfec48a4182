package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/archive"
	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/pathutil"
	"github.com/leixiaohui-1974/pestcal/internal/store"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultRunsLimit = 20

// registerTools registers the pestcal tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "pestcal_calibrate",
		Description: "Calibrate model parameters against observations and store the run",
	}, s.handleCalibrate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "pestcal_runs",
		Description: "List stored calibration runs, newest first",
	}, s.handleRuns)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "pestcal_show",
		Description: "Show the final parameters and objective history of a stored run",
	}, s.handleShow)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "pestcal_export",
		Description: "Export stored runs to a compressed archive in the export directory",
	}, s.handleExport)
}

// registerResources exposes stored runs as markdown reports.
func (s *Server) registerResources() {
	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: "pestcal://runs/{id}",
		Name:        "pestcal-run",
		Description: "Report for one stored calibration run: outcome, final parameters and objective history.",
		MIMEType:    "text/markdown",
	}, s.handleRunResource)
}

// handleCalibrate implements the pestcal_calibrate tool.
func (s *Server) handleCalibrate(ctx context.Context, req *sdk.CallToolRequest, args CalibrateInput) (_ *sdk.CallToolResult, out CalibrateOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("pestcal_calibrate", start, retErr, out.RunID, map[string]any{
			"problem_path": args.ProblemPath, "inline_problem": args.Problem,
		})
	}()

	if err := s.limits.Check("pestcal_calibrate"); err != nil {
		return nil, CalibrateOutput{}, err
	}

	problem, err := s.loadProblem(args)
	if err != nil {
		return nil, CalibrateOutput{}, err
	}

	run, err := s.runner.Run(ctx, problem)
	if err != nil {
		return nil, CalibrateOutput{}, fmt.Errorf("calibration failed: %w", err)
	}
	res := run.Result

	msg := fmt.Sprintf("Run %s stopped (%s) after %d iterations, phi = %.6g", run.ID, res.Reason, res.Iterations, res.Objective)
	return nil, CalibrateOutput{
		RunID:       run.ID,
		Problem:     run.Problem,
		Method:      string(res.Method),
		Converged:   res.Converged,
		Reason:      res.Reason,
		Objective:   res.Objective,
		Iterations:  res.Iterations,
		ForwardRuns: res.ForwardRuns,
		Parameters:  res.Parameters,
		Message:     msg,
	}, nil
}

// loadProblem reads the problem from a validated path or the inline
// document. Inline problems cannot name an external simulator.
func (s *Server) loadProblem(args CalibrateInput) (*config.Problem, error) {
	switch {
	case args.ProblemPath != "" && args.Problem != "":
		return nil, errors.New("pass either 'problem_path' or 'problem', not both")
	case args.ProblemPath != "":
		path := args.ProblemPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.root, path)
		}
		resolved, err := pathutil.Within(path, []string{s.root})
		if err != nil {
			return nil, fmt.Errorf("problem path rejected: %w", err)
		}
		return config.LoadProblem(resolved)
	case args.Problem != "":
		p, err := config.ParseProblem([]byte(args.Problem))
		if err != nil {
			return nil, err
		}
		if p.Model.Kind != config.ModelLinear {
			return nil, fmt.Errorf("inline problems must use the %q model; load command models from a file", config.ModelLinear)
		}
		return p, nil
	default:
		return nil, errors.New("'problem_path' or 'problem' is required")
	}
}

// handleRuns implements the pestcal_runs tool.
func (s *Server) handleRuns(ctx context.Context, req *sdk.CallToolRequest, args RunsInput) (_ *sdk.CallToolResult, _ RunsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("pestcal_runs", start, retErr, "", map[string]any{
			"problem": args.Problem, "limit": args.Limit,
		})
	}()

	if err := s.limits.Check("pestcal_runs"); err != nil {
		return nil, RunsOutput{}, err
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	summaries, err := s.store.ListRuns(ctx, store.ListOptions{Problem: args.Problem, Limit: limit})
	if err != nil {
		return nil, RunsOutput{}, fmt.Errorf("failed to list runs: %w", err)
	}

	items := make([]RunListItem, 0, len(summaries))
	for _, sum := range summaries {
		items = append(items, listItem(sum))
	}
	return nil, RunsOutput{Runs: items, Count: len(items)}, nil
}

// handleShow implements the pestcal_show tool.
func (s *Server) handleShow(ctx context.Context, req *sdk.CallToolRequest, args ShowInput) (_ *sdk.CallToolResult, _ ShowOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("pestcal_show", start, retErr, args.ID, map[string]any{
			"id": args.ID, "history": args.History,
		})
	}()

	if err := s.limits.Check("pestcal_show"); err != nil {
		return nil, ShowOutput{}, err
	}
	if args.ID == "" {
		return nil, ShowOutput{}, errors.New("'id' parameter is required")
	}

	run, err := s.store.GetRun(ctx, args.ID)
	if err != nil {
		return nil, ShowOutput{}, err
	}

	out := ShowOutput{
		Run:        listItem(run.Summarize()),
		Parameters: run.Result.Parameters,
		Objectives: run.Result.History.Objectives(),
	}
	if args.History {
		for _, rec := range run.Result.History {
			out.History = append(out.History, iterationItem(rec))
		}
	}
	return nil, out, nil
}

// handleExport implements the pestcal_export tool.
func (s *Server) handleExport(ctx context.Context, req *sdk.CallToolRequest, args ExportInput) (_ *sdk.CallToolResult, _ ExportOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("pestcal_export", start, retErr, "", map[string]any{
			"ids": args.IDs, "output_path": args.OutputPath,
		})
	}()

	if err := s.limits.Check("pestcal_export"); err != nil {
		return nil, ExportOutput{}, err
	}

	exportDir, err := s.settings.ExportDir()
	if err != nil {
		return nil, ExportOutput{}, err
	}
	outputPath := archive.GeneratePath(exportDir, time.Now())
	if args.OutputPath != "" {
		outputPath, err = pathutil.Within(args.OutputPath, pathutil.ExportRoots(exportDir, s.root))
		if err != nil {
			return nil, ExportOutput{}, fmt.Errorf("export path rejected: %w", err)
		}
	}

	header, err := archive.Export(ctx, s.store, args.IDs, outputPath, map[string]string{"source": "mcp"})
	if err != nil {
		return nil, ExportOutput{}, fmt.Errorf("export failed: %w", err)
	}

	out := ExportOutput{
		Path:       outputPath,
		Runs:       header.RunCount,
		Iterations: header.IterationCount,
		Checksum:   header.Checksum,
	}
	if info, err := os.Stat(outputPath); err == nil {
		out.SizeBytes = info.Size()
	}

	policy := archive.NewPolicy(s.settings.Export.Keep, s.settings.Export.MaxAge)
	removed, err := archive.Prune(filepath.Dir(outputPath), policy, false)
	if err != nil {
		s.logger.Warn("archive retention failed", "error", err)
	}
	out.Pruned = len(removed)
	out.Message = fmt.Sprintf("Exported %d runs (%d iterations) to %s", out.Runs, out.Iterations, pathutil.Redact(outputPath))
	return nil, out, nil
}

// handleRunResource renders pestcal://runs/{id}.
func (s *Server) handleRunResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	id := strings.TrimPrefix(uri, "pestcal://runs/")
	if id == "" || id == uri {
		return nil, fmt.Errorf("invalid run URI: %s", uri)
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, sdk.ResourceNotFoundError(uri)
		}
		return nil, err
	}
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     runReport(run),
		}},
	}, nil
}
