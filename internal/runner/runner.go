// Package runner executes a calibration problem end to end: it builds the
// parameter space, observation set and forward model from a config.Problem,
// runs the driver, and records the outcome in a store.RunStore.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/calib"
	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/obs"
	"github.com/leixiaohui-1974/pestcal/internal/params"
	"github.com/leixiaohui-1974/pestcal/internal/store"
)

// Runner holds what every run shares.
type Runner struct {
	Settings  *config.Settings
	Store     store.RunStore // nil skips persistence
	Logger    *slog.Logger
	Decisions *logging.DecisionLogger
	// Source tags stored runs ("cli", "mcp").
	Source string

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Run calibrates p. A run that fails before the first model evaluation
// returns only an error. A run that started is saved, including a cancelled
// one, and returned together with any error.
func (r *Runner) Run(ctx context.Context, p *config.Problem) (*store.Run, error) {
	settings := r.Settings
	if settings == nil {
		settings = config.Default()
	}
	log := r.Logger
	if log == nil {
		log = logging.Discard()
	}

	pgroups, err := p.Parameters()
	if err != nil {
		return nil, err
	}
	space, err := params.NewSpace(pgroups)
	if err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}
	set, err := obs.NewSet(p.Observations())
	if err != nil {
		return nil, fmt.Errorf("observations: %w", err)
	}
	m, err := p.ForwardModel(space.Names(), settings.Engine.ModelTimeout)
	if err != nil {
		return nil, err
	}
	opts, err := p.Options(settings.Engine)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		Problem:     p.Name,
		Fingerprint: p.Fingerprint(),
		Source:      r.Source,
		StartedAt:   r.clock().UTC(),
	}
	run.ID = store.NewRunID(run.StartedAt, run.Fingerprint)

	opts.Logger = log.With("run", run.ID, "problem", p.Name)
	opts.Decisions = r.Decisions.ForRun(run.ID)

	d, err := calib.NewDriver(m, space, set, opts)
	if err != nil {
		return nil, err
	}

	res, runErr := d.Run(ctx)
	if res == nil {
		return nil, runErr
	}
	run.FinishedAt = r.clock().UTC()
	run.Result = res

	if r.Store != nil {
		// A cancelled ctx would abort the save of the partial run.
		saveCtx := ctx
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			saveCtx = context.WithoutCancel(ctx)
		}
		if _, err := r.Store.SaveRun(saveCtx, run); err != nil {
			return run, errors.Join(runErr, fmt.Errorf("saving run: %w", err))
		}
	}
	return run, runErr
}

// RunFile loads the problem at path and runs it.
func (r *Runner) RunFile(ctx context.Context, path string) (*store.Run, error) {
	p, err := config.LoadProblem(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, p)
}
