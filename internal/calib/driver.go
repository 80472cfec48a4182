// Package calib drives the outer Gauss-Newton loop of a calibration run:
// evaluate the forward model, score residuals, estimate sensitivities and
// apply a bounded increment until a termination criterion is met.
package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/leixiaohui-1974/pestcal/internal/jacobian"
	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/model"
	"github.com/leixiaohui-1974/pestcal/internal/obs"
	"github.com/leixiaohui-1974/pestcal/internal/params"
	"github.com/leixiaohui-1974/pestcal/internal/update"
)

// Defaults applied to zero-valued Options.
const (
	DefaultMaxIterations = 30
	DefaultTolerance     = 1e-4
)

var (
	// ErrBaseEvaluation wraps a failure of the unperturbed forward run.
	ErrBaseEvaluation = errors.New("calib: base forward evaluation failed")
	// ErrNoAdjustable is returned when every parameter is fixed.
	ErrNoAdjustable = errors.New("calib: no adjustable parameters")
	// ErrUnknownMethod is returned for an unrecognized update method.
	ErrUnknownMethod = update.ErrUnknownMethod
	// ErrInvalidStep is returned when an increment cannot be mapped back
	// to model space.
	ErrInvalidStep = errors.New("calib: increment outside the parameter space")
	// ErrInvalidOptions reports out-of-range options.
	ErrInvalidOptions = errors.New("calib: invalid options")
)

// Options configures a run. Zero values select defaults.
type Options struct {
	// Method selects the update strategy (default svd).
	Method update.Method
	// Update carries strategy tunables.
	Update update.Options
	// MaxIterations bounds the number of parameter updates.
	MaxIterations int
	// Tolerance is the relative parameter change below which an accepted
	// update ends the run.
	Tolerance float64
	// PhiFloor ends the run once the objective is at or below it.
	PhiFloor float64
	// Jacobian configures finite differencing and the worker pool.
	Jacobian jacobian.Config

	Logger    *slog.Logger
	Decisions *logging.DecisionLogger
}

func (o Options) withDefaults() (Options, error) {
	if o.Method == "" {
		o.Method = update.MethodSVD
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxIterations < 0 {
		return o, fmt.Errorf("%w: max iterations %d", ErrInvalidOptions, o.MaxIterations)
	}
	if o.Tolerance < 0 || math.IsNaN(o.Tolerance) {
		return o, fmt.Errorf("%w: tolerance %g", ErrInvalidOptions, o.Tolerance)
	}
	if o.PhiFloor < 0 || math.IsNaN(o.PhiFloor) {
		return o, fmt.Errorf("%w: phi floor %g", ErrInvalidOptions, o.PhiFloor)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o, nil
}

// Driver owns the state of one calibration run. It is not safe for
// concurrent use; create one Driver per run.
type Driver struct {
	model     model.ForwardModel
	space     *params.Space
	set       *obs.Set
	opts      Options
	strategy  update.Strategy
	estimator *jacobian.Estimator
	adjust    []int

	runs int
}

// NewDriver validates the options and prepares a run.
func NewDriver(m model.ForwardModel, space *params.Space, set *obs.Set, opts Options) (*Driver, error) {
	if m == nil {
		return nil, errors.New("calib: nil forward model")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	adjust := space.Adjustable()
	if len(adjust) == 0 {
		return nil, ErrNoAdjustable
	}
	strategy, err := update.New(opts.Method, opts.Update)
	if err != nil {
		return nil, err
	}
	return &Driver{
		model:     m,
		space:     space,
		set:       set,
		opts:      opts,
		strategy:  strategy,
		estimator: jacobian.NewEstimator(m, space, opts.Jacobian),
		adjust:    adjust,
	}, nil
}

// Run builds the parameter space and observation set from their groups and
// calibrates m against them.
func Run(ctx context.Context, m model.ForwardModel, pgroups []params.Group, ogroups []obs.Group, opts Options) (*Result, error) {
	space, err := params.NewSpace(pgroups)
	if err != nil {
		return nil, err
	}
	set, err := obs.NewSet(ogroups)
	if err != nil {
		return nil, err
	}
	d, err := NewDriver(m, space, set, opts)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx)
}

// point is an evaluated parameter vector.
type point struct {
	x         []float64 // estimation space, all parameters
	p         []float64 // model space, all parameters
	sim       []float64
	residuals []float64
	phi       float64
}

// Run iterates until convergence, the update budget, or cancellation.
// Configuration errors and a failed base evaluation are returned as errors.
// On cancellation the partial Result is returned with the context error.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	log := d.opts.Logger
	p0 := d.space.Clamp(d.space.Initial())
	x0, err := d.space.ToEstimation(p0)
	if err != nil {
		return nil, err
	}
	cur, err := d.evaluate(ctx, x0)
	if err != nil {
		return nil, err
	}

	var (
		history  History
		updates  int
		lastStep *stepOutcome
		reason   Reason
	)
	log.Info("calibration started",
		"method", d.strategy.Method(),
		"parameters", d.space.Len(),
		"adjustable", len(d.adjust),
		"observations", d.set.Len(),
		"phi", cur.phi)

	for iter := 0; ; iter++ {
		history = append(history, Record{
			Iteration:       iter,
			Objective:       cur.phi,
			GroupObjectives: d.set.GroupObjectives(cur.residuals),
			Parameters:      d.space.Grouped(cur.p),
		})

		if reason = d.terminated(cur, lastStep, updates); reason != "" {
			break
		}
		if ctx.Err() != nil {
			reason = ReasonCancelled
			break
		}

		step, next, err := d.step(ctx, cur)
		if err != nil {
			if ctx.Err() != nil {
				reason = ReasonCancelled
				break
			}
			return nil, err
		}
		updates++
		lastStep = step

		rec := &history[len(history)-1]
		rec.Updated = true
		rec.Accepted = step.accepted
		rec.RelativeChange = step.relative
		rec.JacobianRuns = step.jacobianRuns
		rec.Warnings = step.warnings
		diag := step.diagnostics
		rec.Diagnostics = &diag

		log.Info("iteration",
			"iteration", iter,
			"phi", cur.phi,
			"accepted", step.accepted,
			"relative_change", step.relative)
		log.Debug("update diagnostics",
			"iteration", iter,
			"components", diag.Components,
			"condition_number", diag.ConditionNumber,
			"lambda", diag.Lambda,
			"fallback", diag.Fallback)
		log.Log(ctx, logging.LevelTrace, "singular values",
			"iteration", iter,
			"values", diag.SingularValues)
		d.opts.Decisions.Log("iteration", map[string]any{
			"iteration":       iter,
			"phi":             cur.phi,
			"accepted":        step.accepted,
			"relative_change": step.relative,
			"diagnostics":     diag,
			"warnings":        len(step.warnings),
		})

		if next == nil {
			// rejected; the next iteration retries from cur
			continue
		}
		if next.sim == nil {
			if next, err = d.evaluate(ctx, next.x); err != nil {
				if ctx.Err() != nil {
					reason = ReasonCancelled
					break
				}
				return nil, err
			}
		}
		cur = next
	}

	res := &Result{
		Method:      d.strategy.Method(),
		Parameters:  d.space.Grouped(cur.p),
		Vector:      cur.p,
		Names:       d.space.Names(),
		Objective:   cur.phi,
		Converged:   reason.Converged(),
		Reason:      reason,
		Iterations:  updates,
		ForwardRuns: d.runs,
		History:     history,
	}
	log.Info("calibration finished",
		"reason", reason,
		"converged", res.Converged,
		"iterations", updates,
		"phi", cur.phi,
		"forward_runs", d.runs)
	d.opts.Decisions.Log("run_end", map[string]any{
		"reason":       string(reason),
		"converged":    res.Converged,
		"iterations":   updates,
		"phi":          cur.phi,
		"forward_runs": d.runs,
	})

	if reason == ReasonCancelled {
		return res, fmt.Errorf("calib: run cancelled after %d updates: %w", updates, ctx.Err())
	}
	return res, nil
}

// terminated returns the reason to stop at cur, or "" to continue.
// Parameter change is only consulted after an accepted update: a rejected
// Levenberg-Marquardt step has no increment and says nothing about
// convergence.
func (d *Driver) terminated(cur *point, last *stepOutcome, updates int) Reason {
	if cur.phi <= d.opts.PhiFloor {
		return ReasonPhiFloor
	}
	if last != nil && last.accepted && last.relative < d.opts.Tolerance {
		return ReasonParameterChange
	}
	if updates >= d.opts.MaxIterations {
		return ReasonMaxIterations
	}
	return ""
}

type stepOutcome struct {
	accepted     bool
	relative     float64
	jacobianRuns int
	warnings     []jacobian.Warning
	diagnostics  update.Diagnostics
}

// step estimates a fresh Jacobian at cur and asks the strategy for an
// increment. The returned point is nil when the increment was rejected; its
// sim is nil when it still needs a base evaluation.
func (d *Driver) step(ctx context.Context, cur *point) (*stepOutcome, *point, error) {
	jac, err := d.estimator.Estimate(ctx, cur.x, cur.sim)
	if err != nil {
		return nil, nil, err
	}
	d.runs += jac.Runs
	for _, w := range jac.Warnings {
		d.opts.Logger.Warn("jacobian column zeroed",
			"parameter", w.Parameter,
			"column", w.Column,
			"reason", w.Message)
	}
	if d.opts.Logger.Enabled(ctx, logging.LevelTrace) && jac.J != nil {
		d.opts.Logger.Log(ctx, logging.LevelTrace, "jacobian", "values", jac.J.RawMatrix().Data)
	}

	current := make([]float64, len(d.adjust))
	for k, i := range d.adjust {
		current[k] = cur.x[i]
	}
	var prior []float64
	if pr, ok := d.space.Prior(); ok {
		prior = pr
	}

	// The trial point is kept so an accepted LM step needs no second
	// evaluation at the same parameters.
	var trial *point
	in := update.Input{
		Jacobian:  jac.J,
		Residuals: cur.residuals,
		Weights:   d.set.Weights(),
		Current:   current,
		Prior:     prior,
		Objective: cur.phi,
		Trial: func(ctx context.Context, delta []float64) (float64, error) {
			xt, err := d.apply(cur.x, delta)
			if err != nil {
				return 0, err
			}
			pt, err := d.evaluate(ctx, xt)
			if err != nil {
				return 0, err
			}
			trial = pt
			return pt.phi, nil
		},
	}
	st, err := d.strategy.Step(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	out := &stepOutcome{
		accepted:     st.Accepted,
		jacobianRuns: jac.Runs,
		warnings:     jac.Warnings,
		diagnostics:  st.Diagnostics,
	}
	if !st.Accepted {
		return out, nil, nil
	}

	next := trial
	if next == nil {
		xn, err := d.apply(cur.x, st.Delta)
		if err != nil {
			return nil, nil, err
		}
		next = &point{x: xn}
		if next.p, err = d.space.ToModel(next.x); err != nil {
			return nil, nil, err
		}
	}
	out.relative = relativeChange(cur.x, next.x, d.adjust)
	return out, next, nil
}

// apply adds delta to the adjustable coordinates of x, clamps the result in
// model space, and maps it back to estimation space.
func (d *Driver) apply(x, delta []float64) ([]float64, error) {
	xn := append([]float64(nil), x...)
	for k, i := range d.adjust {
		xn[i] += delta[k]
	}
	p, err := d.space.ToModel(xn)
	if err != nil {
		return nil, fmt.Errorf("%w: applying increment: %w", ErrInvalidStep, err)
	}
	xc, err := d.space.ToEstimation(d.space.Clamp(p))
	if err != nil {
		return nil, fmt.Errorf("%w: applying increment: %w", ErrInvalidStep, err)
	}
	for i := range xn {
		if d.space.Parameter(i).Transform != params.Fixed {
			xn[i] = xc[i]
		}
	}
	return xn, nil
}

// evaluate runs the forward model at estimation-space x and scores it.
func (d *Driver) evaluate(ctx context.Context, x []float64) (*point, error) {
	p, err := d.space.ToModel(x)
	if err != nil {
		return nil, err
	}
	d.runs++
	sim, err := d.model.Simulate(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBaseEvaluation, err)
	}
	residuals, err := d.set.Residuals(sim)
	if err != nil {
		return nil, err
	}
	for _, v := range residuals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite simulated value", ErrBaseEvaluation)
		}
	}
	return &point{
		x:         x,
		p:         p,
		sim:       sim,
		residuals: residuals,
		phi:       d.set.WeightedObjective(residuals),
	}, nil
}

// relativeChange is ‖x1−x0‖ / max(‖x0‖, 1) over the adjustable coordinates.
func relativeChange(x0, x1 []float64, adjust []int) float64 {
	var num, den float64
	for _, i := range adjust {
		dx := x1[i] - x0[i]
		num += dx * dx
		den += x0[i] * x0[i]
	}
	return math.Sqrt(num) / math.Max(math.Sqrt(den), 1)
}
