// Package jacobian estimates the sensitivity matrix of simulated observations
// with respect to the adjustable parameters by forward finite differences.
package jacobian

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/leixiaohui-1974/pestcal/internal/model"
	"github.com/leixiaohui-1974/pestcal/internal/params"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// DefaultPerturbation is the relative finite-difference step.
const DefaultPerturbation = 1e-6

// Config configures an Estimator. Zero values are replaced with defaults.
type Config struct {
	// Perturbation is the step relative to max(|x_j|, 1). Default 1e-6.
	Perturbation float64 `json:"perturbation" yaml:"perturbation"`
	// Workers bounds concurrent forward runs. Default GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// Warning records a column that could not be estimated and was zeroed.
type Warning struct {
	Parameter string `json:"parameter"`
	Column    int    `json:"column"`
	Message   string `json:"message"`
}

// Result is the sensitivity matrix for one iteration. Columns follow
// Space.Adjustable order; rows follow the observation order.
type Result struct {
	J        *mat.Dense
	Warnings []Warning
	Runs     int
}

// Estimator computes Jacobians against a forward model.
type Estimator struct {
	model        model.ForwardModel
	space        *params.Space
	perturbation float64
	workers      int
}

// NewEstimator creates an Estimator for the given model and parameter space.
func NewEstimator(m model.ForwardModel, space *params.Space, cfg Config) *Estimator {
	e := &Estimator{
		model:        m,
		space:        space,
		perturbation: cfg.Perturbation,
		workers:      cfg.Workers,
	}
	if e.perturbation <= 0 {
		e.perturbation = DefaultPerturbation
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// Estimate perturbs each adjustable estimation-space coordinate of x once and
// differences the result against base, the simulated vector already computed
// at x. Perturbations run on a pool of min(columns, Workers) goroutines; each
// writes only its own column.
//
// A perturbation whose forward run fails or returns non-finite values yields
// a zero column and a Warning. Cancellation is checked before dispatch and
// after the batch joins.
func (e *Estimator) Estimate(ctx context.Context, x, base []float64) (*Result, error) {
	if len(x) != e.space.Len() {
		return nil, fmt.Errorf("%w: got %d, want %d", params.ErrShapeMismatch, len(x), e.space.Len())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	adjustable := e.space.Adjustable()
	names := e.space.Names()
	nobs, ncol := len(base), len(adjustable)
	cols := make([][]float64, ncol)
	warns := make([]*Warning, ncol)

	var g errgroup.Group
	g.SetLimit(min(ncol, e.workers))
	for k, idx := range adjustable {
		g.Go(func() error {
			col, err := e.column(ctx, x, base, idx)
			if err != nil {
				warns[k] = &Warning{
					Parameter: names[idx],
					Column:    k,
					Message:   err.Error(),
				}
				col = make([]float64, nobs)
			}
			cols[k] = col
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Runs: ncol}
	if nobs > 0 && ncol > 0 {
		res.J = mat.NewDense(nobs, ncol, nil)
		for k, col := range cols {
			res.J.SetCol(k, col)
		}
	}
	for _, w := range warns {
		if w != nil {
			res.Warnings = append(res.Warnings, *w)
		}
	}
	return res, nil
}

// column runs one perturbed evaluation. When a forward step would leave the
// parameter's upper bound the step is taken backwards instead.
func (e *Estimator) column(ctx context.Context, x, base []float64, idx int) ([]float64, error) {
	step := e.perturbation * math.Max(math.Abs(x[idx]), 1.0)

	xp := append([]float64(nil), x...)
	xp[idx] += step
	p, err := e.space.ToModel(xp)
	if err != nil {
		return nil, err
	}
	if p[idx] > e.space.Parameter(idx).Upper {
		step = -step
		xp[idx] = x[idx] + step
		if p, err = e.space.ToModel(xp); err != nil {
			return nil, err
		}
	}

	sim, err := e.model.Simulate(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("forward run failed: %w", err)
	}
	if len(sim) != len(base) {
		return nil, fmt.Errorf("forward run returned %d values, want %d", len(sim), len(base))
	}
	col := make([]float64, len(base))
	for i := range sim {
		d := (sim[i] - base[i]) / step
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("non-finite sensitivity for observation %d", i)
		}
		col[i] = d
	}
	return col, nil
}
