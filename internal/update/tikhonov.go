package update

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tikhonov solves (JᵀWJ + α²I)·Δ = JᵀWr + α²(prior − current). For
// parameters without a prior (NaN entries, or no Prior at all) the
// regularization term only shrinks the increment toward zero.
// Alpha = 0 gives the ordinary normal equations.
//
// A singular or badly conditioned system falls back to a minimum-norm
// least-squares solve, recorded as Diagnostics.Fallback.
type Tikhonov struct {
	Alpha float64
}

// Method implements Strategy.
func (t *Tikhonov) Method() Method { return MethodTikhonov }

// Step implements Strategy.
func (t *Tikhonov) Step(_ context.Context, in Input) (Step, error) {
	a2 := t.Alpha * t.Alpha
	jw, rw := weighted(in.Jacobian, in.Residuals, in.Weights)
	normal, rhs := normalEquations(jw, rw, a2)
	if in.Prior != nil && a2 > 0 {
		for i := range in.Prior {
			if math.IsNaN(in.Prior[i]) {
				continue
			}
			rhs.SetVec(i, rhs.AtVec(i)+a2*(in.Prior[i]-in.Current[i]))
		}
	}

	delta, diag := solveWithFallback(normal, rhs)
	diag.Method = MethodTikhonov
	diag.Alpha = t.Alpha
	return Step{Delta: delta, Accepted: true, Diagnostics: diag}, nil
}

// solveWithFallback tries the direct solve first and resolves
// ErrSolveDegenerate with least squares. It never fails.
func solveWithFallback(a *mat.Dense, b *mat.VecDense) ([]float64, Diagnostics) {
	var diag Diagnostics
	delta, cond, err := solveDirect(a, b)
	if !errors.Is(err, ErrSolveDegenerate) {
		diag.ConditionNumber = cond
		return delta, diag
	}
	delta, ok := solveLeastSquares(a, b)
	if !ok {
		diag.Fallback = "zero"
		return delta, diag
	}
	diag.Fallback = "least-squares"
	return delta, diag
}
