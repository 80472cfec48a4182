package update

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxCondition bounds the condition number accepted from a direct solve.
const maxCondition = 1e14

// lstsqRcond is the relative singular-value cutoff of the least-squares
// fallback.
const lstsqRcond = 1e-12

// weighted returns diag(sqrt(w))·J and diag(sqrt(w))·r.
func weighted(j *mat.Dense, r, w []float64) (*mat.Dense, *mat.VecDense) {
	rows, cols := j.Dims()
	jw := mat.NewDense(rows, cols, nil)
	rw := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		s := math.Sqrt(w[i])
		for k := 0; k < cols; k++ {
			jw.Set(i, k, s*j.At(i, k))
		}
		rw.SetVec(i, s*r[i])
	}
	return jw, rw
}

// normalEquations returns JwᵀJw + damping·I and Jwᵀrw.
func normalEquations(jw *mat.Dense, rw *mat.VecDense, damping float64) (*mat.Dense, *mat.VecDense) {
	_, n := jw.Dims()
	var jtj mat.Dense
	jtj.Mul(jw.T(), jw)
	for i := 0; i < n; i++ {
		jtj.Set(i, i, jtj.At(i, i)+damping)
	}
	var rhs mat.VecDense
	rhs.MulVec(jw.T(), rw)
	return &jtj, &rhs
}

// solveDirect solves a·x = b by LU. It returns ErrSolveDegenerate instead of a
// meaningless answer when a is singular or badly conditioned.
func solveDirect(a *mat.Dense, b *mat.VecDense) ([]float64, float64, error) {
	var lu mat.LU
	lu.Factorize(a)
	cond := lu.Cond()
	if math.IsInf(cond, 1) || math.IsNaN(cond) || cond > maxCondition {
		return nil, 0, fmt.Errorf("%w: condition number %g", ErrSolveDegenerate, cond)
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, b); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSolveDegenerate, err)
	}
	out := x.RawVector().Data
	if !finite(out) {
		return nil, 0, fmt.Errorf("%w: non-finite solution", ErrSolveDegenerate)
	}
	return append([]float64(nil), out...), cond, nil
}

// solveLeastSquares returns the minimum-norm least-squares solution of
// a·x = b through a truncated pseudo-inverse. It always returns a finite
// vector; if the factorization itself fails the result is zero.
func solveLeastSquares(a *mat.Dense, b *mat.VecDense) ([]float64, bool) {
	_, n := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return make([]float64, n), false
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	k := 0
	if len(vals) > 0 && vals[0] > 0 {
		for k < len(vals) && vals[k] > lstsqRcond*vals[0] {
			k++
		}
	}
	return pseudoSolve(&u, &v, vals, k, b), true
}

// pseudoSolve computes V_k·Σ_k⁻¹·U_kᵀ·b.
func pseudoSolve(u, v *mat.Dense, vals []float64, k int, b *mat.VecDense) []float64 {
	rows, _ := v.Dims()
	x := make([]float64, rows)
	for i := 0; i < k; i++ {
		coef := mat.Dot(u.ColView(i), b) / vals[i]
		for p := 0; p < rows; p++ {
			x[p] += v.At(p, i) * coef
		}
	}
	return x
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
