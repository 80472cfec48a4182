package update

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// DefaultSVDThreshold is the relative singular-value cutoff used when no
// explicit component count is given.
const DefaultSVDThreshold = 1e-6

// SVDAssist solves the weighted least-squares problem through a truncated
// singular value decomposition of diag(√w)·J.
//
// With Components > 0 the leading Components singular triplets are kept
// (exactly-zero singular values are always dropped). Otherwise every
// σ_i > Threshold·σ_0 is kept. When nothing survives, the increment is zero.
type SVDAssist struct {
	Components int
	Threshold  float64
}

// Method implements Strategy.
func (s *SVDAssist) Method() Method { return MethodSVD }

// Step implements Strategy.
func (s *SVDAssist) Step(_ context.Context, in Input) (Step, error) {
	_, n := in.Jacobian.Dims()
	diag := Diagnostics{Method: MethodSVD}

	jw, rw := weighted(in.Jacobian, in.Residuals, in.Weights)
	var svd mat.SVD
	if !svd.Factorize(jw, mat.SVDThin) {
		diag.Fallback = "svd-failed"
		return Step{Delta: make([]float64, n), Accepted: true, Diagnostics: diag}, nil
	}
	vals := svd.Values(nil)
	diag.SingularValues = vals

	k := s.retained(vals)
	diag.Components = k

	var total, kept float64
	for i, v := range vals {
		total += v * v
		if i < k {
			kept += v * v
		}
	}
	if total > 0 {
		diag.RetainedMass = kept / total
	}
	if k == 0 {
		diag.Fallback = "no-components"
		return Step{Delta: make([]float64, n), Accepted: true, Diagnostics: diag}, nil
	}
	diag.ConditionNumber = vals[0] / vals[k-1]

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	return Step{
		Delta:       pseudoSolve(&u, &v, vals, k, rw),
		Accepted:    true,
		Diagnostics: diag,
	}, nil
}

// retained returns how many leading singular values to keep. vals is sorted
// in decreasing order.
func (s *SVDAssist) retained(vals []float64) int {
	if len(vals) == 0 || vals[0] <= 0 {
		return 0
	}
	if s.Components > 0 {
		k := min(s.Components, len(vals))
		for k > 0 && vals[k-1] <= 0 {
			k--
		}
		return k
	}
	eps := s.Threshold
	if eps <= 0 {
		eps = DefaultSVDThreshold
	}
	k := 0
	for k < len(vals) && vals[k] > eps*vals[0] {
		k++
	}
	return k
}
