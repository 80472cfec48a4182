package update

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func dense(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}
	return m
}

func ones(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// weightedLeastSquares solves the normal equations directly for comparison.
func weightedLeastSquares(t *testing.T, j *mat.Dense, r, w []float64) []float64 {
	t.Helper()
	jw, rw := weighted(j, r, w)
	a, b := normalEquations(jw, rw, 0)
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		t.Fatalf("reference solve: %v", err)
	}
	return x.RawVector().Data
}

func TestSVDAssistFullRankMatchesLeastSquares(t *testing.T) {
	j := dense([][]float64{{1, 0}, {1, 1}, {1, 2}, {1, 3}})
	r := []float64{1, 3, 2, 5}
	w := []float64{1, 2, 0.5, 1}

	step, err := (&SVDAssist{}).Step(context.Background(), Input{Jacobian: j, Residuals: r, Weights: w})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	want := weightedLeastSquares(t, j, r, w)
	for i := range want {
		if math.Abs(step.Delta[i]-want[i]) > 1e-10 {
			t.Errorf("delta[%d] = %v, want %v", i, step.Delta[i], want[i])
		}
	}
	if step.Diagnostics.Components != 2 {
		t.Errorf("Components = %d, want 2", step.Diagnostics.Components)
	}
	if math.Abs(step.Diagnostics.RetainedMass-1) > 1e-12 {
		t.Errorf("RetainedMass = %v, want 1", step.Diagnostics.RetainedMass)
	}
	if !step.Accepted {
		t.Error("SVD step should always be accepted")
	}
}

func TestSVDAssistSingleParameter(t *testing.T) {
	step, err := (&SVDAssist{}).Step(context.Background(), Input{
		Jacobian:  dense([][]float64{{2}}),
		Residuals: []float64{8},
		Weights:   []float64{1},
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(step.Delta[0]-4) > 1e-12 {
		t.Errorf("delta = %v, want 4", step.Delta[0])
	}
}

func TestSVDAssistRankOneRetainsOneComponent(t *testing.T) {
	j := dense([][]float64{{1, 1}, {2, 2}, {3, 3}})
	step, err := (&SVDAssist{}).Step(context.Background(), Input{
		Jacobian:  j,
		Residuals: []float64{1, 2, 3},
		Weights:   ones(3),
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	d := step.Diagnostics
	if d.Components != 1 {
		t.Fatalf("Components = %d, want 1", d.Components)
	}
	if math.IsInf(d.ConditionNumber, 0) || math.IsNaN(d.ConditionNumber) || d.ConditionNumber != 1 {
		t.Errorf("ConditionNumber = %v, want 1", d.ConditionNumber)
	}
	if math.Abs(d.RetainedMass-1) > 1e-12 {
		t.Errorf("RetainedMass = %v, want ~1", d.RetainedMass)
	}
	// Minimum-norm solution splits the unit sensitivity evenly.
	if math.Abs(step.Delta[0]-0.5) > 1e-10 || math.Abs(step.Delta[1]-0.5) > 1e-10 {
		t.Errorf("delta = %v, want [0.5 0.5]", step.Delta)
	}
}

func TestSVDAssistTruncationBoundsIncrement(t *testing.T) {
	j := dense([][]float64{{1, 1}, {2, 2}, {3, 3 + 1e-10}})
	in := Input{Jacobian: j, Residuals: []float64{1, -1, 1}, Weights: ones(3)}

	full, err := (&SVDAssist{Components: 2}).Step(context.Background(), in)
	if err != nil {
		t.Fatalf("full Step: %v", err)
	}
	trunc, err := (&SVDAssist{Components: 1}).Step(context.Background(), in)
	if err != nil {
		t.Fatalf("truncated Step: %v", err)
	}

	if full.Diagnostics.ConditionNumber < 1e8 {
		t.Errorf("full condition = %v, expected ill-conditioned", full.Diagnostics.ConditionNumber)
	}
	if trunc.Diagnostics.ConditionNumber != 1 {
		t.Errorf("truncated condition = %v, want 1", trunc.Diagnostics.ConditionNumber)
	}
	if n := norm(trunc.Delta); n > 10 {
		t.Errorf("truncated increment norm = %v, want bounded", n)
	}
	if norm(full.Delta) < 1e3*norm(trunc.Delta) {
		t.Errorf("full increment norm %v not dominated by the small singular value (truncated %v)",
			norm(full.Delta), norm(trunc.Delta))
	}
}

func TestSVDAssistDegenerateJacobian(t *testing.T) {
	step, err := (&SVDAssist{}).Step(context.Background(), Input{
		Jacobian:  mat.NewDense(2, 2, nil),
		Residuals: []float64{3, 4},
		Weights:   ones(2),
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Diagnostics.Components != 0 {
		t.Errorf("Components = %d, want 0", step.Diagnostics.Components)
	}
	for i, v := range step.Delta {
		if v != 0 {
			t.Errorf("delta[%d] = %v, want 0", i, v)
		}
	}
}

func TestZeroWeightRowIgnored(t *testing.T) {
	j := dense([][]float64{{1}, {1}, {1}})
	in := Input{Jacobian: j, Residuals: []float64{2, 4, 1e9}, Weights: []float64{1, 1, 0}}
	for _, s := range []Strategy{&SVDAssist{}, &Tikhonov{}} {
		step, err := s.Step(context.Background(), in)
		if err != nil {
			t.Fatalf("%s Step: %v", s.Method(), err)
		}
		if math.Abs(step.Delta[0]-3) > 1e-9 {
			t.Errorf("%s delta = %v, want 3", s.Method(), step.Delta[0])
		}
	}
}

func TestTikhonovAlphaZeroIsLeastSquares(t *testing.T) {
	j := dense([][]float64{{2, 1}, {1, 3}, {0, 1}})
	r := []float64{1, 2, 3}
	step, err := (&Tikhonov{}).Step(context.Background(), Input{Jacobian: j, Residuals: r, Weights: ones(3)})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	want := weightedLeastSquares(t, j, r, ones(3))
	for i := range want {
		if math.Abs(step.Delta[i]-want[i]) > 1e-10 {
			t.Errorf("delta[%d] = %v, want %v", i, step.Delta[i], want[i])
		}
	}
	if step.Diagnostics.Fallback != "" {
		t.Errorf("unexpected fallback %q", step.Diagnostics.Fallback)
	}
}

func TestTikhonovShrinksWithAlpha(t *testing.T) {
	j := dense([][]float64{{2, 1}, {1, 3}, {0, 1}})
	in := Input{Jacobian: j, Residuals: []float64{1, 2, 3}, Weights: ones(3), Current: []float64{0, 0}}

	prev := math.Inf(1)
	for _, alpha := range []float64{0, 0.1, 0.5, 1, 5, 50, 1e4} {
		step, err := (&Tikhonov{Alpha: alpha}).Step(context.Background(), in)
		if err != nil {
			t.Fatalf("Step(alpha=%v): %v", alpha, err)
		}
		n := norm(step.Delta)
		if n > prev {
			t.Errorf("alpha=%v: |delta| = %v grew from %v", alpha, n, prev)
		}
		prev = n
	}
	if prev > 1e-6 {
		t.Errorf("|delta| at large alpha = %v, want ~0", prev)
	}
}

func TestTikhonovApproachesPrior(t *testing.T) {
	j := dense([][]float64{{2, 1}, {1, 3}, {0, 1}})
	in := Input{
		Jacobian:  j,
		Residuals: []float64{1, 2, 3},
		Weights:   ones(3),
		Current:   []float64{1, 1},
		Prior:     []float64{4, -2},
	}
	target := []float64{3, -3}

	prevDist := math.Inf(1)
	for _, alpha := range []float64{0.1, 1, 10, 1e3} {
		step, err := (&Tikhonov{Alpha: alpha}).Step(context.Background(), in)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		dist := math.Hypot(step.Delta[0]-target[0], step.Delta[1]-target[1])
		if dist > prevDist {
			t.Errorf("alpha=%v: distance to prior %v grew from %v", alpha, dist, prevDist)
		}
		prevDist = dist
	}
	if prevDist > 1e-4 {
		t.Errorf("distance to prior at large alpha = %v", prevDist)
	}
}

func TestTikhonovPartialPrior(t *testing.T) {
	in := Input{
		Jacobian:  dense([][]float64{{2, 1}, {1, 3}, {0, 1}}),
		Residuals: []float64{1, 2, 3},
		Weights:   ones(3),
		Current:   []float64{1, 1},
		Prior:     []float64{4, math.NaN()},
	}
	step, err := (&Tikhonov{Alpha: 1e3}).Step(context.Background(), in)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	// The first parameter moves to its prior; the second only shrinks.
	if math.Abs(step.Delta[0]-3) > 1e-4 || math.Abs(step.Delta[1]) > 1e-4 {
		t.Errorf("delta = %v, want ~[3 0]", step.Delta)
	}
}

func TestTikhonovSingularFallsBack(t *testing.T) {
	j := dense([][]float64{{1, 1}, {2, 2}})
	step, err := (&Tikhonov{}).Step(context.Background(), Input{
		Jacobian:  j,
		Residuals: []float64{1, 2},
		Weights:   ones(2),
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Diagnostics.Fallback != "least-squares" {
		t.Errorf("Fallback = %q, want least-squares", step.Diagnostics.Fallback)
	}
	if !finite(step.Delta) {
		t.Errorf("delta = %v, want finite", step.Delta)
	}
	// The minimum-norm solution of the singular normal equations.
	if math.Abs(step.Delta[0]-0.5) > 1e-8 || math.Abs(step.Delta[1]-0.5) > 1e-8 {
		t.Errorf("delta = %v, want [0.5 0.5]", step.Delta)
	}
}

func TestSolveDirectReportsDegeneracy(t *testing.T) {
	a := dense([][]float64{{1, 2}, {2, 4}})
	_, _, err := solveDirect(a, mat.NewVecDense(2, []float64{1, 2}))
	if !errors.Is(err, ErrSolveDegenerate) {
		t.Errorf("solveDirect() error = %v, want ErrSolveDegenerate", err)
	}
}

func TestLevenbergMarquardtAcceptReject(t *testing.T) {
	j := dense([][]float64{{1}})
	in := Input{
		Jacobian:  j,
		Residuals: []float64{1},
		Weights:   []float64{1},
		Current:   []float64{0},
		Objective: 1,
	}

	lm := NewLevenbergMarquardt(0)
	if lm.Lambda() != DefaultLambda {
		t.Fatalf("initial lambda = %v, want %v", lm.Lambda(), DefaultLambda)
	}

	in.Trial = func(context.Context, []float64) (float64, error) { return 4, nil }
	step, err := lm.Step(context.Background(), in)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Accepted {
		t.Error("worsening step was accepted")
	}
	if step.Delta[0] != 0 {
		t.Errorf("rejected delta = %v, want 0", step.Delta[0])
	}
	if math.Abs(lm.Lambda()-0.1) > 1e-15 {
		t.Errorf("lambda after reject = %v, want 0.1", lm.Lambda())
	}
	if step.Diagnostics.Lambda != 0.01 || step.Diagnostics.NextLambda != lm.Lambda() {
		t.Errorf("diagnostics lambda = %v -> %v", step.Diagnostics.Lambda, step.Diagnostics.NextLambda)
	}

	in.Trial = func(context.Context, []float64) (float64, error) { return 0.5, nil }
	step, err = lm.Step(context.Background(), in)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !step.Accepted {
		t.Error("improving step was rejected")
	}
	// (1 + 0.1)·Δ = 1
	if math.Abs(step.Delta[0]-1/1.1) > 1e-12 {
		t.Errorf("delta = %v, want %v", step.Delta[0], 1/1.1)
	}
	if math.Abs(lm.Lambda()-0.01) > 1e-15 {
		t.Errorf("lambda after accept = %v, want 0.01", lm.Lambda())
	}
}

func TestLevenbergMarquardtTrialFailureRejects(t *testing.T) {
	lm := NewLevenbergMarquardt(1)
	step, err := lm.Step(context.Background(), Input{
		Jacobian:  dense([][]float64{{1}}),
		Residuals: []float64{1},
		Weights:   []float64{1},
		Current:   []float64{0},
		Objective: 1,
		Trial: func(context.Context, []float64) (float64, error) {
			return 0, errors.New("simulator crashed")
		},
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Accepted || lm.Lambda() != 10 {
		t.Errorf("accepted=%v lambda=%v, want rejection with lambda 10", step.Accepted, lm.Lambda())
	}
	if step.Diagnostics.Fallback == "" {
		t.Error("trial failure not recorded in diagnostics")
	}
}

func TestLevenbergMarquardtRequiresTrial(t *testing.T) {
	_, err := NewLevenbergMarquardt(0).Step(context.Background(), Input{
		Jacobian: dense([][]float64{{1}}), Residuals: []float64{1}, Weights: []float64{1},
	})
	if err == nil {
		t.Error("expected error without trial evaluator")
	}
}

func TestParseMethodAndNew(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"", MethodSVD},
		{"SVD", MethodSVD},
		{"tikhonov", MethodTikhonov},
		{"levenberg-marquardt", MethodLM},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMethod(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		s, err := New(got, Options{})
		if err != nil {
			t.Fatalf("New(%v): %v", got, err)
		}
		if s.Method() != got {
			t.Errorf("New(%v).Method() = %v", got, s.Method())
		}
	}
	if _, err := ParseMethod("bfgs"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("ParseMethod(bfgs) error = %v", err)
	}
	if _, err := New(MethodTikhonov, Options{Alpha: -1}); err == nil {
		t.Error("expected error for negative alpha")
	}
}
