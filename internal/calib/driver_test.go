package calib

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/model"
	"github.com/leixiaohui-1974/pestcal/internal/obs"
	"github.com/leixiaohui-1974/pestcal/internal/params"
	"github.com/leixiaohui-1974/pestcal/internal/update"
	"gonum.org/v1/gonum/mat"
)

func ptr(v float64) *float64 { return &v }

func group(ps ...params.Parameter) []params.Group {
	return []params.Group{{Name: "g", Parameters: ps}}
}

func observations(values, weights []float64) []obs.Group {
	return []obs.Group{{Name: "heads", Values: values, Weights: weights}}
}

// doubler is y = 2·p for a single parameter.
var doubler = model.Func(func(_ context.Context, p []float64) ([]float64, error) {
	return []float64{2 * p[0]}, nil
})

func TestRun_SingleParameterScenario(t *testing.T) {
	res, err := Run(context.Background(), doubler,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100}),
		observations([]float64{10}, []float64{1}),
		Options{Method: update.MethodSVD})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Converged {
		t.Errorf("Converged = false, reason %s", res.Reason)
	}
	if got := res.Parameters["g"]["p"]; math.Abs(got-5) > 1e-6 {
		t.Errorf("p = %v, want 5", got)
	}

	first := res.History[0]
	if first.Objective != 64 {
		t.Errorf("first objective = %v, want 64 (residual 8)", first.Objective)
	}
	if first.Diagnostics == nil || len(first.Diagnostics.SingularValues) != 1 {
		t.Fatalf("first diagnostics = %+v", first.Diagnostics)
	}
	// With unit weight the only singular value is |J| = 2.
	if sv := first.Diagnostics.SingularValues[0]; math.Abs(sv-2) > 1e-6 {
		t.Errorf("singular value = %v, want 2", sv)
	}
	if first.JacobianRuns != 1 {
		t.Errorf("JacobianRuns = %d, want 1", first.JacobianRuns)
	}

	second := res.History[1]
	if got := second.Parameters["g"]["p"]; math.Abs(got-5) > 1e-6 {
		t.Errorf("p after first update = %v, want 5", got)
	}
	if second.Objective > 1e-10 {
		t.Errorf("second objective = %v, want ~0", second.Objective)
	}
	if got := second.GroupObjectives["heads"]; got != second.Objective {
		t.Errorf("group objective = %v, want %v", got, second.Objective)
	}
}

func TestRun_PhiFloorStopsExactFit(t *testing.T) {
	// The initial point already fits exactly.
	identity := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		return []float64{p[0]}, nil
	})
	res, err := Run(context.Background(), identity,
		group(params.Parameter{Name: "p", Initial: 0, Lower: -10, Upper: 10}),
		observations([]float64{0}, nil),
		Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ReasonPhiFloor || !res.Converged {
		t.Errorf("reason = %s converged = %v, want phi-floor/true", res.Reason, res.Converged)
	}
	if res.Iterations != 0 || len(res.History) != 1 {
		t.Errorf("iterations = %d history = %d, want 0 and 1", res.Iterations, len(res.History))
	}
	if res.ForwardRuns != 1 {
		t.Errorf("ForwardRuns = %d, want 1", res.ForwardRuns)
	}
}

func TestRun_RankDeficientRetainsOneComponent(t *testing.T) {
	// Both parameters enter only through their sum, so the Jacobian columns
	// are identical.
	sum := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		s := p[0] + p[1]
		return []float64{s, 2 * s}, nil
	})
	res, err := Run(context.Background(), sum,
		group(
			params.Parameter{Name: "a", Initial: 0, Lower: -10, Upper: 10},
			params.Parameter{Name: "b", Initial: 0, Lower: -10, Upper: 10},
		),
		observations([]float64{3, 6}, nil),
		Options{Method: update.MethodSVD})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	diag := res.History[0].Diagnostics
	if diag == nil {
		t.Fatal("missing diagnostics on first record")
	}
	if diag.Components != 1 {
		t.Errorf("Components = %d, want 1", diag.Components)
	}
	if math.IsInf(diag.ConditionNumber, 0) || math.IsNaN(diag.ConditionNumber) || diag.ConditionNumber > 10 {
		t.Errorf("ConditionNumber = %v, want small and finite", diag.ConditionNumber)
	}

	a, b := res.Parameters["g"]["a"], res.Parameters["g"]["b"]
	if math.Abs(a+b-3) > 1e-6 {
		t.Errorf("a+b = %v, want 3", a+b)
	}
	// Minimum-norm increment splits the correction evenly.
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("a = %v, b = %v, want equal", a, b)
	}
}

func TestRun_LinearFullRankOneIteration(t *testing.T) {
	rows := [][]float64{{1, 0}, {1, 1}, {1, 2}, {1, 3}}
	y := []float64{1, 3, 2, 5}
	w := []float64{1, 2, 0.5, 1}

	lin, err := model.NewLinear(rows, nil)
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	res, err := Run(context.Background(), lin,
		group(
			params.Parameter{Name: "intercept", Initial: 0, Lower: -100, Upper: 100},
			params.Parameter{Name: "slope", Initial: 0, Lower: -100, Upper: 100},
		),
		observations(y, w),
		Options{Method: update.MethodSVD, Update: update.Options{Threshold: 1e-14}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := weightedSolution(t, rows, y, w)
	after := res.History[1].Parameters["g"]
	for i, name := range []string{"intercept", "slope"} {
		if math.Abs(after[name]-want[i]) > 1e-6 {
			t.Errorf("%s after one update = %v, want %v", name, after[name], want[i])
		}
	}
	if res.History[0].Diagnostics.Components != 2 {
		t.Errorf("Components = %d, want 2", res.History[0].Diagnostics.Components)
	}
	if !res.Converged || res.Reason != ReasonParameterChange {
		t.Errorf("reason = %s converged = %v", res.Reason, res.Converged)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2 (solve, then confirm)", res.Iterations)
	}
}

// weightedSolution solves AᵀWA·p = AᵀW·y.
func weightedSolution(t *testing.T, rows [][]float64, y, w []float64) []float64 {
	t.Helper()
	n := len(rows[0])
	ata := mat.NewDense(n, n, nil)
	aty := mat.NewVecDense(n, nil)
	for i, r := range rows {
		for a := 0; a < n; a++ {
			aty.SetVec(a, aty.AtVec(a)+w[i]*r[a]*y[i])
			for b := 0; b < n; b++ {
				ata.Set(a, b, ata.At(a, b)+w[i]*r[a]*r[b])
			}
		}
	}
	var p mat.VecDense
	if err := p.SolveVec(ata, aty); err != nil {
		t.Fatalf("reference solve: %v", err)
	}
	return p.RawVector().Data
}

func TestRun_BoundsRespected(t *testing.T) {
	tests := []struct {
		name   string
		method update.Method
	}{
		{"svd", update.MethodSVD},
		{"tikhonov", update.MethodTikhonov},
		{"lm", update.MethodLM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), doubler,
				group(params.Parameter{Name: "p", Initial: 1, Lower: 0.5, Upper: 3}),
				observations([]float64{10}, nil),
				Options{Method: tt.method, MaxIterations: 10})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, rec := range res.History {
				if v := rec.Parameters["g"]["p"]; v < 0.5 || v > 3 {
					t.Errorf("iteration %d: p = %v outside [0.5, 3]", rec.Iteration, v)
				}
			}
			if got := res.Parameters["g"]["p"]; math.Abs(got-3) > 1e-9 {
				t.Errorf("final p = %v, want upper bound 3", got)
			}
		})
	}
}

func TestRun_LogTransform(t *testing.T) {
	res, err := Run(context.Background(), doubler,
		group(params.Parameter{Name: "k", Initial: 1, Lower: 0.01, Upper: 100, Transform: params.Log}),
		observations([]float64{10}, nil),
		Options{Tolerance: 1e-8})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Converged {
		t.Fatalf("not converged: %s after %d iterations", res.Reason, res.Iterations)
	}
	if got := res.Parameters["g"]["k"]; math.Abs(got-5) > 1e-5 {
		t.Errorf("k = %v, want 5", got)
	}
}

func TestRun_FixedParameterUntouched(t *testing.T) {
	twoParam := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		return []float64{p[0] + p[1], p[0] - p[1]}, nil
	})
	var calls atomic.Int32
	counting := model.Func(func(ctx context.Context, p []float64) ([]float64, error) {
		calls.Add(1)
		return twoParam(ctx, p)
	})
	res, err := Run(context.Background(), counting,
		group(
			params.Parameter{Name: "free", Initial: 0, Lower: -10, Upper: 10},
			params.Parameter{Name: "pinned", Initial: 1, Lower: -10, Upper: 10, Transform: params.Fixed},
		),
		observations([]float64{4, 2}, nil),
		Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Parameters["g"]["pinned"]; got != 1 {
		t.Errorf("pinned = %v, want 1", got)
	}
	if got := res.History[0].JacobianRuns; got != 1 {
		t.Errorf("JacobianRuns = %d, want 1 (fixed parameter has no column)", got)
	}
	if got := res.Parameters["g"]["free"]; math.Abs(got-3) > 1e-6 {
		t.Errorf("free = %v, want 3", got)
	}
	if int(calls.Load()) != res.ForwardRuns {
		t.Errorf("ForwardRuns = %d, model called %d times", res.ForwardRuns, calls.Load())
	}
}

func TestRun_LevenbergMarquardtRejection(t *testing.T) {
	// Linear near p = 1, wildly wrong elsewhere: every sizable step worsens
	// the objective.
	cliff := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		if math.Abs(p[0]-1) < 1e-3 {
			return []float64{2 * p[0]}, nil
		}
		return []float64{1000}, nil
	})
	res, err := Run(context.Background(), cliff,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100}),
		observations([]float64{10}, nil),
		Options{Method: update.MethodLM, MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Converged || res.Reason != ReasonMaxIterations {
		t.Errorf("reason = %s converged = %v, want max-iterations/false", res.Reason, res.Converged)
	}
	if got := res.Parameters["g"]["p"]; got != 1 {
		t.Errorf("p = %v, want unchanged 1", got)
	}

	lambdas := []float64{0.01, 0.1, 1}
	for i, want := range lambdas {
		rec := res.History[i]
		if rec.Accepted {
			t.Errorf("iteration %d accepted", i)
		}
		if rec.Parameters["g"]["p"] != 1 {
			t.Errorf("iteration %d: p = %v, want 1", i, rec.Parameters["g"]["p"])
		}
		if math.Abs(rec.Diagnostics.Lambda-want) > 1e-12 {
			t.Errorf("iteration %d: lambda = %v, want %v", i, rec.Diagnostics.Lambda, want)
		}
		if math.Abs(rec.Diagnostics.NextLambda-10*want) > 1e-12 {
			t.Errorf("iteration %d: next lambda = %v, want %v", i, rec.Diagnostics.NextLambda, 10*want)
		}
	}
	// Every outer iteration estimates a fresh Jacobian, even at an
	// unchanged point.
	for i := 0; i < 3; i++ {
		if got := res.History[i].JacobianRuns; got != 1 {
			t.Errorf("iteration %d: JacobianRuns = %d, want 1", i, got)
		}
	}
	// base + three single-column Jacobians + three trials
	if res.ForwardRuns != 7 {
		t.Errorf("ForwardRuns = %d, want 7", res.ForwardRuns)
	}
}

func TestRun_LevenbergMarquardtConverges(t *testing.T) {
	res, err := Run(context.Background(), doubler,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100}),
		observations([]float64{10}, nil),
		Options{Method: update.MethodLM})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Converged {
		t.Fatalf("not converged: %s", res.Reason)
	}
	if got := res.Parameters["g"]["p"]; math.Abs(got-5) > 1e-6 {
		t.Errorf("p = %v, want 5", got)
	}
	if !res.History[0].Accepted {
		t.Error("first LM step should improve the objective")
	}
}

func TestRun_TikhonovStaysNearPrior(t *testing.T) {
	res, err := Run(context.Background(), doubler,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100, Prior: ptr(1)}),
		observations([]float64{10}, nil),
		Options{Method: update.MethodTikhonov, Update: update.Options{Alpha: 100}, MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Parameters["g"]["p"]; got < 1 || got > 1.01 {
		t.Errorf("p = %v, want within 0.01 of prior 1", got)
	}
	if res.History[0].Diagnostics.Alpha != 100 {
		t.Errorf("Alpha = %v, want 100", res.History[0].Diagnostics.Alpha)
	}
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("simulator crashed")
	tests := []struct {
		name    string
		model   model.ForwardModel
		params  []params.Group
		opts    Options
		wantErr error
	}{
		{
			name: "base evaluation failure",
			model: model.Func(func(context.Context, []float64) ([]float64, error) {
				return nil, boom
			}),
			params:  group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2}),
			wantErr: ErrBaseEvaluation,
		},
		{
			name: "output shape mismatch",
			model: model.Func(func(context.Context, []float64) ([]float64, error) {
				return []float64{1, 2}, nil
			}),
			params:  group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2}),
			wantErr: obs.ErrShapeMismatch,
		},
		{
			name:    "all parameters fixed",
			model:   doubler,
			params:  group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2, Transform: params.Fixed}),
			wantErr: ErrNoAdjustable,
		},
		{
			name:    "invalid bounds",
			model:   doubler,
			params:  group(params.Parameter{Name: "p", Initial: 5, Lower: 0, Upper: 2}),
			wantErr: params.ErrInvalidBounds,
		},
		{
			name:    "unknown method",
			model:   doubler,
			params:  group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2}),
			opts:    Options{Method: "simplex"},
			wantErr: ErrUnknownMethod,
		},
		{
			name:    "negative tolerance",
			model:   doubler,
			params:  group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2}),
			opts:    Options{Tolerance: -1},
			wantErr: ErrInvalidOptions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), tt.model, tt.params, observations([]float64{1}, nil), tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if res != nil {
				t.Errorf("expected nil result on configuration error")
			}
		})
	}
}

func TestRun_BaseFailureWrapsCause(t *testing.T) {
	boom := errors.New("simulator crashed")
	_, err := Run(context.Background(),
		model.Func(func(context.Context, []float64) ([]float64, error) { return nil, boom }),
		group(params.Parameter{Name: "p", Initial: 1, Lower: 0, Upper: 2}),
		observations([]float64{1}, nil), Options{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelling := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		cancel()
		return []float64{2 * p[0]}, nil
	})
	res, err := Run(ctx, cancelling,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100}),
		observations([]float64{10}, nil),
		Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatal("expected partial result on cancellation")
	}
	if res.Reason != ReasonCancelled || res.Converged {
		t.Errorf("reason = %s converged = %v", res.Reason, res.Converged)
	}
	if len(res.History) != 1 || res.Iterations != 0 {
		t.Errorf("history = %d iterations = %d, want 1 and 0", len(res.History), res.Iterations)
	}
	if res.Parameters["g"]["p"] != 1 {
		t.Errorf("p = %v, want initial 1", res.Parameters["g"]["p"])
	}
}

func TestRun_JacobianColumnFailureIsWarning(t *testing.T) {
	// b's perturbation fails; a still calibrates.
	m := model.Func(func(_ context.Context, p []float64) ([]float64, error) {
		if p[1] != 1 {
			return nil, errors.New("b out of range")
		}
		return []float64{p[0], 3 * p[0]}, nil
	})
	res, err := Run(context.Background(), m,
		group(
			params.Parameter{Name: "a", Initial: 0, Lower: -10, Upper: 10},
			params.Parameter{Name: "b", Initial: 1, Lower: -10, Upper: 10},
		),
		observations([]float64{2, 6}, nil),
		Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	warns := res.History[0].Warnings
	if len(warns) != 1 || warns[0].Parameter != "g/b" {
		t.Fatalf("warnings = %+v, want one for g/b", warns)
	}
	if got := res.Parameters["g"]["a"]; math.Abs(got-2) > 1e-6 {
		t.Errorf("a = %v, want 2", got)
	}
	if got := res.Parameters["g"]["b"]; got != 1 {
		t.Errorf("b = %v, want 1 (zero sensitivity)", got)
	}
}

func TestRun_DecisionLog(t *testing.T) {
	dir := t.TempDir()
	dl := logging.NewDecisionLogger(dir, "debug")
	_, err := Run(context.Background(), doubler,
		group(params.Parameter{Name: "p", Initial: 1, Lower: -100, Upper: 100}),
		observations([]float64{10}, nil),
		Options{Decisions: dl.ForRun("r1")})
	dl.Close()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("read decisions: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"event":"iteration"`, `"event":"run_end"`, `"run_id":"r1"`} {
		if !strings.Contains(text, want) {
			t.Errorf("decision log missing %s:\n%s", want, text)
		}
	}
}

func TestHistoryHelpers(t *testing.T) {
	var empty History
	if _, ok := empty.Last(); ok {
		t.Error("Last on empty history reported ok")
	}
	h := History{{Objective: 4}, {Objective: 1}}
	got := h.Objectives()
	if len(got) != 2 || got[0] != 4 || got[1] != 1 {
		t.Errorf("Objectives = %v", got)
	}
	if last, _ := h.Last(); last.Objective != 1 {
		t.Errorf("Last = %+v", last)
	}
}

func TestDriver_ApplyRejectsUnmappableIncrement(t *testing.T) {
	space, err := params.NewSpace(group(params.Parameter{
		Name: "k", Initial: 1, Lower: 0.1, Upper: 10, Transform: params.Log,
	}))
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	set, err := obs.NewSet(observations([]float64{2}, nil))
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	d, err := NewDriver(doubler, space, set, Options{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	if _, err := d.apply([]float64{0}, []float64{math.NaN()}); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("apply(NaN) error = %v, want ErrInvalidStep", err)
	}
	x, err := d.apply([]float64{0}, []float64{100})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if math.Abs(x[0]-math.Log(10)) > 1e-12 {
		t.Errorf("apply clamped to %v, want log(10)", x[0])
	}
}
