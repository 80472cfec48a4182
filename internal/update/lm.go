package update

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DefaultLambda is the initial Marquardt damping.
const DefaultLambda = 0.01

// lambdaFactor scales damping after each accept or reject.
const lambdaFactor = 10

// LevenbergMarquardt solves (JᵀWJ + λI)·Δ = JᵀWr and tests the candidate with
// a trial forward run. An improvement is accepted and λ is divided by 10;
// otherwise the increment is discarded and λ is multiplied by 10.
type LevenbergMarquardt struct {
	lambda float64
}

// NewLevenbergMarquardt creates the strategy with initial damping lambda
// (DefaultLambda when zero).
func NewLevenbergMarquardt(lambda float64) *LevenbergMarquardt {
	if lambda == 0 {
		lambda = DefaultLambda
	}
	return &LevenbergMarquardt{lambda: lambda}
}

// Lambda returns the damping the next Step will use.
func (lm *LevenbergMarquardt) Lambda() float64 { return lm.lambda }

// Method implements Strategy.
func (lm *LevenbergMarquardt) Method() Method { return MethodLM }

// Step implements Strategy. It returns an error only when Trial is missing or
// the context was cancelled during the trial run; a failed trial run counts
// as a rejection.
func (lm *LevenbergMarquardt) Step(ctx context.Context, in Input) (Step, error) {
	if in.Trial == nil {
		return Step{}, errors.New("update: levenberg-marquardt requires a trial evaluator")
	}
	_, n := in.Jacobian.Dims()

	jw, rw := weighted(in.Jacobian, in.Residuals, in.Weights)
	normal, rhs := normalEquations(jw, rw, lm.lambda)
	delta, diag := solveWithFallback(normal, rhs)
	diag.Method = MethodLM
	diag.Lambda = lm.lambda

	phi, err := in.Trial(ctx, delta)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Step{}, ctxErr
	}
	if err != nil {
		diag.Fallback = joinNote(diag.Fallback, fmt.Sprintf("trial run failed: %v", err))
		phi = math.Inf(1)
	}

	if phi < in.Objective {
		lm.lambda /= lambdaFactor
		diag.NextLambda = lm.lambda
		diag.TrialObjective = phi
		return Step{Delta: delta, Accepted: true, Diagnostics: diag}, nil
	}

	lm.lambda *= lambdaFactor
	diag.NextLambda = lm.lambda
	if !math.IsInf(phi, 0) {
		diag.TrialObjective = phi
	}
	return Step{Delta: make([]float64, n), Accepted: false, Diagnostics: diag}, nil
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
