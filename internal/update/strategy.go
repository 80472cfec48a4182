// Package update turns a Jacobian and weighted residuals into a parameter
// increment in estimation space.
//
// Three strategies are provided:
//   - [SVDAssist] truncates small singular values of the weighted Jacobian.
//   - [Tikhonov] regularizes the normal equations toward a prior.
//   - [LevenbergMarquardt] damps the normal equations adaptively and tests
//     each candidate increment with a trial forward run.
package update

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrSolveDegenerate reports that a direct linear solve was singular or too
// ill-conditioned to trust. Strategies resolve it with a fallback.
var ErrSolveDegenerate = errors.New("update: degenerate linear system")

// ErrUnknownMethod is returned by New for an unrecognized method name.
var ErrUnknownMethod = errors.New("update: unknown method")

// Method names an update strategy.
type Method string

const (
	MethodSVD      Method = "svd"
	MethodTikhonov Method = "tikhonov"
	MethodLM       Method = "lm"
)

// ParseMethod maps configuration strings to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "svd", "svd-assist", "svdassist":
		return MethodSVD, nil
	case "tikhonov", "regularization":
		return MethodTikhonov, nil
	case "lm", "levenberg-marquardt", "marquardt":
		return MethodLM, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: svd, tikhonov, lm)", ErrUnknownMethod, s)
	}
}

// Input is everything a strategy needs for one increment. Vectors over
// parameters cover the adjustable parameters only, in estimation space.
type Input struct {
	Jacobian  *mat.Dense
	Residuals []float64
	Weights   []float64
	Current   []float64
	// Prior is the estimation-space prior; nil when none was configured.
	// NaN entries mark parameters without a prior.
	Prior []float64
	// Objective is phi at Current.
	Objective float64
	// Trial returns phi after applying delta (with bounds enforced). Only
	// LevenbergMarquardt calls it.
	Trial func(ctx context.Context, delta []float64) (float64, error)
}

// Diagnostics describes how an increment was computed.
type Diagnostics struct {
	Method         Method    `json:"method"`
	Components     int       `json:"components,omitempty"`
	SingularValues []float64 `json:"singular_values,omitempty"`
	// ConditionNumber is 0 when the system was singular.
	ConditionNumber float64 `json:"condition_number,omitempty"`
	RetainedMass    float64 `json:"retained_mass,omitempty"`
	Alpha           float64 `json:"alpha,omitempty"`
	Lambda          float64 `json:"lambda,omitempty"`
	NextLambda      float64 `json:"next_lambda,omitempty"`
	TrialObjective  float64 `json:"trial_objective,omitempty"`
	Fallback        string  `json:"fallback,omitempty"`
}

// Step is the outcome of one strategy call. A rejected step has a zero Delta.
type Step struct {
	Delta       []float64
	Accepted    bool
	Diagnostics Diagnostics
}

// Strategy computes increments. Implementations may keep state across
// iterations of one run and are not safe for concurrent use.
type Strategy interface {
	Method() Method
	Step(ctx context.Context, in Input) (Step, error)
}

// Options carries the tunables for every strategy; New reads the ones that
// apply to the chosen method.
type Options struct {
	Components int     `json:"components,omitempty" yaml:"components,omitempty"`
	Threshold  float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Alpha      float64 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	Lambda     float64 `json:"lambda,omitempty" yaml:"lambda,omitempty"`
}

// New creates a fresh strategy for one calibration run.
func New(method Method, opts Options) (Strategy, error) {
	switch method {
	case MethodSVD:
		return &SVDAssist{Components: opts.Components, Threshold: opts.Threshold}, nil
	case MethodTikhonov:
		if opts.Alpha < 0 || math.IsNaN(opts.Alpha) {
			return nil, fmt.Errorf("update: tikhonov alpha must be non-negative, got %g", opts.Alpha)
		}
		return &Tikhonov{Alpha: opts.Alpha}, nil
	case MethodLM:
		if opts.Lambda < 0 || math.IsNaN(opts.Lambda) {
			return nil, fmt.Errorf("update: lm lambda must be non-negative, got %g", opts.Lambda)
		}
		return NewLevenbergMarquardt(opts.Lambda), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}
