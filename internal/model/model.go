// Package model defines the boundary to the external forward simulation and
// provides the simulators the pestcal CLI can drive directly.
package model

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when a model is configured or called with vectors of
// the wrong length.
var ErrShape = errors.New("model: shape mismatch")

// ForwardModel maps a model-space parameter vector to simulated observations.
// Implementations must be deterministic for a given input and safe to call
// concurrently: Jacobian estimation runs perturbations in parallel.
type ForwardModel interface {
	Simulate(ctx context.Context, params []float64) ([]float64, error)
}

// Func adapts a plain function to ForwardModel.
type Func func(ctx context.Context, params []float64) ([]float64, error)

// Simulate calls f.
func (f Func) Simulate(ctx context.Context, params []float64) ([]float64, error) {
	return f(ctx, params)
}

// Linear is the synthetic model y = A·p + offset.
type Linear struct {
	a      *mat.Dense
	offset []float64
}

// NewLinear builds a linear model from a row-major matrix. Offset may be nil.
func NewLinear(rows [][]float64, offset []float64) (*Linear, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrShape)
	}
	n := len(rows[0])
	data := make([]float64, 0, len(rows)*n)
	for i, r := range rows {
		if len(r) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(r), n)
		}
		data = append(data, r...)
	}
	if offset != nil && len(offset) != len(rows) {
		return nil, fmt.Errorf("%w: offset has %d entries, want %d", ErrShape, len(offset), len(rows))
	}
	return &Linear{
		a:      mat.NewDense(len(rows), n, data),
		offset: append([]float64(nil), offset...),
	}, nil
}

// Dims returns the observation and parameter counts.
func (l *Linear) Dims() (obs, params int) { return l.a.Dims() }

// Simulate evaluates A·p + offset.
func (l *Linear) Simulate(_ context.Context, params []float64) ([]float64, error) {
	r, c := l.a.Dims()
	if len(params) != c {
		return nil, fmt.Errorf("%w: got %d parameters, want %d", ErrShape, len(params), c)
	}
	var y mat.VecDense
	y.MulVec(l.a, mat.NewVecDense(c, append([]float64(nil), params...)))
	out := make([]float64, r)
	for i := range out {
		out[i] = y.AtVec(i)
		if len(l.offset) > 0 {
			out[i] += l.offset[i]
		}
	}
	return out, nil
}
