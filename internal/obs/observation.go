// Package obs assembles measured observations and their weights and computes
// residuals and the weighted least-squares objective.
package obs

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for the obs package.
var (
	ErrShapeMismatch  = errors.New("obs: simulated vector length does not match observation count")
	ErrNegativeWeight = errors.New("obs: weight must be non-negative")
	ErrInvalidGroup   = errors.New("obs: invalid observation group")
)

// Group is a named collection of measured values. Weight multiplies every
// member weight; a zero group Weight is treated as 1.
type Group struct {
	Name    string    `json:"name" yaml:"name"`
	Weight  float64   `json:"weight,omitempty" yaml:"weight,omitempty"`
	Names   []string  `json:"names,omitempty" yaml:"names,omitempty"`
	Values  []float64 `json:"values" yaml:"values"`
	Weights []float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// Set is the flattened observation vector with its effective weights.
// It is immutable after construction and safe for concurrent reads.
type Set struct {
	groups   []string
	names    []string
	observed []float64
	weights  []float64
	member   []int // group index per observation
}

// NewSet flattens the groups in declaration order. Missing member weights
// default to 1.
func NewSet(groups []Group) (*Set, error) {
	s := &Set{}
	for gi, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("%w: group %d has no name", ErrInvalidGroup, gi)
		}
		if len(g.Weights) != 0 && len(g.Weights) != len(g.Values) {
			return nil, fmt.Errorf("%w: group %q has %d values but %d weights", ErrInvalidGroup, g.Name, len(g.Values), len(g.Weights))
		}
		if len(g.Names) != 0 && len(g.Names) != len(g.Values) {
			return nil, fmt.Errorf("%w: group %q has %d values but %d names", ErrInvalidGroup, g.Name, len(g.Values), len(g.Names))
		}
		multiplier := g.Weight
		if multiplier == 0 {
			multiplier = 1
		}
		if multiplier < 0 || math.IsNaN(multiplier) {
			return nil, fmt.Errorf("%w: group %q weight %g", ErrNegativeWeight, g.Name, g.Weight)
		}
		s.groups = append(s.groups, g.Name)
		for i, v := range g.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: group %q value %d is not finite", ErrInvalidGroup, g.Name, i)
			}
			w := 1.0
			if len(g.Weights) > 0 {
				w = g.Weights[i]
			}
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, fmt.Errorf("%w: group %q observation %d weight %g", ErrNegativeWeight, g.Name, i, w)
			}
			name := fmt.Sprintf("%s_%d", g.Name, i+1)
			if len(g.Names) > 0 {
				name = g.Names[i]
			}
			s.names = append(s.names, name)
			s.observed = append(s.observed, v)
			s.weights = append(s.weights, w*multiplier)
			s.member = append(s.member, gi)
		}
	}
	if len(s.observed) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalidGroup)
	}
	return s, nil
}

// WeightsFromSigma converts standard deviations to inverse-variance weights.
// A non-positive sigma yields weight 0, which keeps the observation in
// residual reports but out of the objective.
func WeightsFromSigma(sigma []float64) []float64 {
	w := make([]float64, len(sigma))
	for i, s := range sigma {
		if s > 0 {
			w[i] = 1 / (s * s)
		}
	}
	return w
}

// Len returns the number of observations.
func (s *Set) Len() int { return len(s.observed) }

// Observed returns a copy of the measured values.
func (s *Set) Observed() []float64 { return append([]float64(nil), s.observed...) }

// Weights returns a copy of the effective weights.
func (s *Set) Weights() []float64 { return append([]float64(nil), s.weights...) }

// Names returns a copy of the observation names.
func (s *Set) Names() []string { return append([]string(nil), s.names...) }

// Groups returns the group names in declaration order.
func (s *Set) Groups() []string { return append([]string(nil), s.groups...) }

// Residuals returns observed minus simulated. A length mismatch is a wiring
// error in the caller's forward model and is reported as ErrShapeMismatch.
func (s *Set) Residuals(simulated []float64) ([]float64, error) {
	if len(simulated) != len(s.observed) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(simulated), len(s.observed))
	}
	r := make([]float64, len(simulated))
	for i, y := range s.observed {
		r[i] = y - simulated[i]
	}
	return r, nil
}

// WeightedObjective returns phi = sum of w_i * r_i^2.
func (s *Set) WeightedObjective(residuals []float64) float64 {
	var phi float64
	for i, r := range residuals {
		phi += s.weights[i] * r * r
	}
	return phi
}

// GroupObjectives splits phi into per-group contributions.
func (s *Set) GroupObjectives(residuals []float64) map[string]float64 {
	out := make(map[string]float64, len(s.groups))
	for _, g := range s.groups {
		out[g] = 0
	}
	for i, r := range residuals {
		out[s.groups[s.member[i]]] += s.weights[i] * r * r
	}
	return out
}
