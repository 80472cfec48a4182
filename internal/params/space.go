// Package params owns parameter identity, bounds and transforms, and converts
// parameter vectors between model space (the physical values a forward model
// consumes) and estimation space (where the calibration linear algebra runs).
package params

import (
	"fmt"
	"math"
)

// Parameter is a single adjustable (or fixed) model input.
type Parameter struct {
	Name      string    `json:"name" yaml:"name"`
	Initial   float64   `json:"initial" yaml:"initial"`
	Lower     float64   `json:"lower" yaml:"lower"`
	Upper     float64   `json:"upper" yaml:"upper"`
	Transform Transform `json:"transform" yaml:"transform"`

	// Prior is the preferred model-space value used by Tikhonov regularization.
	// Nil means no prior information for this parameter.
	Prior *float64 `json:"prior,omitempty" yaml:"prior,omitempty"`
}

// Group is an ordered set of parameters sharing a scale factor.
// The model-space value of every member is Scale times its untransformed
// estimation value. A zero Scale is treated as 1.
type Group struct {
	Name       string      `json:"name" yaml:"name"`
	Scale      float64     `json:"scale,omitempty" yaml:"scale,omitempty"`
	Parameters []Parameter `json:"parameters" yaml:"parameters"`
}

// Location identifies where a flat-vector entry came from.
type Location struct {
	Group  int
	Offset int
}

// Space is the flattened, validated view of all parameter groups in
// declaration order. It is immutable after construction and safe for
// concurrent reads.
type Space struct {
	groups     []Group
	flat       []Parameter
	scales     []float64
	index      []Location
	adjustable []int
}

// NewSpace validates the groups and builds the flat parameter index.
//
// Every parameter must satisfy lower <= initial <= upper, a log-transformed
// parameter must have a positive lower bound, and names must be unique
// within a group.
func NewSpace(groups []Group) (*Space, error) {
	s := &Space{}
	for gi, g := range groups {
		scale := g.Scale
		if scale == 0 {
			scale = 1
		}
		if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return nil, fmt.Errorf("%w: group %q scale must be positive, got %g", ErrInvalidBounds, g.Name, g.Scale)
		}
		seen := make(map[string]bool, len(g.Parameters))
		for pi, p := range g.Parameters {
			if seen[p.Name] {
				return nil, fmt.Errorf("%w: %q in group %q", ErrDuplicateName, p.Name, g.Name)
			}
			seen[p.Name] = true
			if err := validateParameter(p); err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			s.flat = append(s.flat, p)
			s.scales = append(s.scales, scale)
			s.index = append(s.index, Location{Group: gi, Offset: pi})
			if p.Transform != Fixed {
				s.adjustable = append(s.adjustable, len(s.flat)-1)
			}
		}
		gc := g
		gc.Scale = scale
		gc.Parameters = append([]Parameter(nil), g.Parameters...)
		s.groups = append(s.groups, gc)
	}
	if len(s.flat) == 0 {
		return nil, ErrEmpty
	}
	return s, nil
}

func validateParameter(p Parameter) error {
	for _, v := range []float64{p.Initial, p.Lower, p.Upper} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %q has a non-finite value", ErrInvalidBounds, p.Name)
		}
	}
	if p.Lower > p.Upper {
		return fmt.Errorf("%w: %q lower %g > upper %g", ErrInvalidBounds, p.Name, p.Lower, p.Upper)
	}
	if p.Initial < p.Lower || p.Initial > p.Upper {
		return fmt.Errorf("%w: %q initial %g outside [%g, %g]", ErrInvalidBounds, p.Name, p.Initial, p.Lower, p.Upper)
	}
	switch p.Transform {
	case Identity, Fixed:
	case Log:
		if p.Lower <= 0 {
			return fmt.Errorf("%w: %q is log-transformed but lower bound %g is not positive", ErrDomain, p.Name, p.Lower)
		}
	default:
		return fmt.Errorf("%w: %q has transform %v", ErrInvalidTransform, p.Name, p.Transform)
	}
	if p.Prior != nil && p.Transform == Log && *p.Prior <= 0 {
		return fmt.Errorf("%w: %q prior %g", ErrDomain, p.Name, *p.Prior)
	}
	return nil
}

// Len returns the total number of parameters, fixed ones included.
func (s *Space) Len() int { return len(s.flat) }

// Parameter returns the i-th parameter in flat order.
func (s *Space) Parameter(i int) Parameter { return s.flat[i] }

// Locate maps a flat index back to its group and offset.
func (s *Space) Locate(i int) Location { return s.index[i] }

// GroupName returns the name of the group owning flat index i.
func (s *Space) GroupName(i int) string { return s.groups[s.index[i].Group].Name }

// Adjustable returns the flat indices of the non-fixed parameters.
func (s *Space) Adjustable() []int {
	return append([]int(nil), s.adjustable...)
}

// Initial returns the model-space initial vector.
func (s *Space) Initial() []float64 {
	p := make([]float64, len(s.flat))
	for i, par := range s.flat {
		p[i] = par.Initial
	}
	return p
}

// ToModel applies the inverse transform to every component. Fixed parameters
// return their stored initial value regardless of x.
func (s *Space) ToModel(x []float64) ([]float64, error) {
	if len(x) != len(s.flat) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(x), len(s.flat))
	}
	p := make([]float64, len(x))
	for i, par := range s.flat {
		if par.Transform == Fixed {
			p[i] = par.Initial
			continue
		}
		p[i] = s.scales[i] * par.Transform.inverse(x[i])
	}
	return p, nil
}

// ToEstimation applies the forward transform. It fails with ErrDomain when a
// log-transformed component is not positive.
func (s *Space) ToEstimation(p []float64) ([]float64, error) {
	if len(p) != len(s.flat) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(p), len(s.flat))
	}
	x := make([]float64, len(p))
	for i, par := range s.flat {
		v, err := par.Transform.forward(p[i] / s.scales[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %q = %g", err, par.Name, p[i])
		}
		x[i] = v
	}
	return x, nil
}

// Clamp clips each component to its [lower, upper] bounds in model space.
// The input is not modified.
func (s *Space) Clamp(p []float64) []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		par := s.flat[i]
		switch {
		case v < par.Lower:
			v = par.Lower
		case v > par.Upper:
			v = par.Upper
		}
		out[i] = v
	}
	return out
}

// Prior returns the estimation-space prior over the adjustable parameters.
// The second result is false when no parameter carries a prior. Parameters
// without one are NaN, so regularization only shrinks their increment.
func (s *Space) Prior() ([]float64, bool) {
	prior := make([]float64, len(s.adjustable))
	found := false
	for k, i := range s.adjustable {
		par := s.flat[i]
		if par.Prior == nil {
			prior[k] = math.NaN()
			continue
		}
		found = true
		// Validated positive for log parameters in NewSpace.
		x, _ := par.Transform.forward(*par.Prior / s.scales[i])
		prior[k] = x
	}
	return prior, found
}

// Grouped returns the model-space vector keyed by group name, then by
// parameter name.
func (s *Space) Grouped(p []float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(s.groups))
	for i, par := range s.flat {
		g := s.GroupName(i)
		if out[g] == nil {
			out[g] = make(map[string]float64)
		}
		out[g][par.Name] = p[i]
	}
	return out
}

// Names returns "group/name" labels in flat order.
func (s *Space) Names() []string {
	names := make([]string, len(s.flat))
	for i, par := range s.flat {
		names[i] = s.GroupName(i) + "/" + par.Name
	}
	return names
}
