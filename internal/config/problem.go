package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/leixiaohui-1974/pestcal/internal/calib"
	"github.com/leixiaohui-1974/pestcal/internal/jacobian"
	"github.com/leixiaohui-1974/pestcal/internal/model"
	"github.com/leixiaohui-1974/pestcal/internal/obs"
	"github.com/leixiaohui-1974/pestcal/internal/params"
	"github.com/leixiaohui-1974/pestcal/internal/update"
	"gopkg.in/yaml.v3"
)

// ErrInvalidProblem reports a malformed problem file.
var ErrInvalidProblem = errors.New("config: invalid problem")

// Model kinds accepted in a problem file.
const (
	ModelLinear  = "linear"
	ModelCommand = "command"
)

// Problem describes one calibration: parameters, observations, the forward
// model and the solver settings.
type Problem struct {
	Name          string  `json:"name" yaml:"name"`
	Method        string  `json:"method,omitempty" yaml:"method,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Tolerance     float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	PhiFloor      float64 `json:"phi_floor,omitempty" yaml:"phi_floor,omitempty"`
	Perturbation  float64 `json:"perturbation,omitempty" yaml:"perturbation,omitempty"`

	SVD      SVDSection      `json:"svd,omitempty" yaml:"svd,omitempty"`
	Tikhonov TikhonovSection `json:"tikhonov,omitempty" yaml:"tikhonov,omitempty"`
	LM       LMSection       `json:"lm,omitempty" yaml:"lm,omitempty"`

	ParameterGroups   []ParameterGroup   `json:"parameter_groups" yaml:"parameter_groups"`
	ObservationGroups []ObservationGroup `json:"observation_groups" yaml:"observation_groups"`
	Model             ModelSpec          `json:"model" yaml:"model"`
}

// SVDSection tunes truncation. Components > 0 overrides Threshold.
type SVDSection struct {
	Components int     `json:"components,omitempty" yaml:"components,omitempty"`
	Threshold  float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// TikhonovSection sets the regularization weight.
type TikhonovSection struct {
	Alpha float64 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
}

// LMSection sets the initial damping.
type LMSection struct {
	Lambda float64 `json:"lambda,omitempty" yaml:"lambda,omitempty"`
}

// ParameterGroup is a named set of parameters. Transform applies to members
// that do not set their own.
type ParameterGroup struct {
	Name       string          `json:"name" yaml:"name"`
	Transform  string          `json:"transform,omitempty" yaml:"transform,omitempty"`
	Scale      float64         `json:"scale,omitempty" yaml:"scale,omitempty"`
	Parameters []ParameterSpec `json:"parameters" yaml:"parameters"`
}

// ParameterSpec is one adjustable or fixed parameter.
type ParameterSpec struct {
	Name      string   `json:"name" yaml:"name"`
	Initial   float64  `json:"initial" yaml:"initial"`
	Lower     float64  `json:"lower" yaml:"lower"`
	Upper     float64  `json:"upper" yaml:"upper"`
	Transform string   `json:"transform,omitempty" yaml:"transform,omitempty"`
	Prior     *float64 `json:"prior,omitempty" yaml:"prior,omitempty"`
}

// ObservationGroup is a named set of measurements. Weights and Sigmas are
// alternatives; Sigmas become inverse-variance weights.
type ObservationGroup struct {
	Name    string    `json:"name" yaml:"name"`
	Weight  float64   `json:"weight,omitempty" yaml:"weight,omitempty"`
	Names   []string  `json:"names,omitempty" yaml:"names,omitempty"`
	Values  []float64 `json:"values" yaml:"values"`
	Weights []float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Sigmas  []float64 `json:"sigmas,omitempty" yaml:"sigmas,omitempty"`
}

// ModelSpec selects the forward model. A linear model uses Matrix and Offset;
// a command model runs Command with the parameters as JSON on stdin.
type ModelSpec struct {
	Kind    string        `json:"kind" yaml:"kind"`
	Matrix  [][]float64   `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Offset  []float64     `json:"offset,omitempty" yaml:"offset,omitempty"`
	Command []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Dir     string        `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoadProblem reads and validates a problem file.
func LoadProblem(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading problem file: %w", err)
	}
	return ParseProblem(data)
}

// ParseProblem decodes and validates a problem document. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func ParseProblem(data []byte) (*Problem, error) {
	var p Problem
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parsing: %w", ErrInvalidProblem, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the problem for configuration errors that can be found
// without building the parameter space.
func (p *Problem) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProblem)
	}
	if _, err := update.ParseMethod(p.Method); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations must be non-negative, got %d", ErrInvalidProblem, p.MaxIterations)
	}
	if p.Tolerance < 0 || p.PhiFloor < 0 || p.Perturbation < 0 {
		return fmt.Errorf("%w: tolerance, phi_floor and perturbation must be non-negative", ErrInvalidProblem)
	}
	if len(p.ParameterGroups) == 0 {
		return fmt.Errorf("%w: at least one parameter group is required", ErrInvalidProblem)
	}
	if len(p.ObservationGroups) == 0 {
		return fmt.Errorf("%w: at least one observation group is required", ErrInvalidProblem)
	}
	for _, g := range p.ObservationGroups {
		if len(g.Weights) > 0 && len(g.Sigmas) > 0 {
			return fmt.Errorf("%w: observation group %q sets both weights and sigmas", ErrInvalidProblem, g.Name)
		}
		if len(g.Sigmas) > 0 && len(g.Sigmas) != len(g.Values) {
			return fmt.Errorf("%w: observation group %q has %d values but %d sigmas", ErrInvalidProblem, g.Name, len(g.Values), len(g.Sigmas))
		}
	}

	switch p.Model.Kind {
	case ModelLinear:
		if len(p.Model.Matrix) == 0 {
			return fmt.Errorf("%w: linear model needs a matrix", ErrInvalidProblem)
		}
	case ModelCommand:
		if len(p.Model.Command) == 0 {
			return fmt.Errorf("%w: command model needs a command", ErrInvalidProblem)
		}
	default:
		return fmt.Errorf("%w: model kind %q (valid: %s, %s)", ErrInvalidProblem, p.Model.Kind, ModelLinear, ModelCommand)
	}
	if p.Model.Timeout < 0 {
		return fmt.Errorf("%w: model timeout must be non-negative", ErrInvalidProblem)
	}
	return nil
}

// Parameters converts the parameter groups, applying group-level transforms.
func (p *Problem) Parameters() ([]params.Group, error) {
	groups := make([]params.Group, 0, len(p.ParameterGroups))
	for _, g := range p.ParameterGroups {
		pg := params.Group{Name: g.Name, Scale: g.Scale}
		for _, ps := range g.Parameters {
			name := ps.Transform
			if name == "" {
				name = g.Transform
			}
			tr, err := params.ParseTransform(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %w", ErrInvalidProblem, g.Name, ps.Name, err)
			}
			pg.Parameters = append(pg.Parameters, params.Parameter{
				Name:      ps.Name,
				Initial:   ps.Initial,
				Lower:     ps.Lower,
				Upper:     ps.Upper,
				Transform: tr,
				Prior:     ps.Prior,
			})
		}
		groups = append(groups, pg)
	}
	return groups, nil
}

// Observations converts the observation groups, turning sigmas into weights.
func (p *Problem) Observations() []obs.Group {
	groups := make([]obs.Group, 0, len(p.ObservationGroups))
	for _, g := range p.ObservationGroups {
		weights := g.Weights
		if len(g.Sigmas) > 0 {
			weights = obs.WeightsFromSigma(g.Sigmas)
		}
		groups = append(groups, obs.Group{
			Name:    g.Name,
			Weight:  g.Weight,
			Names:   g.Names,
			Values:  g.Values,
			Weights: weights,
		})
	}
	return groups
}

// ForwardModel builds the configured model. names labels the parameter
// vector for command models; defaultTimeout applies when the problem sets
// none.
func (p *Problem) ForwardModel(names []string, defaultTimeout time.Duration) (model.ForwardModel, error) {
	switch p.Model.Kind {
	case ModelLinear:
		lin, err := model.NewLinear(p.Model.Matrix, p.Model.Offset)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
		}
		return lin, nil
	case ModelCommand:
		timeout := p.Model.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		return &model.Command{
			Argv:    p.Model.Command,
			Dir:     p.Model.Dir,
			Timeout: timeout,
			Names:   names,
		}, nil
	default:
		return nil, fmt.Errorf("%w: model kind %q", ErrInvalidProblem, p.Model.Kind)
	}
}

// Options merges the problem's solver settings over the engine defaults.
func (p *Problem) Options(engine EngineConfig) (calib.Options, error) {
	method, err := update.ParseMethod(p.Method)
	if err != nil {
		return calib.Options{}, err
	}
	opts := calib.Options{
		Method: method,
		Update: update.Options{
			Components: p.SVD.Components,
			Threshold:  p.SVD.Threshold,
			Alpha:      p.Tikhonov.Alpha,
			Lambda:     p.LM.Lambda,
		},
		MaxIterations: engine.MaxIterations,
		Tolerance:     engine.Tolerance,
		PhiFloor:      p.PhiFloor,
		Jacobian: jacobian.Config{
			Perturbation: engine.Perturbation,
			Workers:      engine.Workers,
		},
	}
	if p.MaxIterations > 0 {
		opts.MaxIterations = p.MaxIterations
	}
	if p.Tolerance > 0 {
		opts.Tolerance = p.Tolerance
	}
	if p.Perturbation > 0 {
		opts.Jacobian.Perturbation = p.Perturbation
	}
	return opts, nil
}

// Fingerprint identifies the problem content. Two problems with the same
// fingerprint describe the same calibration.
func (p *Problem) Fingerprint() string {
	// Re-marshaling normalizes formatting and key order.
	data, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
