package calib

import (
	"github.com/leixiaohui-1974/pestcal/internal/jacobian"
	"github.com/leixiaohui-1974/pestcal/internal/update"
)

// Reason explains why a run stopped.
type Reason string

const (
	// ReasonParameterChange means the last accepted increment was smaller
	// than the tolerance relative to the parameter vector.
	ReasonParameterChange Reason = "parameter-change"
	// ReasonPhiFloor means the objective reached Options.PhiFloor.
	ReasonPhiFloor Reason = "phi-floor"
	// ReasonMaxIterations means the update budget ran out before convergence.
	ReasonMaxIterations Reason = "max-iterations"
	// ReasonCancelled means the caller's context ended the run.
	ReasonCancelled Reason = "cancelled"
)

// Converged reports whether the reason is a convergence criterion.
func (r Reason) Converged() bool {
	return r == ReasonParameterChange || r == ReasonPhiFloor
}

// Record is one History entry. Objective, GroupObjectives and Parameters
// describe the point evaluated at the start of the iteration; the remaining
// fields describe the update computed from it and are empty on the final
// record of a run.
type Record struct {
	Iteration       int                           `json:"iteration"`
	Objective       float64                       `json:"objective"`
	GroupObjectives map[string]float64            `json:"group_objectives"`
	Parameters      map[string]map[string]float64 `json:"parameters"`

	Updated        bool                `json:"updated"`
	Accepted       bool                `json:"accepted,omitempty"`
	RelativeChange float64             `json:"relative_change,omitempty"`
	JacobianRuns   int                 `json:"jacobian_runs,omitempty"`
	Warnings       []jacobian.Warning  `json:"warnings,omitempty"`
	Diagnostics    *update.Diagnostics `json:"diagnostics,omitempty"`
}

// History is the ordered list of iteration records of one run.
type History []Record

// Objectives returns phi per record.
func (h History) Objectives() []float64 {
	out := make([]float64, len(h))
	for i, r := range h {
		out[i] = r.Objective
	}
	return out
}

// Last returns the final record, if any.
func (h History) Last() (Record, bool) {
	if len(h) == 0 {
		return Record{}, false
	}
	return h[len(h)-1], true
}

// Result is the outcome of a calibration run. A run that stops on the
// iteration budget is a valid result with Converged false.
type Result struct {
	Method     update.Method                 `json:"method"`
	Parameters map[string]map[string]float64 `json:"parameters"`
	// Vector is the final model-space parameter vector; Names labels it
	// with "group/name".
	Vector    []float64 `json:"vector"`
	Names     []string  `json:"names"`
	Objective float64   `json:"objective"`
	Converged bool      `json:"converged"`
	Reason    Reason    `json:"reason"`
	// Iterations counts strategy steps, including rejected ones.
	Iterations  int     `json:"iterations"`
	ForwardRuns int     `json:"forward_runs"`
	History     History `json:"history"`
}
