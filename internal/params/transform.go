package params

import (
	"fmt"
	"math"
	"strings"
)

// Transform selects how a parameter maps between model space and
// estimation space.
type Transform int

const (
	// Identity estimates the parameter in its physical units.
	Identity Transform = iota
	// Log estimates the natural logarithm of the parameter. Bounds must be positive.
	Log
	// Fixed holds the parameter at its initial value; it is never adjusted.
	Fixed
)

// ParseTransform maps a configuration string to a Transform.
// Accepted values: "", "identity", "none", "linear", "log", "fixed" (case-insensitive).
func ParseTransform(s string) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "identity", "none", "linear":
		return Identity, nil
	case "log":
		return Log, nil
	case "fixed":
		return Fixed, nil
	default:
		return Identity, fmt.Errorf("%w: unknown transform %q (valid: identity, log, fixed)", ErrInvalidTransform, s)
	}
}

// String returns the configuration name of the transform.
func (t Transform) String() string {
	switch t {
	case Identity:
		return "identity"
	case Log:
		return "log"
	case Fixed:
		return "fixed"
	default:
		return fmt.Sprintf("Transform(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Transform) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transform) UnmarshalText(text []byte) error {
	v, err := ParseTransform(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// forward maps a scaled model value into estimation space.
func (t Transform) forward(v float64) (float64, error) {
	if t == Log {
		if v <= 0 || math.IsNaN(v) {
			return 0, ErrDomain
		}
		return math.Log(v), nil
	}
	return v, nil
}

// inverse maps an estimation-space value back to a scaled model value.
func (t Transform) inverse(x float64) float64 {
	if t == Log {
		return math.Exp(x)
	}
	return x
}
