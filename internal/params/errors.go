package params

import "errors"

// Sentinel errors for the params package.
// Use errors.Is to check: errors.Is(err, params.ErrDomain)
var (
	ErrDomain           = errors.New("params: log transform of non-positive value")
	ErrInvalidBounds    = errors.New("params: invalid bounds")
	ErrInvalidTransform = errors.New("params: invalid transform")
	ErrDuplicateName    = errors.New("params: duplicate parameter name")
	ErrShapeMismatch    = errors.New("params: vector length does not match parameter count")
	ErrEmpty            = errors.New("params: no parameters defined")
)
