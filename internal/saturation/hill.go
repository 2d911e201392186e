// Package saturation implements the Hill diminishing-returns curve.
//
//	response = ceiling * x^steepness / (halfpoint^steepness + x^steepness)
//
// Ceiling is the asymptote, steepness the Hill coefficient, halfpoint the
// input at which half of the ceiling is reached.
package saturation

import (
	"fmt"
	"math"

	"github.com/fractal-lba/mmm/internal/errs"
)

// safeFloor replaces non-positive inputs to Marginal before the power term
// is evaluated.
const safeFloor = 1e-10

// ErrInvalidThreshold is returned for saturation fractions outside (0, 1).
var ErrInvalidThreshold = fmt.Errorf("%w: saturation fraction must be in (0, 1)", errs.ErrInvalidParameter)

// Hill is a Hill-type saturation curve. The zero value is not useful; use
// NewHill or fill every field.
type Hill struct {
	Ceiling   float64 `json:"ceiling"`
	Steepness float64 `json:"steepness"`
	HalfPoint float64 `json:"halfpoint"`
}

// NewHill validates the parameters and returns a curve.
func NewHill(ceiling, steepness, halfPoint float64) (Hill, error) {
	h := Hill{Ceiling: ceiling, Steepness: steepness, HalfPoint: halfPoint}
	return h, h.Validate()
}

// Validate checks ceiling >= 0, steepness > 0 and halfpoint > 0.
func (h Hill) Validate() error {
	switch {
	case math.IsNaN(h.Ceiling) || h.Ceiling < 0:
		return errs.Invalid("ceiling must be >= 0, got %v", h.Ceiling)
	case math.IsNaN(h.Steepness) || h.Steepness <= 0:
		return errs.Invalid("steepness must be > 0, got %v", h.Steepness)
	case math.IsNaN(h.HalfPoint) || h.HalfPoint <= 0:
		return errs.Invalid("halfpoint must be > 0, got %v", h.HalfPoint)
	}
	return nil
}

// Value evaluates the curve at x. Returns exactly 0 for x <= 0.
//
// The curve is computed as ceiling / (1 + (K/x)^steepness) so that the
// power term underflows toward the ceiling instead of overflowing for
// large x.
func (h Hill) Value(x float64) float64 {
	if x <= 0 {
		return 0
	}
	r := math.Pow(h.HalfPoint/x, h.Steepness)
	return h.Ceiling / (1 + r)
}

// Transform maps a (post-adstock) series through the curve.
func (h Hill) Transform(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = h.Value(x)
	}
	return out
}

// Marginal is the derivative of the curve at x:
//
//	ceiling * steepness * x^(steepness-1) * K^steepness / (K^steepness + x^steepness)^2
//
// evaluated as ceiling * steepness / x / (1/r + 2 + r) with r = (K/x)^steepness,
// which stays finite at both ends of the domain.
func (h Hill) Marginal(x float64) float64 {
	if x <= 0 {
		x = safeFloor
	}
	r := math.Pow(h.HalfPoint/x, h.Steepness)
	return h.Ceiling * h.Steepness / x / (1/r + 2 + r)
}

// SpendForFraction returns the input needed to reach fraction p of the
// ceiling: K * (p/(1-p))^(1/steepness). p must be in (0, 1).
func (h Hill) SpendForFraction(p float64) (float64, error) {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0, fmt.Errorf("%w, got %v", ErrInvalidThreshold, p)
	}
	return h.HalfPoint * math.Pow(p/(1-p), 1/h.Steepness), nil
}
