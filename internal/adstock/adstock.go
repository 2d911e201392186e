// Package adstock implements the geometric carryover transform applied to
// media spend before saturation.
//
// The transform is a first-order IIR filter:
//
//	a[0] = spend[0]
//	a[t] = spend[t] + decay*a[t-1]
//
// It is always computed as a strict left-to-right recurrence over the whole
// series. Lag-window helpers exist for diagnostics only.
package adstock

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/mmm/internal/errs"
)

// DefaultMaxLag is the window used by CarryoverDistribution when the caller
// passes a non-positive period count.
const DefaultMaxLag = 8

// ErrInvalidDecay is returned when decay is outside [0, 1].
var ErrInvalidDecay = fmt.Errorf("%w: decay must be in [0, 1]", errs.ErrInvalidParameter)

// ValidateDecay reports whether decay lies in [0, 1].
func ValidateDecay(decay float64) error {
	if math.IsNaN(decay) || decay < 0 || decay > 1 {
		return fmt.Errorf("%w, got %v", ErrInvalidDecay, decay)
	}
	return nil
}

// Geometric returns the carryover-adjusted series for spend.
func Geometric(spend []float64, decay float64) ([]float64, error) {
	if err := ValidateDecay(decay); err != nil {
		return nil, err
	}

	out := make([]float64, len(spend))
	Accumulate(out, spend, decay)
	return out, nil
}

// Accumulate writes the recurrence into dst without validating decay.
// dst and spend must have the same length; dst may alias spend.
func Accumulate(dst, spend []float64, decay float64) {
	if len(spend) == 0 {
		return
	}
	dst[0] = spend[0]
	for t := 1; t < len(spend); t++ {
		dst[t] = spend[t] + decay*dst[t-1]
	}
}

// Delayed shifts spend by lag periods (filling the head with zeros) before
// applying the recurrence. Some channels (TV) take a while before the effect
// starts to build.
func Delayed(spend []float64, decay float64, lag int) ([]float64, error) {
	if lag < 0 {
		return nil, errs.Invalid("lag must be non-negative, got %d", lag)
	}
	if lag == 0 {
		return Geometric(spend, decay)
	}

	shifted := make([]float64, len(spend))
	for t := lag; t < len(spend); t++ {
		shifted[t] = spend[t-lag]
	}
	return Geometric(shifted, decay)
}

// HalfLife returns the number of periods for the carried-over effect to halve.
func HalfLife(decay float64) (float64, error) {
	if err := ValidateDecay(decay); err != nil {
		return 0, err
	}
	switch {
	case decay >= 1:
		return math.Inf(1), nil
	case decay == 0:
		return 0, nil
	}
	return -math.Ln2 / math.Log(decay), nil
}

// CarryoverDistribution returns the normalized lag weights decay^k for
// k = 0..periods-1.
func CarryoverDistribution(decay float64, periods int) ([]float64, error) {
	if err := ValidateDecay(decay); err != nil {
		return nil, err
	}
	if periods <= 0 {
		periods = DefaultMaxLag
	}

	weights := make([]float64, periods)
	total := 0.0
	for k := range weights {
		weights[k] = math.Pow(decay, float64(k))
		total += weights[k]
	}
	for k := range weights {
		weights[k] /= total
	}
	return weights, nil
}

// DecayEstimate is the result of a correlation grid search over decay values.
type DecayEstimate struct {
	Decay        float64   `json:"optimal_decay"`
	Correlation  float64   `json:"max_correlation"`
	Candidates   []float64 `json:"decay_values"`
	Correlations []float64 `json:"correlations"`
}

const (
	// minValidPoints is the number of finite pairs a candidate needs before
	// its correlation is trusted.
	minValidPoints = 10

	// noCorrelation marks candidates that could not be scored. It sorts below
	// every real correlation.
	noCorrelation = -2.0
)

// EstimateDecay searches n evenly spaced decay values in [0.1, 0.9] for the one
// whose adstocked spend correlates best with response.
func EstimateDecay(spend, response []float64, n int) (*DecayEstimate, error) {
	if len(spend) != len(response) {
		return nil, errs.Invalid("spend and response lengths differ: %d vs %d", len(spend), len(response))
	}
	if n < 2 {
		n = 20
	}

	est := &DecayEstimate{
		Candidates:   make([]float64, n),
		Correlations: make([]float64, n),
	}
	best := -1
	for i := 0; i < n; i++ {
		d := 0.1 + 0.8*float64(i)/float64(n-1)
		est.Candidates[i] = d
		est.Correlations[i] = noCorrelation

		a, err := Geometric(spend, d)
		if err != nil {
			return nil, err
		}

		var xs, ys []float64
		for t := range a {
			if math.IsNaN(a[t]) || math.IsNaN(response[t]) {
				continue
			}
			xs = append(xs, a[t])
			ys = append(ys, response[t])
		}
		if len(xs) <= minValidPoints {
			continue
		}
		c := stat.Correlation(xs, ys, nil)
		if math.IsNaN(c) {
			continue
		}
		est.Correlations[i] = c
		if best < 0 || c > est.Correlations[best] {
			best = i
		}
	}

	if best < 0 {
		return nil, errs.Invalid("not enough valid points to estimate decay")
	}
	est.Decay = est.Candidates[best]
	est.Correlation = est.Correlations[best]
	return est, nil
}
