package saturation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
)

// Bounds used by Fit. Steepness is bounded to keep the curve from collapsing
// into a step function; halfpoint is bounded by 10x the largest observed input.
const (
	MinSteepness = 0.5
	MaxSteepness = 5.0
	minHalfPoint = 1e-6

	halfPointSpan = 10.0
	ceilingSpan   = 2.0

	minFitPoints = 3
)

// ErrFitFailed is returned when the least-squares fit does not produce a
// usable optimum.
var ErrFitFailed = fmt.Errorf("%w: hill curve", errs.ErrFitFailed)

// FitOptions controls Fit.
type FitOptions struct {
	// FixedCeiling, when positive, pins the ceiling and fits only steepness
	// and halfpoint.
	FixedCeiling float64

	// MaxIterations bounds the solver. Zero means 2000.
	MaxIterations int
}

// FitResult describes a successful fit.
type FitResult struct {
	Curve      Hill    `json:"curve"`
	SSE        float64 `json:"sse"`
	Points     int     `json:"points"`
	Iterations int     `json:"iterations"`
}

// bounded maps an unconstrained value into (lo, hi) through a logistic.
type bounded struct{ lo, hi float64 }

func (b bounded) to(u float64) float64 {
	return b.lo + (b.hi-b.lo)/(1+math.Exp(-u))
}

func (b bounded) from(p float64) float64 {
	f := (p - b.lo) / (b.hi - b.lo)
	f = math.Min(math.Max(f, 1e-6), 1-1e-6)
	return math.Log(f / (1 - f))
}

// Fit estimates (ceiling, steepness, halfpoint) from paired samples by
// nonlinear least squares. Only pairs with spend > 0 and response >= 0 are
// used, and at least three are required.
func Fit(spend, response []float64, opts FitOptions) (*FitResult, error) {
	if len(spend) != len(response) {
		return nil, errs.Invalid("spend and response lengths differ: %d vs %d", len(spend), len(response))
	}

	var xs, ys []float64
	for i := range spend {
		if spend[i] > 0 && response[i] >= 0 && !math.IsNaN(response[i]) {
			xs = append(xs, spend[i])
			ys = append(ys, response[i])
		}
	}
	if len(xs) < minFitPoints {
		return nil, fmt.Errorf("%w: need at least %d valid points, got %d", ErrFitFailed, minFitPoints, len(xs))
	}

	maxX, maxY := xs[0], ys[0]
	for i := range xs {
		maxX = math.Max(maxX, xs[i])
		maxY = math.Max(maxY, ys[i])
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	steep := bounded{MinSteepness, MaxSteepness}
	half := bounded{minHalfPoint, halfPointSpan * maxX}
	ceil := bounded{0, ceilingSpan * maxY}
	if maxY <= 0 {
		ceil.hi = 1
	}

	fixed := opts.FixedCeiling > 0
	decode := func(u []float64) Hill {
		h := Hill{Steepness: steep.to(u[0]), HalfPoint: half.to(u[1])}
		if fixed {
			h.Ceiling = opts.FixedCeiling
		} else {
			h.Ceiling = ceil.to(u[2])
		}
		return h
	}

	start := []float64{steep.from(2.0), half.from(median)}
	if !fixed {
		start = append(start, ceil.from(maxY))
	}

	sse := func(u []float64) float64 {
		h := decode(u)
		total := 0.0
		for i := range xs {
			r := ys[i] - h.Value(xs[i])
			total += r * r
		}
		return total
	}

	iters := opts.MaxIterations
	if iters <= 0 {
		iters = 2000
	}
	res, err := optimize.Minimize(
		optimize.Problem{Func: sse},
		start,
		&optimize.Settings{MajorIterations: iters},
		&optimize.NelderMead{},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFitFailed, err)
	}
	if res == nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return nil, fmt.Errorf("%w: solver returned a non-finite objective", ErrFitFailed)
	}

	return &FitResult{
		Curve:      decode(res.X),
		SSE:        res.F,
		Points:     len(xs),
		Iterations: res.Stats.MajorIterations,
	}, nil
}

// FitOrKeep fits the curve and returns the fitted parameters. On failure it
// returns the previous curve unchanged together with the error, and logs a
// warning so the fallback is never silent.
func FitOrKeep(prev Hill, spend, response []float64, opts FitOptions) (Hill, error) {
	res, err := Fit(spend, response, opts)
	if err != nil {
		log := logging.Component("saturation")
		log.Warn().
			Err(err).
			Float64("ceiling", prev.Ceiling).
			Float64("steepness", prev.Steepness).
			Float64("halfpoint", prev.HalfPoint).
			Msg("hill fit failed, keeping last-known parameters")
		return prev, err
	}
	return res.Curve, nil
}
