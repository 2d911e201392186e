package mmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fractal-lba/mmm/internal/adstock"
	"github.com/fractal-lba/mmm/internal/errs"
)

// Family is a prior distribution family.
type Family string

const (
	FamilyNormal     Family = "normal"
	FamilyHalfNormal Family = "half_normal"
	FamilyBeta       Family = "beta"
)

// Prior is a distribution family with its hyperparameters.
// Normal uses Mu/Sigma, HalfNormal uses Sigma, Beta uses Alpha/Beta.
type Prior struct {
	Family Family  `json:"family"`
	Mu     float64 `json:"mu,omitempty"`
	Sigma  float64 `json:"sigma,omitempty"`
	Alpha  float64 `json:"alpha,omitempty"`
	Beta   float64 `json:"beta,omitempty"`
}

func Normal(mu, sigma float64) Prior { return Prior{Family: FamilyNormal, Mu: mu, Sigma: sigma} }
func HalfNormal(sigma float64) Prior { return Prior{Family: FamilyHalfNormal, Sigma: sigma} }
func Beta(alpha, beta float64) Prior { return Prior{Family: FamilyBeta, Alpha: alpha, Beta: beta} }

// Validate checks the hyperparameters.
func (p Prior) Validate() error {
	switch p.Family {
	case FamilyNormal, FamilyHalfNormal:
		if !(p.Sigma > 0) {
			return errs.Invalid("%s prior needs sigma > 0, got %v", p.Family, p.Sigma)
		}
	case FamilyBeta:
		if !(p.Alpha > 0) || !(p.Beta > 0) {
			return errs.Invalid("beta prior needs alpha, beta > 0, got %v, %v", p.Alpha, p.Beta)
		}
	default:
		return errs.Invalid("unknown prior family %q", p.Family)
	}
	return nil
}

// LogProb is the log density at v, -Inf outside the support.
func (p Prior) LogProb(v float64) float64 {
	switch p.Family {
	case FamilyNormal:
		return distuv.Normal{Mu: p.Mu, Sigma: p.Sigma}.LogProb(v)
	case FamilyHalfNormal:
		if v < 0 {
			return math.Inf(-1)
		}
		return math.Ln2 + distuv.Normal{Mu: 0, Sigma: p.Sigma}.LogProb(v)
	case FamilyBeta:
		if v <= 0 || v >= 1 {
			return math.Inf(-1)
		}
		return distuv.Beta{Alpha: p.Alpha, Beta: p.Beta}.LogProb(v)
	}
	return math.Inf(-1)
}

// Mean of the prior.
func (p Prior) Mean() float64 {
	switch p.Family {
	case FamilyHalfNormal:
		return p.Sigma * math.Sqrt(2/math.Pi)
	case FamilyBeta:
		return p.Alpha / (p.Alpha + p.Beta)
	}
	return p.Mu
}

func (p Prior) String() string {
	switch p.Family {
	case FamilyNormal:
		return fmt.Sprintf("Normal(%g, %g)", p.Mu, p.Sigma)
	case FamilyHalfNormal:
		return fmt.Sprintf("HalfNormal(%g)", p.Sigma)
	case FamilyBeta:
		return fmt.Sprintf("Beta(%g, %g)", p.Alpha, p.Beta)
	}
	return string(p.Family)
}

// Fixed priors shared by every model.
var (
	InterceptPrior   = Normal(0, 1)
	SigmaPrior       = HalfNormal(1)
	WeightPrior      = HalfNormal(1)
	DecayPrior       = Beta(2, 2)
	TrendPrior       = Normal(0, 0.1)
	SeasonalityPrior = Normal(0, 0.5)
	ControlPrior     = Normal(0, 1)
)

// minPriorScale floors the data-driven saturation prior scales.
const minPriorScale = 1e-6

// PriorScales are the per-channel data-dependent prior scales for the
// saturation ceiling and half-point, computed before the model is built.
type PriorScales struct {
	Ceiling   []float64 `json:"ceiling"`
	HalfPoint []float64 `json:"halfpoint"`
}

// ComputePriorScales is the first phase of model construction. Each channel's
// scale is the mean of its (standardised) spend after adstock at the decay
// prior mean, or of the raw standardised spend when adstock is off.
func ComputePriorScales(spend [][]float64, useAdstock bool) PriorScales {
	ps := PriorScales{
		Ceiling:   make([]float64, len(spend)),
		HalfPoint: make([]float64, len(spend)),
	}
	buf := make([]float64, 0)
	for c, x := range spend {
		src := x
		if useAdstock {
			buf = append(buf[:0], x...)
			adstock.Accumulate(buf, buf, DecayPrior.Mean())
			src = buf
		}
		m := 0.0
		if len(src) > 0 {
			m = stat.Mean(src, nil)
		}
		m = math.Max(m, minPriorScale)
		ps.Ceiling[c], ps.HalfPoint[c] = m, m
	}
	return ps
}

// transform maps an unconstrained coordinate to a parameter value and
// returns the log absolute Jacobian of that map.
type transform int

const (
	identity transform = iota
	logTransform
	logitTransform
)

func (tr transform) constrain(u float64) (float64, float64) {
	switch tr {
	case logTransform:
		return math.Exp(u), u
	case logitTransform:
		v := 1 / (1 + math.Exp(-u))
		a := math.Abs(u)
		return v, -a - 2*math.Log1p(math.Exp(-a))
	}
	return u, 0
}

func (tr transform) unconstrain(v float64) float64 {
	switch tr {
	case logTransform:
		return math.Log(v)
	case logitTransform:
		return math.Log(v / (1 - v))
	}
	return v
}

// transformFor picks the transform that respects a prior's support.
func transformFor(p Prior) transform {
	switch p.Family {
	case FamilyHalfNormal:
		return logTransform
	case FamilyBeta:
		return logitTransform
	}
	return identity
}
