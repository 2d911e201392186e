package mmm

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Parameter names. Channel and control parameters are suffixed with
// "_<name>", seasonal coefficients with "_<harmonic>".
const (
	ParamIntercept = "intercept"
	ParamSigma     = "sigma"
	ParamTrend     = "trend_coef"
	ParamSeasonCos = "seasonality_cos"
	ParamSeasonSin = "seasonality_sin"
	ParamControl   = "control"
	ParamWeight    = "weight"
	ParamDecay     = "decay"
	ParamCeiling   = "ceiling"
	ParamHalfPoint = "halfpoint"
)

const (
	seasonHarmonics = 2
	logSqrt2Pi      = 0.9189385332046727
	absentParam     = -1
)

// paramSpec is one declared parameter.
type paramSpec struct {
	name  string
	prior Prior
	tr    transform
	// scale multiplies identity-transformed coordinates so that a unit step
	// in the sampler's space is a sensible step in the parameter's.
	scale float64
}

func (p paramSpec) constrain(u float64) (float64, float64) {
	v, logJ := p.tr.constrain(u)
	if p.tr == identity && p.scale != 1 {
		return v * p.scale, logJ + math.Log(p.scale)
	}
	return v, logJ
}

func (p paramSpec) unconstrain(v float64) float64 {
	if p.tr == identity && p.scale != 1 {
		return v / p.scale
	}
	return p.tr.unconstrain(v)
}

// channelIndex locates a channel's parameters in the vector; absent
// parameters (feature toggled off) are absentParam.
type channelIndex struct {
	weight, decay, ceiling, halfpoint int
}

// layout is the parameter space of a model: which parameters exist, their
// priors, and where each lives in the vector.
type layout struct {
	params    []paramSpec
	intercept int
	sigma     int
	trend     int
	season    []int // cos_0, sin_0, cos_1, sin_1
	controls  []int
	channels  []channelIndex
	period    float64
}

func (l *layout) add(p paramSpec) int {
	if p.scale == 0 {
		p.scale = 1
	}
	l.params = append(l.params, p)
	return len(l.params) - 1
}

// newLayout is the second phase of model construction: it declares every
// parameter enabled by cfg, with saturation priors taken from scales.
// Disabled components declare nothing.
func newLayout(cfg Config, scales PriorScales, n int) *layout {
	l := &layout{trend: absentParam, period: float64(cfg.SeasonalPeriod)}

	l.intercept = l.add(paramSpec{name: ParamIntercept, prior: InterceptPrior})
	l.sigma = l.add(paramSpec{name: ParamSigma, prior: SigmaPrior, tr: logTransform})

	if cfg.UseTrend {
		l.trend = l.add(paramSpec{
			name:  ParamTrend,
			prior: TrendPrior,
			scale: 1 / math.Max(float64(n-1), 1),
		})
	}
	if cfg.UseSeasonality {
		for h := 0; h < seasonHarmonics; h++ {
			l.season = append(l.season,
				l.add(paramSpec{name: indexed(ParamSeasonCos, h), prior: SeasonalityPrior}),
				l.add(paramSpec{name: indexed(ParamSeasonSin, h), prior: SeasonalityPrior}),
			)
		}
	}
	for _, name := range cfg.Controls {
		l.controls = append(l.controls, l.add(paramSpec{name: named(ParamControl, name), prior: ControlPrior}))
	}

	for c, ch := range cfg.Channels {
		idx := channelIndex{decay: absentParam, ceiling: absentParam, halfpoint: absentParam}
		idx.weight = l.add(paramSpec{name: named(ParamWeight, ch), prior: WeightPrior, tr: logTransform})
		if cfg.UseAdstock {
			idx.decay = l.add(paramSpec{name: named(ParamDecay, ch), prior: DecayPrior, tr: logitTransform})
		}
		if cfg.UseSaturation {
			idx.ceiling = l.add(paramSpec{
				name:  named(ParamCeiling, ch),
				prior: HalfNormal(scales.Ceiling[c]),
				tr:    logTransform,
			})
			idx.halfpoint = l.add(paramSpec{
				name:  named(ParamHalfPoint, ch),
				prior: HalfNormal(scales.HalfPoint[c]),
				tr:    logTransform,
			})
		}
		l.channels = append(l.channels, idx)
	}
	return l
}

func (l *layout) names() []string {
	out := make([]string, len(l.params))
	for i, p := range l.params {
		out[i] = p.name
	}
	return out
}

// design is the standardised regressor data the mean function runs over.
type design struct {
	n        int
	offset   int
	spend    [][]float64
	controls *mat.Dense // n x k, nil without controls
}

func newDesign(s *scaled, offset int) *design {
	d := &design{n: s.n, offset: offset, spend: s.spend}
	if len(s.controls) > 0 {
		d.controls = mat.NewDense(s.n, len(s.controls), nil)
		for k, z := range s.controls {
			d.controls.SetCol(k, z)
		}
	}
	return d
}

// channelCurve evaluates one channel's contribution on the standardised
// scale into dst.
func (l *layout) channelCurve(dst, vals []float64, c int, x []float64) {
	composeChannel(dst, x, channelParamsAt(vals, l.channels[c]))
}

// mean writes mu for every period of d into dst. vals are constrained
// parameter values in layout order; scratch must have length d.n.
func (l *layout) mean(dst, vals, scratch []float64, d *design) {
	intercept := vals[l.intercept]
	for t := range dst {
		dst[t] = intercept
	}
	if l.trend != absentParam {
		coef := vals[l.trend]
		for t := range dst {
			dst[t] += coef * float64(t+d.offset)
		}
	}
	if len(l.season) > 0 {
		for h := 0; h < seasonHarmonics; h++ {
			a, b := vals[l.season[2*h]], vals[l.season[2*h+1]]
			w := 2 * math.Pi * float64(h+1) / l.period
			for t := range dst {
				arg := w * float64(t+d.offset)
				dst[t] += a*math.Cos(arg) + b*math.Sin(arg)
			}
		}
	}
	if d.controls != nil && len(l.controls) > 0 {
		beta := make([]float64, len(l.controls))
		for k, i := range l.controls {
			beta[k] = vals[i]
		}
		var eff mat.VecDense
		eff.MulVec(d.controls, mat.NewVecDense(len(beta), beta))
		for t := range dst {
			dst[t] += eff.AtVec(t)
		}
	}
	for c := range l.channels {
		l.channelCurve(scratch, vals, c, d.spend[c])
		for t := range dst {
			dst[t] += scratch[t]
		}
	}
}

// regression is the posterior density of the model over its unconstrained
// parameter vector. It satisfies mcmc.Target.
type regression struct {
	layout *layout
	design *design
	y      []float64
	init   []float64
	pool   sync.Pool
}

type workspace struct {
	vals, mu, scratch []float64
}

func newRegression(l *layout, d *design, y []float64) *regression {
	r := &regression{layout: l, design: d, y: y}
	r.pool.New = func() any {
		return &workspace{
			vals:    make([]float64, len(l.params)),
			mu:      make([]float64, d.n),
			scratch: make([]float64, d.n),
		}
	}

	r.init = make([]float64, len(l.params))
	for i, p := range l.params {
		var v float64
		switch p.prior.Family {
		case FamilyHalfNormal:
			v = p.prior.Sigma * 0.5
		case FamilyBeta:
			v = p.prior.Mean()
		default:
			v = p.prior.Mu
		}
		r.init[i] = p.unconstrain(v)
	}
	return r
}

func (r *regression) Dim() int { return len(r.layout.params) }

func (r *regression) ParamNames() []string { return r.layout.names() }

func (r *regression) Initial() []float64 { return append([]float64(nil), r.init...) }

func (r *regression) Constrain(dst, x []float64) {
	for i, p := range r.layout.params {
		dst[i], _ = p.constrain(x[i])
	}
}

// LogDensity is the log prior plus Normal log likelihood, plus the log
// Jacobian of every constraining transform.
func (r *regression) LogDensity(x []float64) float64 {
	ws := r.pool.Get().(*workspace)
	defer r.pool.Put(ws)

	lp := 0.0
	for i, p := range r.layout.params {
		v, logJ := p.constrain(x[i])
		ws.vals[i] = v
		lp += p.prior.LogProb(v) + logJ
	}
	if math.IsInf(lp, -1) || math.IsNaN(lp) {
		return math.Inf(-1)
	}

	sigma := ws.vals[r.layout.sigma]
	if !(sigma > 0) {
		return math.Inf(-1)
	}
	r.layout.mean(ws.mu, ws.vals, ws.scratch, r.design)

	ll := 0.0
	for t, y := range r.y {
		z := (y - ws.mu[t]) / sigma
		ll -= 0.5 * z * z
	}
	ll -= float64(len(r.y)) * (math.Log(sigma) + logSqrt2Pi)

	out := lp + ll
	if math.IsNaN(out) {
		return math.Inf(-1)
	}
	return out
}
