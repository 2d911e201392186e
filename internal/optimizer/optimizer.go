package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
)

// Strategy selects the solver.
type Strategy string

const (
	// StrategyGradient is projected-gradient ascent from an equal split.
	StrategyGradient Strategy = "gradient"

	// StrategyGlobal is CMA-ES over the projected allocation, for response
	// surfaces where a local search may stall.
	StrategyGlobal Strategy = "global"
)

// Options controls a solve.
type Options struct {
	Strategy      Strategy `json:"strategy"`
	MaxIterations int      `json:"max_iterations"`
	Tolerance     float64  `json:"tolerance"`
	Seed          uint64   `json:"seed"`
}

const (
	defaultMaxIterations = 1000
	defaultTolerance     = 1e-9
	projectionSteps      = 200
	maxBacktracks        = 60
	armijo               = 1e-4
)

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyGradient
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	return o
}

// Bounds limits one channel's allocation.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Optimizer allocates a total budget over a fixed set of response curves.
type Optimizer struct {
	curves []ResponseCurve
	budget float64
	lo, hi []float64
	index  map[string]int

	// capped marks maxima set explicitly rather than defaulted to the budget.
	capped []bool
}

// New returns an optimizer with default bounds [0, budget] per channel.
func New(curves []ResponseCurve, budget float64) (*Optimizer, error) {
	if len(curves) == 0 {
		return nil, errs.Invalid("no response curves")
	}
	if math.IsNaN(budget) || math.IsInf(budget, 0) || budget < 0 {
		return nil, errs.Invalid("total budget must be a finite value >= 0, got %v", budget)
	}
	o := &Optimizer{
		curves: append([]ResponseCurve(nil), curves...),
		budget: budget,
		lo:     make([]float64, len(curves)),
		hi:     make([]float64, len(curves)),
		index:  make(map[string]int, len(curves)),
		capped: make([]bool, len(curves)),
	}
	for i, c := range curves {
		if _, dup := o.index[c.Channel]; dup {
			return nil, errs.Invalid("channel %q listed twice", c.Channel)
		}
		o.index[c.Channel] = i
		o.hi[i] = budget
	}
	return o, nil
}

// Budget is the total budget being allocated.
func (o *Optimizer) Budget() float64 { return o.budget }

// Channels lists the channels in order.
func (o *Optimizer) Channels() []string {
	out := make([]string, len(o.curves))
	for i, c := range o.curves {
		out[i] = c.Channel
	}
	return out
}

// Curve returns the response curve of a channel.
func (o *Optimizer) Curve(channel string) (ResponseCurve, error) {
	i, ok := o.index[channel]
	if !ok {
		return ResponseCurve{}, errs.Missing(channel)
	}
	return o.curves[i], nil
}

// SetBounds overrides per-channel minimum and/or maximum budgets.
func (o *Optimizer) SetBounds(min, max map[string]float64) error {
	lo := append([]float64(nil), o.lo...)
	hi := append([]float64(nil), o.hi...)
	capped := append([]bool(nil), o.capped...)
	for ch, v := range min {
		i, ok := o.index[ch]
		if !ok {
			return errs.Missing(ch)
		}
		lo[i] = v
	}
	for ch, v := range max {
		i, ok := o.index[ch]
		if !ok {
			return errs.Missing(ch)
		}
		hi[i] = v
		capped[i] = true
	}
	for i, c := range o.curves {
		if lo[i] < 0 || hi[i] < lo[i] || math.IsNaN(lo[i]) || math.IsNaN(hi[i]) {
			return errs.Invalid("channel %q: bounds [%v, %v] are not valid", c.Channel, lo[i], hi[i])
		}
	}
	o.lo, o.hi, o.capped = lo, hi, capped
	return nil
}

// Bounds returns the effective bounds per channel.
func (o *Optimizer) Bounds() map[string]Bounds {
	out := make(map[string]Bounds, len(o.curves))
	for i, c := range o.curves {
		out[c.Channel] = Bounds{Min: o.lo[i], Max: o.hi[i]}
	}
	return out
}

func (o *Optimizer) feasible() error {
	if s := floats.Sum(o.lo); s > o.budget*(1+1e-12) {
		return errs.Invalid("minimum budgets sum to %v, above the total %v", s, o.budget)
	}
	if s := floats.Sum(o.hi); s < o.budget*(1-1e-12) {
		return errs.Invalid("maximum budgets sum to %v, below the total %v", s, o.budget)
	}
	return nil
}

// total is the summed expected contribution of an allocation.
func (o *Optimizer) total(x []float64) float64 {
	s := 0.0
	for i, c := range o.curves {
		s += c.Response(x[i])
	}
	return s
}

func (o *Optimizer) gradient(dst, x []float64) {
	for i, c := range o.curves {
		dst[i] = c.derivative(x[i])
	}
}

// project writes into dst the point of {sum = budget, lo <= x <= hi}
// closest to y, found by bisection on the shift lambda in
// x_i = clamp(y_i - lambda, lo_i, hi_i).
func (o *Optimizer) project(dst, y []float64) {
	clampSum := func(lambda float64) float64 {
		s := 0.0
		for i := range y {
			s += math.Min(math.Max(y[i]-lambda, o.lo[i]), o.hi[i])
		}
		return s
	}
	lower, upper := math.Inf(1), math.Inf(-1)
	for i := range y {
		lower = math.Min(lower, y[i]-o.hi[i])
		upper = math.Max(upper, y[i]-o.lo[i])
	}
	for k := 0; k < projectionSteps && upper-lower > 0; k++ {
		mid := 0.5 * (lower + upper)
		if clampSum(mid) > o.budget {
			lower = mid
		} else {
			upper = mid
		}
	}
	lambda := 0.5 * (lower + upper)
	for i := range y {
		dst[i] = math.Min(math.Max(y[i]-lambda, o.lo[i]), o.hi[i])
	}
}

// Result is the outcome of a solve. A failed solve still carries the best
// allocation found, with Success=false.
type Result struct {
	Allocation           map[string]float64 `json:"optimal_budget"`
	ExpectedContribution float64            `json:"expected_contribution"`
	TotalBudget          float64            `json:"total_budget"`
	NetProfit            float64            `json:"net_profit"`
	ROI                  map[string]float64 `json:"roi"`
	MarginalReturns      map[string]float64 `json:"marginal_returns"`
	Success              bool               `json:"optimization_success"`
	Message              string             `json:"optimization_message"`
	Iterations           int                `json:"iterations"`
	Strategy             Strategy           `json:"strategy"`
}

// Optimize maximises total expected contribution subject to the budget
// equality and per-channel bounds. Infeasible bounds are an invalid-parameter
// error; solver non-convergence is reported through Result.Success.
func (o *Optimizer) Optimize(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := o.feasible(); err != nil {
		return nil, err
	}

	started := time.Now()
	var (
		x     []float64
		iters int
		ok    bool
		msg   string
	)
	switch opts.Strategy {
	case StrategyGradient:
		x, iters, ok, msg = o.ascend(ctx, opts)
	case StrategyGlobal:
		x, iters, ok, msg = o.global(ctx, opts)
	default:
		return nil, errs.Invalid("unknown strategy %q", opts.Strategy)
	}

	res := o.evaluate(x)
	res.Success, res.Message, res.Iterations, res.Strategy = ok, msg, iters, opts.Strategy

	log := logging.Component("optimizer")
	ev := log.Debug()
	if !ok {
		ev = log.Warn()
	}
	ev.Str("strategy", string(opts.Strategy)).
		Float64("budget", o.budget).
		Int("iterations", iters).
		Dur("elapsed", time.Since(started)).
		Str("message", msg).
		Msg("budget optimized")
	return res, nil
}

// evaluate reports contribution, ROI and marginal return for an allocation.
func (o *Optimizer) evaluate(x []float64) *Result {
	res := &Result{
		Allocation:      make(map[string]float64, len(o.curves)),
		ROI:             make(map[string]float64, len(o.curves)),
		MarginalReturns: make(map[string]float64, len(o.curves)),
		TotalBudget:     o.budget,
	}
	for i, c := range o.curves {
		res.Allocation[c.Channel] = x[i]
		res.ROI[c.Channel] = c.ROI(x[i])
		res.MarginalReturns[c.Channel] = c.MarginalReturn(x[i])
	}
	res.ExpectedContribution = o.total(x)
	res.NetProfit = res.ExpectedContribution - o.budget
	return res
}

func (o *Optimizer) equalSplit() []float64 {
	x := make([]float64, len(o.curves))
	for i := range x {
		x[i] = o.budget / float64(len(x))
	}
	o.project(x, x)
	return x
}

// ascend runs projected-gradient ascent with a backtracking (Armijo) line
// search along the projection arc.
func (o *Optimizer) ascend(ctx context.Context, opts Options) ([]float64, int, bool, string) {
	n := len(o.curves)
	x := o.equalSplit()
	f := o.total(x)
	g := make([]float64, n)
	y := make([]float64, n)
	cand := make([]float64, n)

	step := 0.0
	for it := 1; it <= opts.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return x, it - 1, false, err.Error()
		}
		o.gradient(g, x)
		gmax := floats.Norm(g, math.Inf(1))
		if gmax == 0 || math.IsNaN(gmax) {
			return x, it - 1, true, "zero gradient"
		}
		if step == 0 {
			step = math.Max(o.budget, 1) / gmax
		}

		accepted := false
		for b := 0; b < maxBacktracks; b++ {
			floats.AddScaledTo(y, x, step, g)
			o.project(cand, y)
			gain := 0.0
			for i := range cand {
				gain += g[i] * (cand[i] - x[i])
			}
			fc := o.total(cand)
			if fc >= f+armijo*gain {
				accepted = true
				break
			}
			step /= 2
		}
		if !accepted {
			return x, it, true, "no ascent direction within tolerance"
		}

		moved := floats.Distance(cand, x, 2)
		fc := o.total(cand)
		improvement := fc - f
		copy(x, cand)
		f = fc
		if moved <= opts.Tolerance*(1+o.budget) && improvement <= opts.Tolerance*(1+math.Abs(f)) {
			return x, it, true, "converged"
		}
		step *= 2
	}
	return x, opts.MaxIterations, false, fmt.Sprintf("iteration limit %d reached", opts.MaxIterations)
}

// global minimises the negated contribution of project(y) with CMA-ES.
func (o *Optimizer) global(ctx context.Context, opts Options) ([]float64, int, bool, string) {
	n := len(o.curves)
	buf := make([]float64, n)
	start := o.equalSplit()
	scale := math.Max(o.budget/float64(n), 1)

	// Search in units of the equal share so the initial step size is O(1).
	fn := func(u []float64) float64 {
		for i := range u {
			buf[i] = u[i] * scale
		}
		o.project(buf, buf)
		return -o.total(buf)
	}
	u0 := make([]float64, n)
	for i := range start {
		u0[i] = start[i] / scale
	}

	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger:       &optimize.FunctionConverge{Absolute: opts.Tolerance, Iterations: 50},
	}
	method := &optimize.CmaEsChol{
		InitStepSize: 0.5,
		Src:          rand.NewPCG(opts.Seed, uint64(n)),
	}
	prob := optimize.Problem{
		Func: fn,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	res, err := optimize.Minimize(prob, u0, settings, method)
	x := make([]float64, n)
	if res == nil {
		copy(x, start)
		msg := "solver returned no result"
		if err != nil {
			msg = err.Error()
		}
		return x, 0, false, msg
	}
	for i := range x {
		x[i] = res.X[i] * scale
	}
	o.project(x, x)
	// Never report worse than the starting point.
	if o.total(start) > o.total(x) {
		copy(x, start)
	}
	if err != nil {
		return x, res.MajorIterations, false, err.Error()
	}
	return x, res.MajorIterations, !res.Status.Early(), res.Status.String()
}
