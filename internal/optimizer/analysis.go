package optimizer

import (
	"context"
	"math"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mmm"
)

// Sensitivity traces one channel's response over a budget grid.
type Sensitivity struct {
	Channel        string    `json:"channel"`
	Budget         []float64 `json:"budget"`
	Contribution   []float64 `json:"contribution"`
	ROI            []float64 `json:"roi"`
	MarginalReturn []float64 `json:"marginal_return"`
}

// Sensitivity evaluates channel at every budget in the grid. The marginal
// return is the numerical gradient of contribution across the grid
// (second-order central differences inside, one-sided at the ends), so the
// grid must be strictly increasing.
func (o *Optimizer) Sensitivity(channel string, budgets []float64) (*Sensitivity, error) {
	c, err := o.Curve(channel)
	if err != nil {
		return nil, err
	}
	if len(budgets) == 0 {
		return nil, errs.Invalid("empty budget range")
	}
	for i, b := range budgets {
		if b < 0 || math.IsNaN(b) {
			return nil, errs.Invalid("budget %v is negative", b)
		}
		if i > 0 && b <= budgets[i-1] {
			return nil, errs.Invalid("budget range must be strictly increasing")
		}
	}

	n := len(budgets)
	s := &Sensitivity{
		Channel:        channel,
		Budget:         append([]float64(nil), budgets...),
		Contribution:   make([]float64, n),
		ROI:            make([]float64, n),
		MarginalReturn: make([]float64, n),
	}
	for i, b := range budgets {
		s.Contribution[i] = c.Response(b)
		s.ROI[i] = mmm.ROI(s.Contribution[i], b)
	}
	gradientOnGrid(s.MarginalReturn, s.Contribution, budgets)
	if n == 1 {
		s.MarginalReturn[0] = c.MarginalReturn(budgets[0])
	}
	return s, nil
}

// gradientOnGrid is dy/dx on a non-uniform grid.
func gradientOnGrid(dst, y, x []float64) {
	n := len(y)
	if n < 2 {
		return
	}
	dst[0] = (y[1] - y[0]) / (x[1] - x[0])
	dst[n-1] = (y[n-1] - y[n-2]) / (x[n-1] - x[n-2])
	for i := 1; i < n-1; i++ {
		hs := x[i] - x[i-1]
		hd := x[i+1] - x[i]
		dst[i] = (hs*hs*y[i+1] + (hd*hd-hs*hs)*y[i] - hd*hd*y[i-1]) / (hs * hd * (hd + hs))
	}
}

// Scenario is a named allocation to evaluate.
type Scenario struct {
	Name       string             `json:"name"`
	Allocation map[string]float64 `json:"allocation"`
}

// ChannelOutcome is one channel's result under an allocation.
type ChannelOutcome struct {
	Budget       float64 `json:"budget"`
	Contribution float64 `json:"contribution"`
	ROI          float64 `json:"roi"`
}

// ScenarioResult evaluates one scenario.
type ScenarioResult struct {
	Name                 string                    `json:"name"`
	TotalBudget          float64                   `json:"total_budget"`
	ExpectedContribution float64                   `json:"expected_contribution"`
	NetProfit            float64                   `json:"net_profit"`
	OverallROI           float64                   `json:"overall_roi"`
	Channels             map[string]ChannelOutcome `json:"channels"`
}

// CompareScenarios evaluates allocations without solving. Channels absent
// from a scenario get zero budget; channels the optimizer does not know are
// an error.
func (o *Optimizer) CompareScenarios(scenarios []Scenario) ([]ScenarioResult, error) {
	out := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		for ch, b := range sc.Allocation {
			if _, ok := o.index[ch]; !ok {
				return nil, errs.Missing(ch)
			}
			if b < 0 || math.IsNaN(b) {
				return nil, errs.Invalid("scenario %q: budget for %q is negative", sc.Name, ch)
			}
		}
		r := ScenarioResult{Name: sc.Name, Channels: make(map[string]ChannelOutcome, len(o.curves))}
		for _, c := range o.curves {
			b := sc.Allocation[c.Channel]
			contrib := c.Response(b)
			r.Channels[c.Channel] = ChannelOutcome{Budget: b, Contribution: contrib, ROI: mmm.ROI(contrib, b)}
			r.TotalBudget += b
			r.ExpectedContribution += contrib
		}
		r.NetProfit = r.ExpectedContribution - r.TotalBudget
		r.OverallROI = mmm.ROI(r.ExpectedContribution, r.TotalBudget)
		out = append(out, r)
	}
	return out, nil
}

// Action is a recommended direction for a channel's budget.
type Action string

const (
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionMaintain Action = "maintain"
)

// Change compares a channel's current and recommended budget.
// PercentageChange is nil when the current budget is zero.
type Change struct {
	Current          float64  `json:"current"`
	Recommended      float64  `json:"recommended"`
	AbsoluteChange   float64  `json:"absolute_change"`
	PercentageChange *float64 `json:"percentage_change"`
	Action           Action   `json:"action"`
}

// Recommendation is the result of Recommend.
type Recommendation struct {
	Changes                map[string]Change `json:"recommendations"`
	CurrentContribution    float64           `json:"current_total_contribution"`
	OptimalContribution    float64           `json:"optimal_total_contribution"`
	ExpectedImprovement    float64           `json:"expected_improvement"`
	ExpectedImprovementPct float64           `json:"expected_improvement_pct"`
	Optimization           *Result           `json:"optimization"`
}

// Recommend solves for the optimal allocation and compares it with current.
func (o *Optimizer) Recommend(ctx context.Context, current map[string]float64, opts Options) (*Recommendation, error) {
	for ch := range current {
		if _, ok := o.index[ch]; !ok {
			return nil, errs.Missing(ch)
		}
	}
	res, err := o.Optimize(ctx, opts)
	if err != nil {
		return nil, err
	}

	tol := 1e-6 * math.Max(1, o.budget)
	rec := &Recommendation{Changes: make(map[string]Change, len(o.curves)), Optimization: res}
	for _, c := range o.curves {
		cur := current[c.Channel]
		opt := res.Allocation[c.Channel]
		ch := Change{Current: cur, Recommended: opt, AbsoluteChange: opt - cur}
		if cur > 0 {
			pct := (opt - cur) / cur * 100
			ch.PercentageChange = &pct
		}
		switch {
		case ch.AbsoluteChange > tol:
			ch.Action = ActionIncrease
		case ch.AbsoluteChange < -tol:
			ch.Action = ActionDecrease
		default:
			ch.Action = ActionMaintain
		}
		rec.Changes[c.Channel] = ch
		rec.CurrentContribution += c.Response(cur)
	}
	rec.OptimalContribution = res.ExpectedContribution
	rec.ExpectedImprovement = rec.OptimalContribution - rec.CurrentContribution
	if rec.CurrentContribution > 0 {
		rec.ExpectedImprovementPct = rec.ExpectedImprovement / rec.CurrentContribution * 100
	}
	return rec, nil
}

// FrontierPoint is the optimum at one total budget.
type FrontierPoint struct {
	TotalBudget          float64 `json:"total_budget"`
	ExpectedContribution float64 `json:"expected_contribution"`
	NetProfit            float64 `json:"net_profit"`
	OverallROI           float64 `json:"overall_roi"`
	Success              bool    `json:"optimization_success"`
}

// EfficiencyFrontier re-solves at each total budget with the same bounds.
// Maxima that were left at their default follow the new total.
func (o *Optimizer) EfficiencyFrontier(ctx context.Context, budgets []float64, opts Options) ([]FrontierPoint, error) {
	out := make([]FrontierPoint, 0, len(budgets))
	for _, b := range budgets {
		sub, err := New(o.curves, b)
		if err != nil {
			return nil, err
		}
		copy(sub.lo, o.lo)
		for i := range sub.hi {
			if o.capped[i] {
				sub.hi[i] = o.hi[i]
				sub.capped[i] = true
			}
		}
		res, err := sub.Optimize(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, FrontierPoint{
			TotalBudget:          b,
			ExpectedContribution: res.ExpectedContribution,
			NetProfit:            res.NetProfit,
			OverallROI:           mmm.ROI(res.ExpectedContribution, b),
			Success:              res.Success,
		})
	}
	return out, nil
}
