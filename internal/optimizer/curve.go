// Package optimizer reallocates a total media budget across channels to
// maximise expected contribution, using the fitted per-channel response
// curves of a model snapshot.
package optimizer

import (
	"math"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/saturation"
)

// ResponseCurve is one channel's expected contribution as a function of a
// steady per-period budget. It holds its parameters by value.
//
// Known limitation: carryover is not simulated over time. Spend is scaled by
// SteadyStateMultiplier, the level a constant spend's adstock converges to,
// before saturation. Budgets are therefore treated as steady-state spend, not
// as a time series.
type ResponseCurve struct {
	Channel    string  `json:"channel"`
	Weight     float64 `json:"weight"`
	Decay      float64 `json:"decay"`
	Ceiling    float64 `json:"ceiling,omitempty"`
	HalfPoint  float64 `json:"halfpoint,omitempty"`
	Adstock    bool    `json:"adstock"`
	Saturation bool    `json:"saturation"`
}

// NewResponseCurve validates the parameters.
func NewResponseCurve(channel string, r mmm.ChannelResponse) (ResponseCurve, error) {
	c := ResponseCurve{
		Channel:    channel,
		Weight:     r.Weight,
		Decay:      r.Decay,
		Ceiling:    r.Ceiling,
		HalfPoint:  r.HalfPoint,
		Adstock:    r.Adstock,
		Saturation: r.Saturation,
	}
	switch {
	case channel == "":
		return c, errs.Invalid("response curve needs a channel name")
	case math.IsNaN(c.Weight) || c.Weight < 0:
		return c, errs.Invalid("channel %q: weight must be >= 0, got %v", channel, c.Weight)
	case c.Adstock && (math.IsNaN(c.Decay) || c.Decay < 0 || c.Decay >= 1):
		return c, errs.Invalid("channel %q: steady-state decay must be in [0, 1), got %v", channel, c.Decay)
	case c.Saturation && (c.Ceiling < 0 || !(c.HalfPoint > 0)):
		return c, errs.Invalid("channel %q: saturation needs ceiling >= 0 and halfpoint > 0", channel)
	}
	return c, nil
}

// CurvesFromSnapshot builds one curve per channel, in declaration order.
func CurvesFromSnapshot(s *mmm.Snapshot) ([]ResponseCurve, error) {
	if s == nil {
		return nil, mmm.ErrNotFitted
	}
	var out []ResponseCurve
	for _, ch := range s.ChannelNames() {
		r, ok := s.Response[ch]
		if !ok {
			return nil, errs.Missing(ch)
		}
		c, err := NewResponseCurve(ch, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SteadyStateMultiplier is 1/(1-decay): the adstock level of a constant unit
// spend after infinitely many periods. It is 1 without adstock.
func (c ResponseCurve) SteadyStateMultiplier() float64 {
	if !c.Adstock {
		return 1
	}
	return 1 / (1 - c.Decay)
}

func (c ResponseCurve) hill() saturation.Hill {
	return saturation.Hill{Ceiling: c.Ceiling, Steepness: 1, HalfPoint: c.HalfPoint}
}

// Response is the expected contribution of budget.
func (c ResponseCurve) Response(budget float64) float64 {
	if budget <= 0 {
		return 0
	}
	x := budget * c.SteadyStateMultiplier()
	if c.Saturation {
		return c.Weight * c.hill().Value(x)
	}
	return c.Weight * x
}

// derivative is the exact slope of Response, used by the solver.
func (c ResponseCurve) derivative(budget float64) float64 {
	m := c.SteadyStateMultiplier()
	if c.Saturation {
		return c.Weight * m * c.hill().Marginal(math.Max(budget, 0)*m)
	}
	return c.Weight * m
}

// MarginalReturn is the forward-difference slope of Response at budget with
// step max(1, 0.001*budget).
func (c ResponseCurve) MarginalReturn(budget float64) float64 {
	eps := math.Max(1, 0.001*budget)
	return (c.Response(budget+eps) - c.Response(budget)) / eps
}

// ROI of spending budget on this channel alone.
func (c ResponseCurve) ROI(budget float64) float64 {
	return mmm.ROI(c.Response(budget), budget)
}
