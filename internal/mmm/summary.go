package mmm

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/mmm/internal/mcmc"
)

// Credible interval bounds used throughout.
const (
	lowerQuantile = 0.025
	upperQuantile = 0.975
)

// Interval is a 95% credible interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Contains reports whether v lies in the interval.
func (i Interval) Contains(v float64) bool { return v >= i.Lower && v <= i.Upper }

// ParameterSummary reduces one parameter's draws.
type ParameterSummary struct {
	Mean     float64  `json:"mean"`
	SD       float64  `json:"sd"`
	Interval Interval `json:"interval"`
	RHat     float64  `json:"r_hat"`
	ESS      float64  `json:"ess"`
}

// quantile of an already sorted slice, interpolating linearly.
func quantile(sorted []float64, q float64) float64 {
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}

// summarize computes the posterior mean and spread of every declared
// parameter. Parameters that were never declared are simply not present.
func summarize(t *mcmc.Trace, diag mcmc.Diagnostics) (map[string]ParameterSummary, error) {
	out := make(map[string]ParameterSummary, len(t.Names))
	for _, name := range t.Names {
		xs, err := t.Flat(name)
		if err != nil {
			return nil, err
		}
		mean, sd := stat.MeanStdDev(xs, nil)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return nil, fmt.Errorf("posterior mean of %s is not finite", name)
		}
		sort.Float64s(xs)
		pd := diag.Params[name]
		out[name] = ParameterSummary{
			Mean:     mean,
			SD:       sd,
			Interval: Interval{Lower: quantile(xs, lowerQuantile), Upper: quantile(xs, upperQuantile)},
			RHat:     pd.RHat,
			ESS:      pd.ESS,
		}
	}
	return out, nil
}

// Snapshot is the serialisable point-estimate view of a fitted model, used
// by prediction, ROI, the optimizer and the registry.
type Snapshot struct {
	Intercept float64                    `json:"intercept"`
	Sigma     float64                    `json:"sigma"`
	Channels  map[string]ChannelParams   `json:"channels"`
	Response  map[string]ChannelResponse `json:"response"`
	Params    map[string]float64         `json:"params"`
	Intervals map[string]Interval        `json:"intervals"`
	Scaling   Scaling                    `json:"scaling"`

	Config      Config           `json:"config"`
	Diagnostics mcmc.Diagnostics `json:"diagnostics"`
	NObs        int              `json:"n_obs"`
	FittedAt    time.Time        `json:"fitted_at"`
}

// Param returns the point estimate of a parameter and whether it exists.
func (s *Snapshot) Param(name string) (float64, bool) {
	v, ok := s.Params[name]
	return v, ok
}

// ChannelNames returns the channels in declaration order.
func (s *Snapshot) ChannelNames() []string {
	return append([]string(nil), s.Config.Channels...)
}

func buildSnapshot(cfg Config, st *fitted) *Snapshot {
	s := &Snapshot{
		Channels:    make(map[string]ChannelParams, len(cfg.Channels)),
		Response:    make(map[string]ChannelResponse, len(cfg.Channels)),
		Params:      make(map[string]float64, len(st.summary)),
		Intervals:   make(map[string]Interval, len(st.summary)),
		Scaling:     st.scaling,
		Config:      cfg,
		Diagnostics: st.diagnostics,
		NObs:        st.nObs,
		FittedAt:    st.fittedAt,
	}
	for name, ps := range st.summary {
		s.Params[name] = ps.Mean
		s.Intervals[name] = ps.Interval
	}
	s.Intercept = s.Params[ParamIntercept]
	s.Sigma = s.Params[ParamSigma]

	vals := st.pointValues()
	for c, ch := range cfg.Channels {
		p := channelParamsAt(vals, st.layout.channels[c])
		s.Channels[ch] = p
		s.Response[ch] = p.response(st.scaling.SpendScale[ch], st.scaling.OutcomeScale)
	}
	return s
}

// pointValues returns the posterior means in layout order.
func (st *fitted) pointValues() []float64 {
	vals := make([]float64, len(st.layout.params))
	for i, p := range st.layout.params {
		vals[i] = st.summary[p.name].Mean
	}
	return vals
}
