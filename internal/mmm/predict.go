package mmm

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// PredictOptions controls Predict.
type PredictOptions struct {
	// Components adds per-channel contribution series from point estimates.
	Components bool `json:"components"`

	// Offset is the period index of the first row, for trend and
	// seasonality. Zero treats the rows as starting at the first training
	// period; pass the training length to forecast the periods after it.
	Offset int `json:"offset"`

	// Seed drives the observation noise. Zero uses the sampler seed.
	Seed uint64 `json:"seed,omitempty"`
}

// Prediction holds outcome-unit predictions per period.
type Prediction struct {
	Mean       []float64            `json:"mean"`
	Lower      []float64            `json:"lower"`
	Upper      []float64            `json:"upper"`
	Components map[string][]float64 `json:"components,omitempty"`
}

// Predict returns the posterior predictive mean and 95% interval for data.
// Every kept posterior draw (thinned to MaxPredictiveDraws) computes the mean
// on data and adds Normal(0, sigma) noise; percentiles are taken per period
// and mapped back to outcome units with the fit-time scaling.
func (m *Model) Predict(data Table, opts PredictOptions) (*Prediction, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	obs, err := extract(data, m.cfg, false)
	if err != nil {
		return nil, err
	}
	sc := st.scaling.apply(obs, m.cfg)
	d := newDesign(sc, opts.Offset)

	seed := opts.Seed
	if seed == 0 {
		seed = m.cfg.Sampler.Seed
	}
	rng := rand.New(rand.NewPCG(seed, uint64(d.n)))

	draws := thinnedDraws(st.trace.Chains, st.trace.Draws, m.cfg.MaxPredictiveDraws)
	samples := make([][]float64, d.n)
	for t := range samples {
		samples[t] = make([]float64, len(draws))
	}

	vals := make([]float64, len(st.layout.params))
	mu := make([]float64, d.n)
	scratch := make([]float64, d.n)
	for k, dr := range draws {
		for p := range vals {
			vals[p] = st.trace.Values[p][dr.chain][dr.draw]
		}
		st.layout.mean(mu, vals, scratch, d)
		sigma := vals[st.layout.sigma]
		for t := range mu {
			samples[t][k] = mu[t] + sigma*rng.NormFloat64()
		}
	}

	pred := &Prediction{
		Mean:  make([]float64, d.n),
		Lower: make([]float64, d.n),
		Upper: make([]float64, d.n),
	}
	for t, s := range samples {
		pred.Mean[t] = st.scaling.outcome(stat.Mean(s, nil))
		sort.Float64s(s)
		pred.Lower[t] = st.scaling.outcome(quantile(s, lowerQuantile))
		pred.Upper[t] = st.scaling.outcome(quantile(s, upperQuantile))
	}

	if opts.Components {
		pred.Components = st.components(m.cfg, sc)
	}
	return pred, nil
}

// components computes each channel's contribution in outcome units from the
// point estimates.
func (st *fitted) components(cfg Config, sc *scaled) map[string][]float64 {
	vals := st.pointValues()
	out := make(map[string][]float64, len(cfg.Channels))
	for c, ch := range cfg.Channels {
		series := make([]float64, sc.n)
		st.layout.channelCurve(series, vals, c, sc.spend[c])
		for t := range series {
			series[t] *= st.scaling.OutcomeScale
		}
		out[ch] = series
	}
	return out
}

type drawIndex struct{ chain, draw int }

// thinnedDraws spreads at most limit draws evenly over all chains.
func thinnedDraws(chains, draws, limit int) []drawIndex {
	total := chains * draws
	step := 1
	if limit > 0 && total > limit {
		step = (total + limit - 1) / limit
	}
	out := make([]drawIndex, 0, total/step+1)
	for i := 0; i < total; i += step {
		out = append(out, drawIndex{chain: i / draws, draw: i % draws})
	}
	return out
}
