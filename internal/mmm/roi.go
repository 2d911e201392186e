package mmm

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/fractal-lba/mmm/internal/errs"
)

// ChannelROI is the return on one channel's spend.
type ChannelROI struct {
	TotalSpend        float64 `json:"total_spend"`
	TotalContribution float64 `json:"total_contribution"`
	ROI               float64 `json:"roi_mean"`
	ROIMedian         float64 `json:"roi_median"`
	ROILower          float64 `json:"roi_lower"`
	ROIUpper          float64 `json:"roi_upper"`
}

// ROI is (contribution - spend) / spend, defined as 0 when spend is 0.
func ROI(contribution, spend float64) float64 {
	if spend <= 0 {
		return 0
	}
	return (contribution - spend) / spend
}

// ComputeROI returns per-channel spend, contribution and ROI over data.
// spendOverrides replaces a channel's historical total spend. The interval
// rescales the point-estimate contribution by up to ROIDraws posterior weight
// draws and takes the 2.5/50/97.5 percentiles of the resulting ROIs.
func (m *Model) ComputeROI(data Table, spendOverrides map[string]float64) (map[string]ChannelROI, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		known[ch] = true
	}
	for ch, v := range spendOverrides {
		if !known[ch] {
			return nil, errs.Missing(ch)
		}
		if v < 0 {
			return nil, errs.Invalid("spend override for %q is negative: %v", ch, v)
		}
	}

	obs, err := extract(data, m.cfg, false)
	if err != nil {
		return nil, err
	}
	comps := st.components(m.cfg, st.scaling.apply(obs, m.cfg))
	draws := thinnedDraws(st.trace.Chains, st.trace.Draws, m.cfg.ROIDraws)

	out := make(map[string]ChannelROI, len(m.cfg.Channels))
	for c, ch := range m.cfg.Channels {
		spend, ok := spendOverrides[ch]
		if !ok {
			spend = floats.Sum(obs.Spend[c])
		}
		contribution := floats.Sum(comps[ch])

		wIdx := st.layout.channels[c].weight
		wMean := st.summary[named(ParamWeight, ch)].Mean
		samples := make([]float64, len(draws))
		for k, dr := range draws {
			scaled := contribution
			if wMean > 0 {
				scaled = contribution * st.trace.Values[wIdx][dr.chain][dr.draw] / wMean
			}
			samples[k] = ROI(scaled, spend)
		}
		sort.Float64s(samples)

		out[ch] = ChannelROI{
			TotalSpend:        spend,
			TotalContribution: contribution,
			ROI:               ROI(contribution, spend),
			ROIMedian:         quantile(samples, 0.5),
			ROILower:          quantile(samples, lowerQuantile),
			ROIUpper:          quantile(samples, upperQuantile),
		}
	}
	return out, nil
}
