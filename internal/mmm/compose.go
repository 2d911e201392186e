package mmm

import (
	"strconv"

	"github.com/fractal-lba/mmm/internal/adstock"
	"github.com/fractal-lba/mmm/internal/saturation"
)

// ChannelParams are one channel's point estimates on the standardised scale.
// Decay is zero when adstock is off; Ceiling and HalfPoint are zero when
// saturation is off. Steepness is fixed at 1 inside the model.
type ChannelParams struct {
	Weight    float64 `json:"weight"`
	Decay     float64 `json:"decay,omitempty"`
	Ceiling   float64 `json:"ceiling,omitempty"`
	HalfPoint float64 `json:"halfpoint,omitempty"`

	// Adstock and Saturation record which transforms the channel was
	// fitted with.
	Adstock    bool `json:"adstock"`
	Saturation bool `json:"saturation"`
}

// Curve is the in-model saturation curve.
func (p ChannelParams) Curve() saturation.Hill {
	return saturation.Hill{Ceiling: p.Ceiling, Steepness: 1, HalfPoint: p.HalfPoint}
}

func channelParamsAt(vals []float64, idx channelIndex) ChannelParams {
	p := ChannelParams{Weight: vals[idx.weight]}
	if idx.decay != absentParam {
		p.Decay = vals[idx.decay]
		p.Adstock = true
	}
	if idx.ceiling != absentParam {
		p.Ceiling = vals[idx.ceiling]
		p.HalfPoint = vals[idx.halfpoint]
		p.Saturation = true
	}
	return p
}

// composeChannel writes weight * saturation(adstock(x, decay)) into dst.
// The adstock recurrence runs left to right over the whole series on every
// call; dst may not alias x.
func composeChannel(dst, x []float64, p ChannelParams) {
	if p.Adstock {
		adstock.Accumulate(dst, x, p.Decay)
	} else {
		copy(dst, x)
	}
	if p.Saturation {
		h := p.Curve()
		for t, a := range dst {
			dst[t] = h.Value(a)
		}
	}
	for t := range dst {
		dst[t] *= p.Weight
	}
}

// ChannelResponse is a channel's response curve in outcome units per unit of
// raw spend:
//
//	response(x) = Weight * Ceiling * a / (a + HalfPoint)   (saturation on)
//	response(x) = Weight * a                               (saturation off)
//
// where a is the adstocked raw spend. It is what the budget optimizer
// consumes.
type ChannelResponse struct {
	Weight     float64 `json:"weight"`
	Decay      float64 `json:"decay"`
	Ceiling    float64 `json:"ceiling,omitempty"`
	HalfPoint  float64 `json:"halfpoint,omitempty"`
	Adstock    bool    `json:"adstock"`
	Saturation bool    `json:"saturation"`
}

// response converts standardised-scale parameters into outcome units. With
// spend scaled by s and outcome by sy,
//
//	sy * w * C * (a/s) / (a/s + K) = (sy*w) * C * a / (a + K*s)
//	sy * w * (a/s)                 = (sy*w/s) * a
func (p ChannelParams) response(spendScale, outcomeScale float64) ChannelResponse {
	r := ChannelResponse{Decay: p.Decay, Adstock: p.Adstock, Saturation: p.Saturation}
	if p.Saturation {
		r.Weight = outcomeScale * p.Weight
		r.Ceiling = p.Ceiling
		r.HalfPoint = p.HalfPoint * spendScale
	} else {
		r.Weight = outcomeScale * p.Weight / spendScale
	}
	return r
}

// Value evaluates the response at an already-adstocked raw spend level.
func (r ChannelResponse) Value(adstocked float64) float64 {
	if r.Saturation {
		h := saturation.Hill{Ceiling: r.Ceiling, Steepness: 1, HalfPoint: r.HalfPoint}
		return r.Weight * h.Value(adstocked)
	}
	if adstocked <= 0 {
		return 0
	}
	return r.Weight * adstocked
}

func named(prefix, name string) string { return prefix + "_" + name }

func indexed(prefix string, i int) string { return prefix + "_" + strconv.Itoa(i) }
