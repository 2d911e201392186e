// Package synth generates weekly media mix data from known parameters, so a
// fitted model can be checked against the truth.
package synth

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fractal-lba/mmm/internal/adstock"
	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/saturation"
)

// ChannelTruth are the generating parameters of one channel.
type ChannelTruth struct {
	SpendMean       float64 `json:"spend_mean"`
	SpendStd        float64 `json:"spend_std"`
	Decay           float64 `json:"decay"`
	Ceiling         float64 `json:"ceiling"`
	Steepness       float64 `json:"steepness"`
	HalfPoint       float64 `json:"halfpoint"`
	Weight          float64 `json:"weight"`
	SpikeFrequency  float64 `json:"spike_frequency"`
	SpikeMultiplier float64 `json:"spike_multiplier"`
}

// Curve is the channel's saturation curve.
func (c ChannelTruth) Curve() saturation.Hill {
	return saturation.Hill{Ceiling: c.Ceiling, Steepness: c.Steepness, HalfPoint: c.HalfPoint}
}

// DefaultChannels are the built-in channel profiles.
func DefaultChannels() map[string]ChannelTruth {
	return map[string]ChannelTruth{
		"TV": {
			SpendMean: 15000, SpendStd: 5000, Decay: 0.7,
			Ceiling: 50000, Steepness: 2.0, HalfPoint: 10000, Weight: 0.8,
			SpikeFrequency: 0.15, SpikeMultiplier: 2.5,
		},
		"Radio": {
			SpendMean: 8000, SpendStd: 3000, Decay: 0.5,
			Ceiling: 30000, Steepness: 2.0, HalfPoint: 5000, Weight: 0.6,
			SpikeFrequency: 0.10, SpikeMultiplier: 2.0,
		},
		"Digital": {
			SpendMean: 12000, SpendStd: 4000, Decay: 0.3,
			Ceiling: 40000, Steepness: 1.8, HalfPoint: 8000, Weight: 1.2,
			SpikeFrequency: 0.25, SpikeMultiplier: 1.8,
		},
		"Social": {
			SpendMean: 6000, SpendStd: 2500, Decay: 0.2,
			Ceiling: 25000, Steepness: 1.5, HalfPoint: 4000, Weight: 1.0,
			SpikeFrequency: 0.20, SpikeMultiplier: 1.5,
		},
	}
}

// Override changes selected fields of a channel profile. Nil fields keep
// the profile's value.
type Override struct {
	Decay     *float64 `json:"decay,omitempty"`
	Weight    *float64 `json:"weight,omitempty"`
	Ceiling   *float64 `json:"ceiling,omitempty"`
	HalfPoint *float64 `json:"halfpoint,omitempty"`
}

func (o Override) apply(c ChannelTruth) ChannelTruth {
	if o.Decay != nil {
		c.Decay = *o.Decay
	}
	if o.Weight != nil {
		c.Weight = *o.Weight
	}
	if o.Ceiling != nil {
		c.Ceiling = *o.Ceiling
	}
	if o.HalfPoint != nil {
		c.HalfPoint = *o.HalfPoint
	}
	return c
}

func f(v float64) *float64 { return &v }

// Scenarios are named sets of overrides for validation runs.
var Scenarios = map[string]map[string]Override{
	"baseline": {},
	"high_tv_effectiveness": {
		"TV": {Weight: f(1.5), Decay: f(0.8)},
	},
	"digital_dominant": {
		"Digital": {Weight: f(2.0), Decay: f(0.4)},
		"TV":      {Weight: f(0.5)},
	},
	"long_adstock": {
		"TV":    {Decay: f(0.85)},
		"Radio": {Decay: f(0.7)},
	},
	"quick_saturation": {
		"TV":      {Ceiling: f(30000), HalfPoint: f(5000)},
		"Digital": {Ceiling: f(25000), HalfPoint: f(4000)},
	},
}

// ScenarioNames lists Scenarios in sorted order.
func ScenarioNames() []string {
	names := make([]string, 0, len(Scenarios))
	for n := range Scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options configures Generate. Zero values take the defaults.
type Options struct {
	Start                time.Time
	Weeks                int
	Channels             []string
	Seed                 uint64
	BaseRevenue          float64
	TrendRate            float64
	SeasonalityAmplitude float64
	NoiseLevel           float64
	Overrides            map[string]Override
}

// Defaults for Options.
const (
	DefaultWeeks                = 104
	DefaultSeed                 = 42
	DefaultBaseRevenue          = 100000
	DefaultTrendRate            = 0.002
	DefaultSeasonalityAmplitude = 0.15
	DefaultNoiseLevel           = 0.05
)

// DefaultChannelNames are generated when Options.Channels is empty.
var DefaultChannelNames = []string{"TV", "Radio", "Digital", "Social"}

func (o Options) withDefaults() Options {
	if o.Start.IsZero() {
		o.Start = time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC)
	}
	if o.Weeks == 0 {
		o.Weeks = DefaultWeeks
	}
	if len(o.Channels) == 0 {
		o.Channels = DefaultChannelNames
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	if o.BaseRevenue == 0 {
		o.BaseRevenue = DefaultBaseRevenue
	}
	if o.TrendRate == 0 {
		o.TrendRate = DefaultTrendRate
	}
	if o.SeasonalityAmplitude == 0 {
		o.SeasonalityAmplitude = DefaultSeasonalityAmplitude
	}
	if o.NoiseLevel == 0 {
		o.NoiseLevel = DefaultNoiseLevel
	}
	return o
}

// GroundTruth records everything Generate used and produced.
type GroundTruth struct {
	BaseRevenue          float64                 `json:"base_revenue"`
	TrendRate            float64                 `json:"trend_rate"`
	SeasonalityAmplitude float64                 `json:"seasonality_amplitude"`
	NoiseLevel           float64                 `json:"noise_level"`
	Seed                 uint64                  `json:"seed"`
	Channels             map[string]ChannelTruth `json:"channel_params"`
	SpendColumns         map[string]string       `json:"spend_columns"`
	TotalSpend           map[string]float64      `json:"total_media_spend"`
	TotalContribution    map[string]float64      `json:"total_media_contribution"`
	TrueROI              map[string]float64      `json:"true_roi"`
}

// ChannelForColumn maps a spend column back to its channel.
func (g *GroundTruth) ChannelForColumn(column string) (string, bool) {
	for ch, col := range g.SpendColumns {
		if col == column {
			return ch, true
		}
	}
	if _, ok := g.Channels[column]; ok {
		return column, true
	}
	return "", false
}

// SpendColumn is the column name for a channel's spend.
func SpendColumn(channel string) string { return channel + "_spend" }

// ContributionColumn holds a channel's true contribution.
func ContributionColumn(channel string) string { return channel + "_contribution_gt" }

// Outcome is the generated outcome column.
const Outcome = "revenue"

// Controls are the generated control columns.
var Controls = []string{"price", "promotion"}

// Generate builds a frame with columns date, week, year, month,
// <channel>_spend, price, promotion, <channel>_contribution_gt,
// total_media_contribution_gt and revenue.
//
// revenue = base + base*(1+trend)^t + seasonality + media - 500*(price-100)
// + 8000*promotion + noise, floored at 0. Media contribution per channel is
// weight * Hill(adstock(spend)).
func Generate(opts Options) (*dataset.Frame, *GroundTruth, error) {
	opts = opts.withDefaults()
	if opts.Weeks < 1 {
		return nil, nil, errs.Invalid("weeks must be positive, got %d", opts.Weeks)
	}

	profiles := DefaultChannels()
	for ch, ov := range opts.Overrides {
		p, ok := profiles[ch]
		if !ok {
			return nil, nil, errs.Invalid("override for unknown channel %q", ch)
		}
		profiles[ch] = ov.apply(p)
	}
	for _, ch := range opts.Channels {
		p, ok := profiles[ch]
		if !ok {
			return nil, nil, errs.Invalid("no profile for channel %q", ch)
		}
		if p.Decay < 0 || p.Decay >= 1 {
			return nil, nil, errs.Invalid("channel %q: decay %v outside [0, 1)", ch, p.Decay)
		}
	}

	n := opts.Weeks
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	frame := dataset.New(n)

	dates := make([]string, n)
	week, year, month := make([]float64, n), make([]float64, n), make([]float64, n)
	for t := 0; t < n; t++ {
		d := opts.Start.AddDate(0, 0, 7*t)
		dates[t] = d.Format("2006-01-02")
		week[t], year[t], month[t] = float64(t), float64(d.Year()), float64(d.Month())
	}
	frame.AddText("date", dates)
	frame.Add("week", week)
	frame.Add("year", year)
	frame.Add("month", month)

	truth := &GroundTruth{
		BaseRevenue:          opts.BaseRevenue,
		TrendRate:            opts.TrendRate,
		SeasonalityAmplitude: opts.SeasonalityAmplitude,
		NoiseLevel:           opts.NoiseLevel,
		Seed:                 opts.Seed,
		Channels:             make(map[string]ChannelTruth, len(opts.Channels)),
		SpendColumns:         make(map[string]string, len(opts.Channels)),
		TotalSpend:           make(map[string]float64, len(opts.Channels)),
		TotalContribution:    make(map[string]float64, len(opts.Channels)),
		TrueROI:              make(map[string]float64, len(opts.Channels)),
	}

	spends := make(map[string][]float64, len(opts.Channels))
	for _, ch := range opts.Channels {
		p := profiles[ch]
		dist := distuv.Normal{Mu: p.SpendMean, Sigma: p.SpendStd, Src: rng}
		x := make([]float64, n)
		for t := range x {
			x[t] = math.Max(dist.Rand(), 0)
			if rng.Float64() < p.SpikeFrequency {
				x[t] *= p.SpikeMultiplier
			}
		}
		spends[ch] = x
		frame.Add(SpendColumn(ch), x)
	}

	priceNoise := distuv.Normal{Mu: 0, Sigma: 5, Src: rng}
	price, promo := make([]float64, n), make([]float64, n)
	for t := 0; t < n; t++ {
		price[t] = 100 + priceNoise.Rand()
		if rng.Float64() < 0.15 {
			promo[t] = 1
		}
	}
	frame.Add("price", price)
	frame.Add("promotion", promo)

	media := make([]float64, n)
	for _, ch := range opts.Channels {
		p := profiles[ch]
		contrib := make([]float64, n)
		adstock.Accumulate(contrib, spends[ch], p.Decay)
		h := p.Curve()
		for t, a := range contrib {
			contrib[t] = p.Weight * h.Value(a)
		}
		floats.Add(media, contrib)
		frame.Add(ContributionColumn(ch), contrib)

		truth.Channels[ch] = p
		truth.SpendColumns[ch] = SpendColumn(ch)
		truth.TotalSpend[ch] = floats.Sum(spends[ch])
		truth.TotalContribution[ch] = floats.Sum(contrib)
		truth.TrueROI[ch] = mmm.ROI(truth.TotalContribution[ch], truth.TotalSpend[ch])
	}

	noise := distuv.Normal{Mu: 0, Sigma: opts.BaseRevenue * opts.NoiseLevel, Src: rng}
	revenue := make([]float64, n)
	base := opts.BaseRevenue
	for t := 0; t < n; t++ {
		trend := base * math.Pow(1+opts.TrendRate, float64(t))
		s := math.Sin(2 * math.Pi * float64(t) / 52)
		seasonality := base * opts.SeasonalityAmplitude * 1.5 * s
		controls := -500*(price[t]-100) + 8000*promo[t]
		revenue[t] = math.Max(base+trend+seasonality+media[t]+controls+noise.Rand(), 0)
	}
	frame.Add("total_media_contribution_gt", media)
	frame.Add(Outcome, revenue)
	return frame, truth, nil
}

// ModelConfig is the mmm configuration matching a generated frame: one
// channel per spend column and the generated controls.
func ModelConfig(truth *GroundTruth, channels []string) mmm.Config {
	cols := make([]string, len(channels))
	for i, ch := range channels {
		cols[i] = truth.SpendColumns[ch]
	}
	cfg := mmm.DefaultConfig(cols...)
	cfg.Outcome = Outcome
	cfg.Controls = append([]string(nil), Controls...)
	return cfg
}
