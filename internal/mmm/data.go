package mmm

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/mmm/internal/errs"
)

// Table is the tabular input the model reads from: equal-length named
// numeric columns, one row per period, rows in period order.
type Table interface {
	Len() int
	Column(name string) ([]float64, bool)
}

// minObservations is the smallest series the model will fit.
const minObservations = 3

// Observations are the arrays extracted from a Table for one fit or query.
// Spend and Controls are indexed in Config.Channels / Config.Controls order.
type Observations struct {
	N        int
	Outcome  []float64
	Spend    [][]float64
	Controls [][]float64
}

// extract pulls the configured columns out of t. The outcome is required
// only when withOutcome is set.
func extract(t Table, cfg Config, withOutcome bool) (*Observations, error) {
	if t == nil {
		return nil, errs.Invalid("no data")
	}
	n := t.Len()
	if n == 0 {
		return nil, errs.Invalid("no rows")
	}
	obs := &Observations{N: n}

	column := func(name string) ([]float64, error) {
		col, ok := t.Column(name)
		if !ok {
			return nil, errs.Missing(name)
		}
		if len(col) != n {
			return nil, errs.Invalid("column %q has %d rows, want %d", name, len(col), n)
		}
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errs.Invalid("column %q row %d is not finite", name, i)
			}
		}
		return col, nil
	}

	if withOutcome {
		if n < minObservations {
			return nil, errs.Invalid("need at least %d observations, got %d", minObservations, n)
		}
		y, err := column(cfg.Outcome)
		if err != nil {
			return nil, err
		}
		obs.Outcome = y
	}

	for _, ch := range cfg.Channels {
		x, err := column(ch)
		if err != nil {
			return nil, err
		}
		for i, v := range x {
			if v < 0 {
				return nil, errs.Invalid("channel %q has negative spend %v at row %d", ch, v, i)
			}
		}
		obs.Spend = append(obs.Spend, x)
	}

	for _, name := range cfg.Controls {
		z, err := column(name)
		if err != nil {
			return nil, err
		}
		obs.Controls = append(obs.Controls, z)
	}
	return obs, nil
}

// Scaling is the standardisation basis learned at fit time. Outcome and
// controls are centred and scaled; spend is only scaled, so it stays
// non-negative and the saturation curve keeps its domain.
type Scaling struct {
	OutcomeMean  float64            `json:"outcome_mean"`
	OutcomeScale float64            `json:"outcome_scale"`
	SpendScale   map[string]float64 `json:"spend_scale"`
	ControlMean  map[string]float64 `json:"control_mean,omitempty"`
	ControlScale map[string]float64 `json:"control_scale,omitempty"`
}

// learnScaling computes the basis from training observations.
func learnScaling(obs *Observations, cfg Config) (Scaling, error) {
	s := Scaling{
		SpendScale:   make(map[string]float64, len(cfg.Channels)),
		ControlMean:  make(map[string]float64, len(cfg.Controls)),
		ControlScale: make(map[string]float64, len(cfg.Controls)),
	}

	mean, sd := stat.MeanStdDev(obs.Outcome, nil)
	if !(sd > 0) {
		return Scaling{}, errs.Invalid("outcome %q is constant", cfg.Outcome)
	}
	s.OutcomeMean, s.OutcomeScale = mean, sd

	// Spend is not centred: saturation needs x >= 0 and the ceiling and
	// half-point prior scales are computed from positive scaled spend.
	for i, ch := range cfg.Channels {
		m, sd := stat.MeanStdDev(obs.Spend[i], nil)
		switch {
		case sd > 0:
			s.SpendScale[ch] = sd
		case m > 0:
			s.SpendScale[ch] = m
		default:
			s.SpendScale[ch] = 1
		}
	}

	for i, name := range cfg.Controls {
		m, sd := stat.MeanStdDev(obs.Controls[i], nil)
		if !(sd > 0) {
			sd = 1
		}
		s.ControlMean[name], s.ControlScale[name] = m, sd
	}
	return s, nil
}

// scaled is the standardised counterpart of Observations.
type scaled struct {
	n        int
	outcome  []float64
	spend    [][]float64
	controls [][]float64
}

func (s Scaling) apply(obs *Observations, cfg Config) *scaled {
	out := &scaled{n: obs.N}
	if obs.Outcome != nil {
		out.outcome = make([]float64, obs.N)
		for i, v := range obs.Outcome {
			out.outcome[i] = (v - s.OutcomeMean) / s.OutcomeScale
		}
	}
	for c, ch := range cfg.Channels {
		sc := s.SpendScale[ch]
		x := make([]float64, obs.N)
		for i, v := range obs.Spend[c] {
			x[i] = v / sc
		}
		out.spend = append(out.spend, x)
	}
	for k, name := range cfg.Controls {
		m, sc := s.ControlMean[name], s.ControlScale[name]
		z := make([]float64, obs.N)
		for i, v := range obs.Controls[k] {
			z[i] = (v - m) / sc
		}
		out.controls = append(out.controls, z)
	}
	return out
}

// outcome maps a standardised outcome value back to outcome units.
func (s Scaling) outcome(v float64) float64 {
	return s.OutcomeMean + s.OutcomeScale*v
}
