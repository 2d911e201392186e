// Package mmm is the Bayesian media mix model.
//
// A Model declares priors over intercept, noise, trend, seasonality, control
// coefficients and per-channel adstock/saturation/effectiveness parameters,
// samples the posterior with NUTS, and answers prediction, ROI and snapshot
// queries from the posterior. Fit replaces the posterior atomically: a failed
// fit leaves the previous state untouched.
package mmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mcmc"
)

// Config declares the model structure and sampler settings.
type Config struct {
	Channels []string `json:"channels"`
	Outcome  string   `json:"outcome"`
	Controls []string `json:"controls,omitempty"`

	UseAdstock     bool `json:"use_adstock"`
	UseSaturation  bool `json:"use_saturation"`
	UseTrend       bool `json:"use_trend"`
	UseSeasonality bool `json:"use_seasonality"`

	// SeasonalPeriod is the cycle length in periods (52 for weekly data).
	SeasonalPeriod int `json:"seasonal_period"`

	Sampler mcmc.Config `json:"sampler"`

	// MaxPredictiveDraws thins the posterior for predictive intervals.
	MaxPredictiveDraws int `json:"max_predictive_draws,omitempty"`

	// ROIDraws is the number of posterior weight draws behind ROI intervals.
	ROIDraws int `json:"roi_draws,omitempty"`
}

const (
	DefaultOutcome            = "revenue"
	DefaultSeasonalPeriod     = 52
	DefaultMaxPredictiveDraws = 1000
	DefaultROIDraws           = 100
)

// DefaultConfig enables every component for the given channels.
func DefaultConfig(channels ...string) Config {
	return Config{
		Channels:       channels,
		Outcome:        DefaultOutcome,
		UseAdstock:     true,
		UseSaturation:  true,
		UseTrend:       true,
		UseSeasonality: true,
		SeasonalPeriod: DefaultSeasonalPeriod,
		Sampler:        mcmc.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.Outcome == "" {
		c.Outcome = DefaultOutcome
	}
	if c.SeasonalPeriod == 0 {
		c.SeasonalPeriod = DefaultSeasonalPeriod
	}
	if c.MaxPredictiveDraws == 0 {
		c.MaxPredictiveDraws = DefaultMaxPredictiveDraws
	}
	if c.ROIDraws == 0 {
		c.ROIDraws = DefaultROIDraws
	}
	return c
}

// Validate checks names and settings.
func (c Config) Validate() error {
	c = c.withDefaults()
	if len(c.Channels) == 0 {
		return errs.Invalid("at least one channel is required")
	}
	seen := make(map[string]bool)
	for _, name := range append(append([]string{c.Outcome}, c.Channels...), c.Controls...) {
		if name == "" {
			return errs.Invalid("empty column name")
		}
		if seen[name] {
			return errs.Invalid("column %q declared twice", name)
		}
		seen[name] = true
	}
	if c.SeasonalPeriod < 2 {
		return errs.Invalid("seasonal_period must be >= 2, got %d", c.SeasonalPeriod)
	}
	if c.MaxPredictiveDraws < 0 || c.ROIDraws < 0 {
		return errs.Invalid("draw counts must be non-negative")
	}
	return c.Sampler.Validate()
}

// fitted is everything produced by one successful fit. Never mutated after
// construction.
type fitted struct {
	scaling     Scaling
	scales      PriorScales
	layout      *layout
	trace       *mcmc.Trace
	diagnostics mcmc.Diagnostics
	summary     map[string]ParameterSummary
	snapshot    *Snapshot
	nObs        int
	fittedAt    time.Time
}

// Model is a media mix model instance. Fit may be called again to refit;
// queries are safe for concurrent use with each other and with Fit.
type Model struct {
	cfg Config

	mu    sync.RWMutex
	state *fitted
}

// New returns an unfitted model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg.withDefaults()}, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// IsFitted reports whether a posterior is available.
func (m *Model) IsFitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != nil
}

func (m *Model) current() (*fitted, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, ErrNotFitted
	}
	return m.state, nil
}

// Fit samples the posterior given data. Sampling blocks for the whole run;
// cancel ctx to abandon it. On any failure the previous fit, if any, stays
// in place and the error is a *FitError (or a validation error).
func (m *Model) Fit(ctx context.Context, data Table) error {
	cfg := m.cfg
	log := logging.Component("mmm")

	obs, err := extract(data, cfg, true)
	if err != nil {
		return err
	}
	scaling, err := learnScaling(obs, cfg)
	if err != nil {
		return err
	}
	sc := scaling.apply(obs, cfg)

	scales := ComputePriorScales(sc.spend, cfg.UseAdstock)
	lay := newLayout(cfg, scales, obs.N)
	target := newRegression(lay, newDesign(sc, 0), sc.outcome)

	log.Info().
		Int("observations", obs.N).
		Strs("channels", cfg.Channels).
		Int("params", target.Dim()).
		Msg("fitting model")

	started := time.Now()
	trace, err := mcmc.Sample(ctx, target, cfg.Sampler)
	if err != nil {
		return &FitError{Stage: "sampling", Err: err}
	}

	diag := mcmc.Diagnose(trace)
	summary, err := summarize(trace, diag)
	if err != nil {
		return &FitError{Stage: "summary", Diagnostics: diag, Err: err}
	}
	state := &fitted{
		scaling:     scaling,
		scales:      scales,
		layout:      lay,
		trace:       trace,
		diagnostics: diag,
		summary:     summary,
		nObs:        obs.N,
		fittedAt:    time.Now().UTC(),
	}
	state.snapshot = buildSnapshot(cfg, state)

	ev := log.Info()
	if !diag.Converged {
		ev = log.Warn()
	}
	ev.Dur("elapsed", time.Since(started)).
		Float64("rhat_max", diag.RHatMax).
		Float64("ess_min", diag.ESSMin).
		Int("divergences", diag.Divergences).
		Bool("converged", diag.Converged).
		Msg("model fitted")

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// Snapshot returns the point-estimate view of the posterior.
func (m *Model) Snapshot() (*Snapshot, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	return st.snapshot, nil
}

// Diagnostics returns the convergence diagnostics of the last fit.
func (m *Model) Diagnostics() (mcmc.Diagnostics, error) {
	st, err := m.current()
	if err != nil {
		return mcmc.Diagnostics{}, err
	}
	return st.diagnostics, nil
}

// Summary returns per-parameter posterior summaries keyed by name.
func (m *Model) Summary() (map[string]ParameterSummary, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	return st.summary, nil
}

// Trace exposes the raw posterior draws. Callers must not modify it.
func (m *Model) Trace() (*mcmc.Trace, error) {
	st, err := m.current()
	if err != nil {
		return nil, err
	}
	return st.trace, nil
}

// ParamNames lists the parameters this configuration declares, in order.
func (m *Model) ParamNames() []string {
	scales := PriorScales{
		Ceiling:   make([]float64, len(m.cfg.Channels)),
		HalfPoint: make([]float64, len(m.cfg.Channels)),
	}
	return newLayout(m.cfg, scales, 1).names()
}

// IsFitError reports whether err is a fit failure and returns it.
func IsFitError(err error) (*FitError, bool) {
	var fe *FitError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func (c Config) String() string {
	return fmt.Sprintf("channels=%v adstock=%t saturation=%t trend=%t seasonality=%t",
		c.Channels, c.UseAdstock, c.UseSaturation, c.UseTrend, c.UseSeasonality)
}
