// Package mcmc draws posterior samples with the No-U-Turn sampler.
//
// A Target exposes a log density over an unconstrained parameter vector.
// Gradients are taken with central finite differences (gonum diff/fd), so a
// target only has to be smooth, not differentiable in closed form. Chains run
// in independent goroutines and share nothing but their own result slot.
package mcmc

import (
	"fmt"
	"runtime"

	"github.com/fractal-lba/mmm/internal/errs"
)

// Target is the density sampled by the NUTS kernel. LogDensity must be safe
// for concurrent use: every chain evaluates it from its own goroutine.
type Target interface {
	// Dim is the length of the unconstrained parameter vector.
	Dim() int

	// LogDensity returns the log posterior (up to a constant) at x,
	// including Jacobian terms of any constraining transform. It returns
	// -Inf outside the support.
	LogDensity(x []float64) float64

	// ParamNames names the constrained parameters written to the trace.
	ParamNames() []string

	// Constrain maps x to the constrained parameters, in ParamNames order.
	Constrain(dst, x []float64)

	// Initial returns a starting point. The sampler jitters it per chain.
	Initial() []float64
}

// Config controls a sampling run. Zero values take the defaults below.
type Config struct {
	Draws int `json:"draws" koanf:"draws"`
	// Tune is the number of warmup iterations. Zero means DefaultTune;
	// warmup cannot be switched off.
	Tune         int     `json:"tune" koanf:"tune"`
	Chains       int     `json:"chains" koanf:"chains"`
	Cores        int     `json:"cores" koanf:"cores"`
	TargetAccept float64 `json:"target_accept" koanf:"target_accept"`
	MaxTreeDepth int     `json:"max_tree_depth" koanf:"max_tree_depth"`
	InitJitter   float64 `json:"init_jitter" koanf:"init_jitter"`
	Seed         uint64  `json:"seed" koanf:"seed"`
}

// Defaults for Config.
const (
	DefaultDraws        = 1000
	DefaultTune         = 1000
	DefaultChains       = 4
	DefaultTargetAccept = 0.95
	DefaultMaxTreeDepth = 10
	DefaultInitJitter   = 1.0

	// divergenceThreshold is the energy error above which a trajectory is
	// flagged divergent.
	divergenceThreshold = 1000.0
)

// DefaultConfig returns the sampler defaults.
func DefaultConfig() Config {
	return Config{
		Draws:        DefaultDraws,
		Tune:         DefaultTune,
		Chains:       DefaultChains,
		Cores:        runtime.NumCPU(),
		TargetAccept: DefaultTargetAccept,
		MaxTreeDepth: DefaultMaxTreeDepth,
		InitJitter:   DefaultInitJitter,
		Seed:         1,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Draws == 0 {
		c.Draws = d.Draws
	}
	if c.Tune == 0 {
		c.Tune = d.Tune
	}
	if c.Chains == 0 {
		c.Chains = d.Chains
	}
	if c.Cores <= 0 {
		c.Cores = d.Cores
	}
	if c.TargetAccept == 0 {
		c.TargetAccept = d.TargetAccept
	}
	if c.MaxTreeDepth == 0 {
		c.MaxTreeDepth = d.MaxTreeDepth
	}
	if c.InitJitter == 0 {
		c.InitJitter = d.InitJitter
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.Draws < 1:
		return errs.Invalid("draws must be >= 1, got %d", c.Draws)
	case c.Tune < 1:
		return errs.Invalid("tune must be >= 1 (0 selects the default), got %d", c.Tune)
	case c.Chains < 1:
		return errs.Invalid("chains must be >= 1, got %d", c.Chains)
	case c.TargetAccept <= 0 || c.TargetAccept >= 1:
		return errs.Invalid("target_accept must be in (0, 1), got %v", c.TargetAccept)
	case c.MaxTreeDepth < 1 || c.MaxTreeDepth > 20:
		return errs.Invalid("max_tree_depth must be in [1, 20], got %d", c.MaxTreeDepth)
	case c.InitJitter < 0:
		return errs.Invalid("init_jitter must be >= 0, got %v", c.InitJitter)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("draws=%d tune=%d chains=%d cores=%d target_accept=%.2f",
		c.Draws, c.Tune, c.Chains, c.Cores, c.TargetAccept)
}
