package mcmc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
)

// maxInitAttempts bounds the search for a finite starting point per chain.
const maxInitAttempts = 100

// Sample runs cfg.Chains independent NUTS chains against target and returns
// their post-warmup draws. At most cfg.Cores chains run at once. Each chain
// is seeded from (cfg.Seed, chain index), so a run is reproducible for a
// fixed seed regardless of scheduling.
//
// Cancelling ctx stops every chain at its next iteration and returns
// ctx.Err().
func Sample(ctx context.Context, target Target, cfg Config) (*Trace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	names := target.ParamNames()
	trace := newTrace(names, cfg.Chains, cfg.Draws)
	log := logging.Component("mcmc")
	log.Info().
		Int("dim", target.Dim()).
		Int("params", len(names)).
		Str("config", cfg.String()).
		Msg("sampling started")
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Cores)
	for c := 0; c < cfg.Chains; c++ {
		chain := c
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(chain)+1))
			return runChain(gctx, target, cfg, rng, chain, trace)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info().
		Dur("elapsed", time.Since(started)).
		Int("divergences", trace.Divergences()).
		Float64("mean_accept", trace.MeanAcceptStat()).
		Msg("sampling finished")
	return trace, nil
}

// runChain owns trace slots [*][chain][*] exclusively.
func runChain(ctx context.Context, target Target, cfg Config, rng *rand.Rand, chain int, trace *Trace) error {
	k := newKernel(target, rng, cfg.MaxTreeDepth)

	current, err := initialPoint(k, cfg.InitJitter)
	if err != nil {
		return fmt.Errorf("chain %d: %w", chain, err)
	}

	k.findReasonableStepSize(current)
	da := newDualAveraging(k.stepSize, cfg.TargetAccept)
	window := newMassWindow(cfg.Tune)

	constrained := make([]float64, len(trace.Names))
	log := logging.Component("mcmc").With().Int("chain", chain).Logger()

	for it := 0; it < cfg.Tune+cfg.Draws; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, st := k.transition(current)
		current = next

		if it < cfg.Tune {
			k.stepSize = da.update(st.acceptStat)
			if window != nil {
				window.observe(it, current.q)
				if window.closes(it) {
					k.invMass = window.inverseMetric(target.Dim())
					k.findReasonableStepSize(current)
					da.restart(k.stepSize)
				}
			}
			if it == cfg.Tune-1 {
				k.stepSize = da.final()
				log.Debug().Float64("step_size", k.stepSize).Msg("warmup finished")
			}
			continue
		}

		d := it - cfg.Tune
		target.Constrain(constrained, current.q)
		for p, v := range constrained {
			trace.Values[p][chain][d] = v
		}
		trace.Divergent[chain][d] = st.divergent
		trace.AcceptStat[chain][d] = st.acceptStat
		trace.TreeDepth[chain][d] = st.depth
	}
	trace.StepSize[chain] = k.stepSize
	return nil
}

// initialPoint jitters target.Initial() uniformly in [-jitter, jitter] until
// the density and gradient are finite.
func initialPoint(k *kernel, jitter float64) (point, error) {
	base := k.target.Initial()
	if len(base) != k.target.Dim() {
		return point{}, errs.Invalid("initial point has length %d, target dimension %d", len(base), k.target.Dim())
	}
	q := make([]float64, len(base))
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		for i := range q {
			q[i] = base[i]
			if jitter > 0 {
				q[i] += jitter * (2*k.rng.Float64() - 1)
			}
		}
		pt := k.newPoint(q)
		if pt.finite() {
			return pt, nil
		}
	}
	return point{}, fmt.Errorf("%w: no finite starting point after %d attempts", errs.ErrFitFailed, maxInitAttempts)
}
