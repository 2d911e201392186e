package mcmc

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/mmm/internal/errs"
)

// gaussian is an independent normal target with per-coordinate mean/scale.
type gaussian struct {
	mean, scale []float64
}

func (g gaussian) Dim() int { return len(g.mean) }

func (g gaussian) LogDensity(x []float64) float64 {
	lp := 0.0
	for i := range x {
		z := (x[i] - g.mean[i]) / g.scale[i]
		lp -= 0.5 * z * z
	}
	return lp
}

func (g gaussian) ParamNames() []string {
	names := make([]string, len(g.mean))
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	return names
}

func (g gaussian) Constrain(dst, x []float64) { copy(dst, x) }

func (g gaussian) Initial() []float64 { return make([]float64, len(g.mean)) }

type broken struct{ gaussian }

func (broken) LogDensity([]float64) float64 { return math.Inf(-1) }

func quickConfig() Config {
	return Config{Draws: 500, Tune: 300, Chains: 2, Cores: 2, Seed: 7, TargetAccept: 0.8}
}

func TestSample_RecoversGaussianMoments(t *testing.T) {
	g := gaussian{mean: []float64{3, -2}, scale: []float64{1, 10}}

	tr, err := Sample(context.Background(), g, quickConfig())
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if tr.NumSamples() != 1000 {
		t.Fatalf("NumSamples = %d, want 1000", tr.NumSamples())
	}

	for i, name := range g.ParamNames() {
		xs, err := tr.Flat(name)
		if err != nil {
			t.Fatalf("Flat(%s): %v", name, err)
		}
		mu, v := stat.MeanVariance(xs, nil)
		if math.Abs(mu-g.mean[i]) > 0.3*g.scale[i] {
			t.Errorf("%s: mean %v, want %v", name, mu, g.mean[i])
		}
		want := g.scale[i] * g.scale[i]
		if math.Abs(v-want)/want > 0.35 {
			t.Errorf("%s: variance %v, want %v", name, v, want)
		}
	}

	d := Diagnose(tr)
	if d.RHatMax > 1.05 {
		t.Errorf("rhat_max = %v on a trivial target", d.RHatMax)
	}
	if d.Divergences != 0 {
		t.Errorf("divergences = %d, want 0", d.Divergences)
	}
	if !d.Converged {
		t.Errorf("expected converged diagnostics: %+v", d)
	}
	if d.ESSMin < 100 {
		t.Errorf("ess_min = %v, suspiciously low", d.ESSMin)
	}
}

func TestSample_DeterministicForSeed(t *testing.T) {
	g := gaussian{mean: []float64{0}, scale: []float64{1}}
	cfg := Config{Draws: 50, Tune: 20, Chains: 3, Seed: 42}

	cfg.Cores = 1
	a, err := Sample(context.Background(), g, cfg)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	cfg.Cores = 3
	b, err := Sample(context.Background(), g, cfg)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	for c := 0; c < 3; c++ {
		for d := 0; d < 50; d++ {
			if a.Values[0][c][d] != b.Values[0][c][d] {
				t.Fatalf("chain %d draw %d differs between runs", c, d)
			}
		}
	}
}

func TestSample_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := gaussian{mean: []float64{0}, scale: []float64{1}}
	_, err := Sample(ctx, g, quickConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSample_NoFiniteStart(t *testing.T) {
	b := broken{gaussian{mean: []float64{0}, scale: []float64{1}}}
	_, err := Sample(context.Background(), b, Config{Draws: 10, Tune: 10, Chains: 1})
	if !errors.Is(err, errs.ErrFitFailed) {
		t.Fatalf("expected fit failure, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"negative draws", Config{Draws: -1}, false},
		{"negative tune", Config{Tune: -5}, false},
		{"zero tune", Config{Tune: 0, Draws: 10}, true},
		{"accept too high", Config{TargetAccept: 1}, false},
		{"accept negative", Config{TargetAccept: -0.2}, false},
		{"tree too deep", Config{MaxTreeDepth: 30}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, errs.ErrInvalidParameter) {
				t.Errorf("error %v does not wrap ErrInvalidParameter", err)
			}
		})
	}
}

func TestConfig_ZeroTuneTakesDefault(t *testing.T) {
	c := Config{Draws: 10}.withDefaults()
	if c.Tune != DefaultTune {
		t.Errorf("tune = %d, want %d", c.Tune, DefaultTune)
	}
	if c := (Config{Tune: 7}).withDefaults(); c.Tune != 7 {
		t.Errorf("explicit tune overwritten: %d", c.Tune)
	}
}

func TestTrace_UnknownParam(t *testing.T) {
	tr := newTrace([]string{"x"}, 1, 3)
	if _, err := tr.Flat("y"); err == nil {
		t.Fatal("expected error for unknown parameter")
	}
	if !tr.Has("x") || tr.Has("y") {
		t.Error("Has reports wrong membership")
	}
}

func TestDualAveraging_Converges(t *testing.T) {
	// Acceptance falls as the step grows; the fixed point is eps = 1.
	da := newDualAveraging(0.1, 0.8)
	eps := 0.1
	for i := 0; i < 2000; i++ {
		accept := math.Exp(-0.223 * eps * eps)
		eps = da.update(accept)
	}
	if got := da.final(); math.Abs(got-1) > 0.1 {
		t.Errorf("final step size %v, want ~1", got)
	}
}

func iid(rng *rand.Rand, n int, shift float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() + shift
	}
	return out
}

func TestSplitRHat(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	mixed := [][]float64{iid(rng, 1000, 0), iid(rng, 1000, 0), iid(rng, 1000, 0)}
	if r := SplitRHat(mixed); r > 1.02 {
		t.Errorf("rhat for well-mixed chains = %v", r)
	}

	stuck := [][]float64{iid(rng, 1000, 0), iid(rng, 1000, 5)}
	if r := SplitRHat(stuck); r < 1.5 {
		t.Errorf("rhat for separated chains = %v, want > 1.5", r)
	}

	constant := [][]float64{{2, 2, 2, 2}, {2, 2, 2, 2}}
	if r := SplitRHat(constant); r != 1 {
		t.Errorf("rhat for constant chains = %v, want 1", r)
	}

	// A trend inside a single chain is caught by splitting.
	trend := make([]float64, 1000)
	for i := range trend {
		trend[i] = float64(i) / 100
	}
	if r := SplitRHat([][]float64{trend}); r < 1.5 {
		t.Errorf("rhat for trending chain = %v, want > 1.5", r)
	}
}

func TestESS(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	chains := [][]float64{iid(rng, 2000, 0), iid(rng, 2000, 0)}
	if e := ESS(chains); e < 2000 {
		t.Errorf("ESS of iid draws = %v, want close to 4000", e)
	}

	const phi = 0.9
	ar := make([]float64, 4000)
	for i := 1; i < len(ar); i++ {
		ar[i] = phi*ar[i-1] + rng.NormFloat64()
	}
	// Theoretical ESS is n(1-phi)/(1+phi), about 210.
	if e := ESS([][]float64{ar}); e > 600 || e < 60 {
		t.Errorf("ESS of AR(0.9) = %v, want roughly 210", e)
	}
}
