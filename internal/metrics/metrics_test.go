package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mcmc"
)

func TestObserveFit(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveFit(2*time.Second, mcmc.Diagnostics{RHatMax: 1.02, ESSMin: 350, Divergences: 3, Converged: true}, nil)
	m.ObserveFit(time.Second, mcmc.Diagnostics{RHatMax: 1.4, Divergences: 20}, nil)
	m.ObserveFit(time.Second, mcmc.Diagnostics{}, &errs.FitError{
		Stage:       "summary",
		Diagnostics: mcmc.Diagnostics{Divergences: 5},
		Err:         errors.New("boom"),
	})

	if got := testutil.ToFloat64(m.FitsTotal.WithLabelValues("converged")); got != 1 {
		t.Errorf("converged fits = %v", got)
	}
	if got := testutil.ToFloat64(m.FitsTotal.WithLabelValues("not_converged")); got != 1 {
		t.Errorf("not_converged fits = %v", got)
	}
	if got := testutil.ToFloat64(m.FitsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed fits = %v", got)
	}
	if got := testutil.ToFloat64(m.Divergences); got != 28 {
		t.Errorf("divergences = %v, want 28", got)
	}
	if got := testutil.ToFloat64(m.LastRHatMax); got != 1.4 {
		t.Errorf("last r-hat = %v", got)
	}
}

func TestObserveOptimization(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOptimization("gradient", true)
	m.ObserveOptimization("gradient", true)
	m.ObserveOptimization("global", false)
	if got := testutil.ToFloat64(m.Optimizations.WithLabelValues("gradient", "true")); got != 2 {
		t.Errorf("gradient successes = %v", got)
	}
	if got := testutil.CollectAndCount(m.Optimizations); got != 2 {
		t.Errorf("series = %d, want 2", got)
	}
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	New(reg)
}
