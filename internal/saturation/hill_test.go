package saturation

import (
	"errors"
	"math"
	"testing"

	"github.com/fractal-lba/mmm/internal/errs"
)

func TestHill_ZeroAndNegativeInput(t *testing.T) {
	h := Hill{Ceiling: 100, Steepness: 2, HalfPoint: 50}
	for _, x := range []float64{0, -1, -1e9} {
		if got := h.Value(x); got != 0 {
			t.Errorf("Value(%v) = %v, want 0", x, got)
		}
	}
}

func TestHill_MonotoneAndBounded(t *testing.T) {
	curves := []Hill{
		{Ceiling: 100, Steepness: 1, HalfPoint: 10},
		{Ceiling: 5, Steepness: 2.5, HalfPoint: 1000},
		{Ceiling: 1, Steepness: 0.5, HalfPoint: 0.3},
		{Ceiling: 100, Steepness: 3, HalfPoint: 1000},
	}
	for _, h := range curves {
		prev := h.Value(0)
		for x := 0.0; x < 100*h.HalfPoint; x += h.HalfPoint / 20 {
			v := h.Value(x)
			if v < prev {
				t.Fatalf("%+v: not monotone at x=%v (%v < %v)", h, x, v, prev)
			}
			if v > h.Ceiling {
				t.Fatalf("%+v: Value(%v) = %v exceeds ceiling", h, x, v)
			}
			prev = v
		}
		if v := h.Value(1e12 * h.HalfPoint); v > h.Ceiling {
			t.Errorf("%+v: far tail %v exceeds ceiling", h, v)
		}
		for _, x := range []float64{1e103, 1e200, math.MaxFloat64} {
			v := h.Value(x)
			if math.IsNaN(v) || v > h.Ceiling || v < prev {
				t.Errorf("%+v: Value(%v) = %v, want within [%v, %v]", h, x, v, prev, h.Ceiling)
			}
			if m := h.Marginal(x); math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
				t.Errorf("%+v: Marginal(%v) = %v", h, x, m)
			}
		}
	}
}

func TestHill_HalfPoint(t *testing.T) {
	for _, s := range []float64{0.5, 1, 2, 3.7} {
		h := Hill{Ceiling: 80, Steepness: s, HalfPoint: 1234}
		if got := h.Value(h.HalfPoint); math.Abs(got-40) > 1e-9 {
			t.Errorf("steepness %v: Value(K) = %v, want 40", s, got)
		}
	}
}

func TestHill_SpendForFraction(t *testing.T) {
	h := Hill{Ceiling: 50, Steepness: 2, HalfPoint: 100}

	x, err := h.SpendForFraction(0.5)
	if err != nil {
		t.Fatalf("SpendForFraction failed: %v", err)
	}
	if math.Abs(x-100) > 1e-9 {
		t.Errorf("SpendForFraction(0.5) = %v, want 100", x)
	}

	x95, _ := h.SpendForFraction(0.95)
	if got := h.Value(x95) / h.Ceiling; math.Abs(got-0.95) > 1e-9 {
		t.Errorf("Value(SpendForFraction(0.95)) reached %.4f of ceiling", got)
	}

	for _, p := range []float64{0, 1, -0.2, 1.5} {
		_, err := h.SpendForFraction(p)
		if !errors.Is(err, ErrInvalidThreshold) || !errors.Is(err, errs.ErrInvalidParameter) {
			t.Errorf("SpendForFraction(%v) error = %v, want invalid threshold", p, err)
		}
	}
}

func TestHill_MarginalMatchesFiniteDifference(t *testing.T) {
	h := Hill{Ceiling: 30000, Steepness: 1.8, HalfPoint: 8000}
	for _, x := range []float64{100, 2000, 8000, 30000} {
		step := x * 1e-6
		fd := (h.Value(x+step) - h.Value(x-step)) / (2 * step)
		if got := h.Marginal(x); math.Abs(got-fd) > 1e-6*math.Max(1, math.Abs(fd)) {
			t.Errorf("Marginal(%v) = %v, finite difference %v", x, got, fd)
		}
	}
}

func TestNewHill_Validation(t *testing.T) {
	tests := []struct {
		name string
		h    Hill
		ok   bool
	}{
		{"valid", Hill{1, 1, 1}, true},
		{"zero ceiling", Hill{0, 1, 1}, true},
		{"negative ceiling", Hill{-1, 1, 1}, false},
		{"zero steepness", Hill{1, 0, 1}, false},
		{"zero halfpoint", Hill{1, 1, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHill(tt.h.Ceiling, tt.h.Steepness, tt.h.HalfPoint)
			if (err == nil) != tt.ok {
				t.Errorf("NewHill(%+v) err = %v, want ok=%v", tt.h, err, tt.ok)
			}
		})
	}
}

func TestFit_RecoversNoiseFreeCurve(t *testing.T) {
	truth := Hill{Ceiling: 100, Steepness: 2, HalfPoint: 5000}
	var spend, resp []float64
	for x := 500.0; x <= 20000; x += 500 {
		spend = append(spend, x)
		resp = append(resp, truth.Value(x))
	}

	res, err := Fit(spend, resp, FitOptions{})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Points != len(spend) {
		t.Errorf("used %d points, want %d", res.Points, len(spend))
	}
	for i, x := range spend {
		if d := math.Abs(res.Curve.Value(x) - resp[i]); d > 1 {
			t.Errorf("fitted curve off by %v at x=%v", d, x)
		}
	}
	if rel := math.Abs(res.Curve.HalfPoint-5000) / 5000; rel > 0.05 {
		t.Errorf("halfpoint %v, want ~5000", res.Curve.HalfPoint)
	}
	if res.Curve.Steepness < MinSteepness || res.Curve.Steepness > MaxSteepness {
		t.Errorf("steepness %v outside bounds", res.Curve.Steepness)
	}
}

func TestFit_FixedCeiling(t *testing.T) {
	truth := Hill{Ceiling: 10, Steepness: 1.5, HalfPoint: 40}
	var spend, resp []float64
	for x := 5.0; x <= 200; x += 5 {
		spend = append(spend, x)
		resp = append(resp, truth.Value(x))
	}

	res, err := Fit(spend, resp, FitOptions{FixedCeiling: 10})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Curve.Ceiling != 10 {
		t.Errorf("ceiling = %v, want pinned 10", res.Curve.Ceiling)
	}
}

func TestFit_TooFewPoints(t *testing.T) {
	_, err := Fit([]float64{1, 0, -3}, []float64{1, 1, 1}, FitOptions{})
	if !errors.Is(err, ErrFitFailed) || !errors.Is(err, errs.ErrFitFailed) {
		t.Fatalf("expected fit failure, got %v", err)
	}
}

func TestFitOrKeep_ReportsFailure(t *testing.T) {
	prev := Hill{Ceiling: 7, Steepness: 2, HalfPoint: 3}
	got, err := FitOrKeep(prev, []float64{1}, []float64{1}, FitOptions{})
	if err == nil {
		t.Fatal("expected error to be reported alongside the fallback")
	}
	if got != prev {
		t.Errorf("fallback curve = %+v, want %+v", got, prev)
	}
}
