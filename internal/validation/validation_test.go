package validation

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/synth"
)

func TestConvergence(t *testing.T) {
	tests := []struct {
		name string
		diag mcmc.Diagnostics
		rhat bool
		div  bool
		ess  bool
	}{
		{"healthy", mcmc.Diagnostics{RHatMax: 1.01, ESSMin: 400, Divergences: 0}, true, true, true},
		{"high rhat", mcmc.Diagnostics{RHatMax: 1.2, ESSMin: 400}, false, true, true},
		{"divergent", mcmc.Diagnostics{RHatMax: 1.0, ESSMin: 400, Divergences: 10}, true, false, true},
		{"low ess", mcmc.Diagnostics{RHatMax: 1.0, ESSMin: 50}, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Convergence(tt.diag)
			if r.Pass.RHat != tt.rhat || r.Pass.Divergences != tt.div || r.Pass.ESS != tt.ess {
				t.Errorf("pass = %+v", r.Pass)
			}
		})
	}
}

func TestPredictionAccuracy(t *testing.T) {
	actual := []float64{100, 200, 0, 400}
	p := &mmm.Prediction{
		Mean:  []float64{110, 190, 10, 400},
		Lower: []float64{90, 201, -5, 350},
		Upper: []float64{130, 230, 20, 450},
	}
	r, err := PredictionAccuracy(actual, p)
	if err != nil {
		t.Fatal(err)
	}
	// Zero actuals are skipped: (0.1 + 0.05 + 0) / 3.
	if want := 5.0; math.Abs(r.MAPE-want) > 1e-9 {
		t.Errorf("MAPE = %v, want %v", r.MAPE, want)
	}
	if want := math.Sqrt(300.0 / 4); math.Abs(r.RMSE-want) > 1e-9 {
		t.Errorf("RMSE = %v, want %v", r.RMSE, want)
	}
	if r.MAE != 7.5 {
		t.Errorf("MAE = %v, want 7.5", r.MAE)
	}
	if r.Coverage != 75 {
		t.Errorf("coverage = %v, want 75", r.Coverage)
	}
	if r.RSquared <= 0.99 || !r.Pass.MAPE || r.Pass.Coverage {
		t.Errorf("report = %+v", r)
	}

	if _, err := PredictionAccuracy(actual[:2], p); !errors.Is(err, mmm.ErrInvalidParameter) {
		t.Errorf("length mismatch: err = %v", err)
	}
}

func truth() *synth.GroundTruth {
	return &synth.GroundTruth{
		Channels: map[string]synth.ChannelTruth{
			"TV":    {Decay: 0.7},
			"Radio": {Decay: 0.4},
		},
		SpendColumns:      map[string]string{"TV": "TV_spend", "Radio": "Radio_spend"},
		TotalContribution: map[string]float64{"TV": 2000, "Radio": 1000},
		TrueROI:           map[string]float64{"TV": 1.0, "Radio": 0.005},
	}
}

func TestROIAccuracy(t *testing.T) {
	rois := map[string]mmm.ChannelROI{
		"TV_spend":    {ROI: 1.2, ROILower: 0.8, ROIUpper: 1.5},
		"Radio_spend": {ROI: 0.1, ROILower: 0.05, ROIUpper: 0.3},
	}
	r, err := ROIAccuracy(rois, truth())
	if err != nil {
		t.Fatal(err)
	}
	tv := r.Channels["TV_spend"]
	if math.Abs(tv.RelativeError-0.2) > 1e-9 || !tv.WithinCI {
		t.Errorf("TV = %+v", tv)
	}
	radio := r.Channels["Radio_spend"]
	if radio.RelativeError != 0.1 || radio.WithinCI {
		t.Errorf("near-zero true ROI should use the absolute estimate: %+v", radio)
	}
	if math.Abs(r.MeanError-0.15) > 1e-9 || math.Abs(r.OverallAccuracy-0.85) > 1e-9 {
		t.Errorf("report = %+v", r)
	}

	rois["Print_spend"] = mmm.ChannelROI{}
	if _, err := ROIAccuracy(rois, truth()); !errors.Is(err, mmm.ErrMissingColumn) {
		t.Errorf("unknown channel: err = %v", err)
	}
}

func TestParameterRecovery(t *testing.T) {
	s := &mmm.Snapshot{
		Channels: map[string]mmm.ChannelParams{
			"TV_spend":    {Decay: 0.63},
			"Radio_spend": {Decay: 0.4},
		},
		Config: mmm.DefaultConfig("TV_spend", "Radio_spend"),
	}
	rois := map[string]mmm.ChannelROI{
		"TV_spend":    {TotalContribution: 1800},
		"Radio_spend": {TotalContribution: 1000},
	}
	r, err := ParameterRecovery(s, rois, truth())
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Decay["TV_spend"].RelativeError; math.Abs(got-0.1) > 1e-9 {
		t.Errorf("TV decay relative error = %v, want 0.1", got)
	}
	if got := r.Contribution["TV_spend"].Score; math.Abs(got-0.9) > 1e-9 {
		t.Errorf("TV contribution score = %v, want 0.9", got)
	}
	if math.Abs(r.MeanRelativeError-0.05) > 1e-9 {
		t.Errorf("mean relative error = %v, want 0.05", r.MeanRelativeError)
	}
}

func TestBudgetOptimization(t *testing.T) {
	curves := []optimizer.ResponseCurve{
		{Channel: "a", Weight: 2, Ceiling: 5000, HalfPoint: 500, Saturation: true},
		{Channel: "b", Weight: 1, Ceiling: 5000, HalfPoint: 2000, Saturation: true},
		{Channel: "c", Weight: 0.5, Ceiling: 5000, HalfPoint: 3000, Saturation: true},
	}
	o, err := optimizer.New(curves, 6000)
	if err != nil {
		t.Fatal(err)
	}
	r, err := BudgetOptimization(context.Background(), o, 200, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !r.BetterThanRandom || r.PercentileRank < 95 {
		t.Errorf("optimum should beat random allocations: %+v", r)
	}
	if r.ImprovementOverRandom <= 0 {
		t.Errorf("improvement = %v", r.ImprovementOverRandom)
	}

	again, _ := BudgetOptimization(context.Background(), o, 200, 5)
	if again.MeanRandomContribution != r.MeanRandomContribution {
		t.Error("same seed should draw the same allocations")
	}
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("fits a model")
	}
	frame, gt, err := synth.Generate(synth.Options{Weeks: 80, Channels: []string{"TV", "Digital"}, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	cfg := synth.ModelConfig(gt, []string{"TV", "Digital"})
	cfg.Sampler = mcmc.Config{Draws: 150, Tune: 150, Chains: 2, Cores: 2, Seed: 4}
	m, err := mmm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(context.Background(), frame); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	snap, err := m.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	curves, err := optimizer.CurvesFromSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	o, err := optimizer.New(curves, 20000)
	if err != nil {
		t.Fatal(err)
	}

	rep, err := Run(context.Background(), Input{Model: m, Data: frame, Truth: gt, Optimizer: o, Trials: 50})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Parameters == nil || rep.ROI == nil || rep.Optimization == nil {
		t.Fatalf("optional sections missing: %+v", rep)
	}
	if rep.Summary.TotalTests != 5 {
		t.Errorf("TotalTests = %d, want 5", rep.Summary.TotalTests)
	}
	if len(rep.ROI.Channels) != 2 {
		t.Errorf("ROI channels = %v", rep.ROI.Channels)
	}
	if rep.Prediction.N != 80 {
		t.Errorf("N = %d", rep.Prediction.N)
	}

	rep, err = Run(context.Background(), Input{Model: m, Data: frame})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Parameters != nil || rep.Optimization != nil || rep.Summary.TotalTests != 2 {
		t.Errorf("without truth or optimizer: %+v", rep.Summary)
	}
}
