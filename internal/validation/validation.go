// Package validation scores a fitted model: sampler convergence, in-sample
// prediction accuracy, and (for synthetic data) recovery of the generating
// parameters and ROI, plus how the optimizer compares with random budgets.
package validation

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/synth"
)

// Pass thresholds.
const (
	MaxMAPE          = 10.0
	MinRSquared      = 0.8
	MinCoverage      = 90.0
	MinESS           = 100.0
	MinParamAccuracy = 0.7
	nearZeroROI      = 0.01
	defaultTrials    = 100
	randomPercentile = 0.95
)

// ConvergenceReport restates the sampler diagnostics with pass flags.
type ConvergenceReport struct {
	RHatMax     float64 `json:"r_hat_max"`
	RHatMin     float64 `json:"r_hat_min"`
	ESSMin      float64 `json:"ess_min"`
	Divergences int     `json:"divergences"`
	NSamples    int     `json:"n_samples"`
	Converged   bool    `json:"converged"`
	Pass        struct {
		RHat        bool `json:"r_hat"`
		Divergences bool `json:"divergences"`
		ESS         bool `json:"ess"`
	} `json:"pass_threshold"`
}

// Convergence checks R-hat, divergences and ESS.
func Convergence(d mcmc.Diagnostics) ConvergenceReport {
	r := ConvergenceReport{
		RHatMax:     d.RHatMax,
		RHatMin:     d.RHatMin,
		ESSMin:      d.ESSMin,
		Divergences: d.Divergences,
		NSamples:    d.NSamples,
		Converged:   d.Converged,
	}
	r.Pass.RHat = d.RHatMax < mcmc.RHatThreshold
	r.Pass.Divergences = d.Divergences < mcmc.DivergenceThreshold
	r.Pass.ESS = d.ESSMin > MinESS
	return r
}

// PredictionReport scores predictions against actuals.
type PredictionReport struct {
	MAPE     float64 `json:"mape"`
	RMSE     float64 `json:"rmse"`
	MAE      float64 `json:"mae"`
	RSquared float64 `json:"r_squared"`
	Coverage float64 `json:"ci_coverage"`
	N        int     `json:"n_observations"`
	Pass     struct {
		MAPE     bool `json:"mape"`
		RSquared bool `json:"r_squared"`
		Coverage bool `json:"ci_coverage"`
	} `json:"pass_threshold"`
}

// PredictionAccuracy computes MAPE (over non-zero actuals, in percent),
// RMSE, MAE, R² and the share of actuals inside the 95% interval.
func PredictionAccuracy(actual []float64, p *mmm.Prediction) (PredictionReport, error) {
	n := len(actual)
	if n == 0 || len(p.Mean) != n || len(p.Lower) != n || len(p.Upper) != n {
		return PredictionReport{}, fmt.Errorf("%w: %d actuals for %d predictions", mmm.ErrInvalidParameter, n, len(p.Mean))
	}
	var r PredictionReport
	r.N = n

	var absPct, sq, abs float64
	pctN, covered := 0, 0
	for i, y := range actual {
		e := y - p.Mean[i]
		sq += e * e
		abs += math.Abs(e)
		if y != 0 {
			absPct += math.Abs(e / y)
			pctN++
		}
		if y >= p.Lower[i] && y <= p.Upper[i] {
			covered++
		}
	}
	if pctN > 0 {
		r.MAPE = absPct / float64(pctN) * 100
	}
	r.RMSE = math.Sqrt(sq / float64(n))
	r.MAE = abs / float64(n)
	mean := stat.Mean(actual, nil)
	tot := 0.0
	for _, y := range actual {
		tot += (y - mean) * (y - mean)
	}
	if tot > 0 {
		r.RSquared = 1 - sq/tot
	}
	r.Coverage = float64(covered) / float64(n) * 100

	r.Pass.MAPE = r.MAPE < MaxMAPE
	r.Pass.RSquared = r.RSquared > MinRSquared
	r.Pass.Coverage = r.Coverage > MinCoverage
	return r, nil
}

// Recovery compares one fitted quantity with its true value.
type Recovery struct {
	True          float64 `json:"true"`
	Fitted        float64 `json:"fitted"`
	AbsoluteError float64 `json:"absolute_error"`
	RelativeError float64 `json:"relative_error"`
	Score         float64 `json:"recovery_score"`
}

func recovery(truth, fitted float64) Recovery {
	abs := math.Abs(fitted - truth)
	rel := abs
	if truth != 0 {
		rel = abs / math.Abs(truth)
	}
	return Recovery{True: truth, Fitted: fitted, AbsoluteError: abs, RelativeError: rel, Score: math.Max(0, 1-rel)}
}

// ParameterReport scores decay and contribution recovery per channel.
type ParameterReport struct {
	Decay             map[string]Recovery `json:"decay_recovery"`
	Contribution      map[string]Recovery `json:"contribution_recovery"`
	MeanRelativeError float64             `json:"mean_relative_error"`
	OverallAccuracy   float64             `json:"overall_accuracy"`
}

// ParameterRecovery compares fitted decays with the generating decays, and
// the fitted total contribution with the true total contribution. The model's
// weights live on a standardised scale, so contribution in outcome units is
// the comparable measure of effectiveness. Channels are model spend columns.
func ParameterRecovery(s *mmm.Snapshot, rois map[string]mmm.ChannelROI, truth *synth.GroundTruth) (ParameterReport, error) {
	r := ParameterReport{
		Decay:        make(map[string]Recovery),
		Contribution: make(map[string]Recovery),
	}
	var total float64
	n := 0
	for _, col := range s.ChannelNames() {
		ch, ok := truth.ChannelForColumn(col)
		if !ok {
			return ParameterReport{}, fmt.Errorf("%w: no ground truth for %q", mmm.ErrMissingColumn, col)
		}
		gt := truth.Channels[ch]
		if p := s.Channels[col]; s.Config.UseAdstock {
			rec := recovery(gt.Decay, p.Decay)
			r.Decay[col] = rec
			total += rec.RelativeError
			n++
		}
		if roi, ok := rois[col]; ok {
			rec := recovery(truth.TotalContribution[ch], roi.TotalContribution)
			r.Contribution[col] = rec
			total += rec.RelativeError
			n++
		}
	}
	if n > 0 {
		r.MeanRelativeError = total / float64(n)
		r.OverallAccuracy = 1 - r.MeanRelativeError
	}
	return r, nil
}

// ChannelROIAccuracy compares one channel's estimated and true ROI.
type ChannelROIAccuracy struct {
	TrueROI       float64 `json:"true_roi"`
	EstimatedROI  float64 `json:"estimated_roi"`
	AbsoluteError float64 `json:"absolute_error"`
	RelativeError float64 `json:"relative_error"`
	WithinCI      bool    `json:"within_95_ci"`
}

// ROIReport scores ROI recovery.
type ROIReport struct {
	Channels        map[string]ChannelROIAccuracy `json:"channel_roi"`
	MeanError       float64                       `json:"mean_roi_error"`
	OverallAccuracy float64                       `json:"overall_accuracy"`
}

// ROIAccuracy compares estimated ROI with the true ROI. When the true ROI is
// near zero the error is the absolute estimate.
func ROIAccuracy(rois map[string]mmm.ChannelROI, truth *synth.GroundTruth) (ROIReport, error) {
	r := ROIReport{Channels: make(map[string]ChannelROIAccuracy, len(rois))}
	if len(rois) == 0 {
		return r, nil
	}
	total := 0.0
	for col, est := range rois {
		ch, ok := truth.ChannelForColumn(col)
		if !ok {
			return ROIReport{}, fmt.Errorf("%w: no ground truth for %q", mmm.ErrMissingColumn, col)
		}
		tr := truth.TrueROI[ch]
		a := ChannelROIAccuracy{
			TrueROI:       tr,
			EstimatedROI:  est.ROI,
			AbsoluteError: math.Abs(est.ROI - tr),
			WithinCI:      tr >= est.ROILower && tr <= est.ROIUpper,
		}
		if math.Abs(tr) < nearZeroROI {
			a.RelativeError = math.Abs(est.ROI)
		} else {
			a.RelativeError = a.AbsoluteError / math.Abs(tr)
		}
		r.Channels[col] = a
		total += a.RelativeError
	}
	r.MeanError = total / float64(len(rois))
	r.OverallAccuracy = math.Max(0, 1-r.MeanError)
	return r, nil
}

// OptimizationReport compares the optimum with random allocations of the
// same budget.
type OptimizationReport struct {
	OptimalContribution    float64 `json:"optimal_contribution"`
	MeanRandomContribution float64 `json:"mean_random_contribution"`
	ImprovementOverRandom  float64 `json:"improvement_over_random"`
	PercentileRank         float64 `json:"percentile_rank"`
	BetterThanRandom       bool    `json:"better_than_random"`
}

// BudgetOptimization draws trials allocations uniformly from the budget
// simplex (Dirichlet with unit concentration) and ranks the optimum among
// them. BetterThanRandom requires beating the 95th percentile.
func BudgetOptimization(ctx context.Context, o *optimizer.Optimizer, trials int, seed uint64) (OptimizationReport, error) {
	if trials <= 0 {
		trials = defaultTrials
	}
	res, err := o.Optimize(ctx, optimizer.Options{})
	if err != nil {
		return OptimizationReport{}, err
	}

	channels := o.Channels()
	ones := make([]float64, len(channels))
	for i := range ones {
		ones[i] = 1
	}
	dir := distmv.NewDirichlet(ones, rand.NewPCG(seed, uint64(trials)))
	share := make([]float64, len(channels))
	scenarios := make([]optimizer.Scenario, trials)
	for k := range scenarios {
		dir.Rand(share)
		alloc := make(map[string]float64, len(channels))
		for i, ch := range channels {
			alloc[ch] = share[i] * o.Budget()
		}
		scenarios[k] = optimizer.Scenario{Name: fmt.Sprintf("random-%d", k), Allocation: alloc}
	}
	evals, err := o.CompareScenarios(scenarios)
	if err != nil {
		return OptimizationReport{}, err
	}

	contribs := make([]float64, len(evals))
	beaten := 0
	for i, e := range evals {
		contribs[i] = e.ExpectedContribution
		if res.ExpectedContribution > e.ExpectedContribution {
			beaten++
		}
	}
	mean := stat.Mean(contribs, nil)
	r := OptimizationReport{
		OptimalContribution:    res.ExpectedContribution,
		MeanRandomContribution: mean,
		PercentileRank:         float64(beaten) / float64(len(contribs)) * 100,
	}
	if mean != 0 {
		r.ImprovementOverRandom = (res.ExpectedContribution - mean) / mean * 100
	}
	sorted := append([]float64(nil), contribs...)
	sort.Float64s(sorted)
	r.BetterThanRandom = res.ExpectedContribution > stat.Quantile(randomPercentile, stat.LinInterp, sorted, nil)
	return r, nil
}

// Summary is the overall verdict.
type Summary struct {
	AllPassed  bool      `json:"all_passed"`
	TotalTests int       `json:"total_tests"`
	Timestamp  time.Time `json:"timestamp"`
}

// Report collects every check that ran. Optional sections are nil when
// their inputs were absent.
type Report struct {
	Convergence  ConvergenceReport   `json:"convergence"`
	Prediction   PredictionReport    `json:"prediction_accuracy"`
	Parameters   *ParameterReport    `json:"parameter_recovery,omitempty"`
	ROI          *ROIReport          `json:"roi_accuracy,omitempty"`
	Optimization *OptimizationReport `json:"budget_optimization,omitempty"`
	Summary      Summary             `json:"summary"`
}

// Input is what Run validates. Truth and Optimizer are optional.
type Input struct {
	Model     *mmm.Model
	Data      mmm.Table
	Truth     *synth.GroundTruth
	Optimizer *optimizer.Optimizer
	Trials    int
	Seed      uint64
}

// Run executes every applicable check. All checks pass when the sampler
// converged, MAPE and R² pass, parameter accuracy exceeds 0.7 (with ground
// truth) and the optimum beats random budgets (with an optimizer).
func Run(ctx context.Context, in Input) (*Report, error) {
	diag, err := in.Model.Diagnostics()
	if err != nil {
		return nil, err
	}
	rep := &Report{Convergence: Convergence(diag)}
	tests := 2

	actual, ok := in.Data.Column(in.Model.Config().Outcome)
	if !ok {
		return nil, errs.Missing(in.Model.Config().Outcome)
	}
	pred, err := in.Model.Predict(in.Data, mmm.PredictOptions{})
	if err != nil {
		return nil, err
	}
	if rep.Prediction, err = PredictionAccuracy(actual, pred); err != nil {
		return nil, err
	}
	passed := rep.Convergence.Converged && rep.Prediction.Pass.MAPE && rep.Prediction.Pass.RSquared

	if in.Truth != nil {
		snap, err := in.Model.Snapshot()
		if err != nil {
			return nil, err
		}
		rois, err := in.Model.ComputeROI(in.Data, nil)
		if err != nil {
			return nil, err
		}
		params, err := ParameterRecovery(snap, rois, in.Truth)
		if err != nil {
			return nil, err
		}
		roiRep, err := ROIAccuracy(rois, in.Truth)
		if err != nil {
			return nil, err
		}
		rep.Parameters, rep.ROI = &params, &roiRep
		tests += 2
		passed = passed && params.OverallAccuracy > MinParamAccuracy
	}

	if in.Optimizer != nil {
		seed := in.Seed
		if seed == 0 {
			seed = 1
		}
		opt, err := BudgetOptimization(ctx, in.Optimizer, in.Trials, seed)
		if err != nil {
			return nil, err
		}
		rep.Optimization = &opt
		tests++
		passed = passed && opt.BetterThanRandom
	}

	rep.Summary = Summary{AllPassed: passed, TotalTests: tests, Timestamp: time.Now().UTC()}
	log := logging.Component("validation")
	log.Info().
		Bool("all_passed", passed).
		Float64("mape", rep.Prediction.MAPE).
		Float64("r_squared", rep.Prediction.RSquared).
		Float64("r_hat_max", rep.Convergence.RHatMax).
		Msg("validation finished")
	return rep, nil
}
