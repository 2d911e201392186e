package api

import (
	"time"

	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/validation"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse reports liveness and how many posteriors are in memory.
type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	ModelsLoaded int       `json:"models_loaded"`
}

// UploadResponse describes a stored CSV upload.
type UploadResponse struct {
	DatasetID string   `json:"dataset_id"`
	Filename  string   `json:"filename"`
	Columns   []string `json:"columns"`
	Rows      int      `json:"rows"`
}

// GenerateRequest asks for a synthetic dataset. Zero values take the
// generator defaults; Scenario names one of the preset overrides.
type GenerateRequest struct {
	NWeeks      int      `json:"n_weeks"`
	Channels    []string `json:"channels"`
	BaseRevenue float64  `json:"base_revenue"`
	Seed        uint64   `json:"seed"`
	Scenario    string   `json:"scenario"`
}

// GenerateResponse describes a generated dataset. Ground truth is stored
// next to it and used by validation.
type GenerateResponse struct {
	DatasetID    string             `json:"dataset_id"`
	Rows         int                `json:"rows"`
	Columns      []string           `json:"columns"`
	Channels     []string           `json:"channels"`
	SpendColumns map[string]string  `json:"spend_columns"`
	TrueROI      map[string]float64 `json:"true_roi"`
}

// DatasetResponse previews a stored dataset.
type DatasetResponse struct {
	DatasetID string                           `json:"dataset_id"`
	Columns   []string                         `json:"columns"`
	TotalRows int                              `json:"total_rows"`
	Preview   []map[string]any                 `json:"preview"`
	Summary   map[string]dataset.ColumnSummary `json:"summary"`
}

// FitRequest fits a model on a stored dataset. Component toggles default
// to true; Sampler overrides the server's sampler settings.
type FitRequest struct {
	DatasetID      string       `json:"dataset_id"`
	ChannelColumns []string     `json:"channel_columns"`
	TargetColumn   string       `json:"target_column"`
	DateColumn     string       `json:"date_column,omitempty"`
	ControlColumns []string     `json:"control_columns,omitempty"`
	UseAdstock     *bool        `json:"use_adstock,omitempty"`
	UseSaturation  *bool        `json:"use_saturation,omitempty"`
	UseTrend       *bool        `json:"use_trend,omitempty"`
	UseSeasonality *bool        `json:"use_seasonality,omitempty"`
	Sampler        *mcmc.Config `json:"sampler,omitempty"`
}

// FittedParams are the point estimates returned after a fit.
type FittedParams struct {
	Intercept float64                      `json:"intercept"`
	Sigma     float64                      `json:"sigma"`
	Channels  map[string]mmm.ChannelParams `json:"channels"`
}

func fittedParams(s *mmm.Snapshot) FittedParams {
	return FittedParams{Intercept: s.Intercept, Sigma: s.Sigma, Channels: s.Channels}
}

// FitResponse describes a newly registered model.
type FitResponse struct {
	ModelID      string           `json:"model_id"`
	Status       string           `json:"status"`
	FittedParams FittedParams     `json:"fitted_params"`
	DatasetID    string           `json:"dataset_id"`
	Diagnostics  mcmc.Diagnostics `json:"diagnostics"`
}

// ModelResponse describes a registered model. Resident is false when only
// its snapshot survives; prediction, ROI and validation then need a refit.
type ModelResponse struct {
	ModelID      string       `json:"model_id"`
	FittedAt     time.Time    `json:"fitted_at"`
	DatasetID    string       `json:"dataset_id"`
	Channels     []string     `json:"channels"`
	IsFitted     bool         `json:"is_fitted"`
	Resident     bool         `json:"resident"`
	Config       mmm.Config   `json:"config"`
	FittedParams FittedParams `json:"fitted_params"`
}

// ModelSummary is one entry of ModelsResponse.
type ModelSummary struct {
	ModelID   string    `json:"model_id"`
	FittedAt  time.Time `json:"fitted_at"`
	DatasetID string    `json:"dataset_id"`
	Channels  []string  `json:"channels"`
}

// ModelsResponse lists registered models, newest first.
type ModelsResponse struct {
	Models []ModelSummary `json:"models"`
}

// PredictRequest predicts on a stored dataset.
type PredictRequest struct {
	DatasetID        string `json:"dataset_id"`
	ReturnComponents bool   `json:"return_components"`
	Offset           int    `json:"offset"`
	Seed             uint64 `json:"seed"`
}

// PredictResponse carries the posterior predictive mean and 95% interval.
type PredictResponse struct {
	ModelID     string               `json:"model_id"`
	Predictions []float64            `json:"predictions"`
	LowerBound  []float64            `json:"lower_bound"`
	UpperBound  []float64            `json:"upper_bound"`
	Components  map[string][]float64 `json:"components,omitempty"`
}

// ROIRequest computes ROI over a stored dataset, optionally replacing each
// named channel's spend with a constant.
type ROIRequest struct {
	DatasetID      string             `json:"dataset_id"`
	SpendOverrides map[string]float64 `json:"spend_overrides,omitempty"`
}

// ROIResponse carries ROI per channel.
type ROIResponse struct {
	ModelID      string                    `json:"model_id"`
	ROIByChannel map[string]mmm.ChannelROI `json:"roi_by_channel"`
}

// ValidateRequest validates against a stored dataset. When Budget > 0 the
// optimum at that budget is also compared with Trials random allocations.
type ValidateRequest struct {
	DatasetID string  `json:"dataset_id"`
	Budget    float64 `json:"budget,omitempty"`
	Trials    int     `json:"trials,omitempty"`
	Seed      uint64  `json:"seed,omitempty"`
}

// ValidateResponse wraps a validation report.
type ValidateResponse struct {
	ModelID           string             `json:"model_id"`
	ValidationResults *validation.Report `json:"validation_results"`
}

// DiagnosticsResponse carries sampler diagnostics and the posterior
// summary table.
type DiagnosticsResponse struct {
	ModelID     string                          `json:"model_id"`
	Diagnostics mcmc.Diagnostics                `json:"diagnostics"`
	Summary     map[string]mmm.ParameterSummary `json:"summary,omitempty"`
}

// OptimizeRequest allocates TotalBudget across the model's channels. When
// CurrentAllocation is set the response also carries recommendations
// relative to it.
type OptimizeRequest struct {
	ModelID           string             `json:"model_id"`
	TotalBudget       float64            `json:"total_budget"`
	MinBudgets        map[string]float64 `json:"min_budgets,omitempty"`
	MaxBudgets        map[string]float64 `json:"max_budgets,omitempty"`
	Strategy          optimizer.Strategy `json:"strategy,omitempty"`
	CurrentAllocation map[string]float64 `json:"current_allocation,omitempty"`
}

// OptimizeResponse is the optimal allocation.
type OptimizeResponse struct {
	ModelID              string                    `json:"model_id"`
	TotalBudget          float64                   `json:"total_budget"`
	OptimalAllocation    map[string]float64        `json:"optimal_allocation"`
	ExpectedContribution float64                   `json:"expected_contribution"`
	NetProfit            float64                   `json:"net_profit"`
	ROIByChannel         map[string]float64        `json:"roi_by_channel"`
	MarginalReturns      map[string]float64        `json:"marginal_returns"`
	OptimizationSuccess  bool                      `json:"optimization_success"`
	Message              string                    `json:"message,omitempty"`
	Strategy             optimizer.Strategy        `json:"strategy"`
	Recommendations      *optimizer.Recommendation `json:"recommendations,omitempty"`
}

// SensitivityRequest traces one channel's response. Budgets, if empty, is
// Points evenly spaced values over [Min, Max].
type SensitivityRequest struct {
	ModelID string    `json:"model_id"`
	Channel string    `json:"channel"`
	Budgets []float64 `json:"budgets,omitempty"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Points  int       `json:"points,omitempty"`
}

// ScenariosRequest evaluates fixed allocations and, optionally, the
// efficiency frontier over FrontierBudgets.
type ScenariosRequest struct {
	ModelID         string               `json:"model_id"`
	Scenarios       []optimizer.Scenario `json:"scenarios"`
	FrontierBudgets []float64            `json:"frontier_budgets,omitempty"`
	Strategy        optimizer.Strategy   `json:"strategy,omitempty"`
}

// ScenariosResponse carries scenario evaluations and frontier points.
type ScenariosResponse struct {
	ModelID   string                     `json:"model_id"`
	Scenarios []optimizer.ScenarioResult `json:"scenarios"`
	Frontier  []optimizer.FrontierPoint  `json:"frontier,omitempty"`
}
