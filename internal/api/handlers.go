package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/mmm"
	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/registry"
	"github.com/fractal-lba/mmm/internal/synth"
	"github.com/fractal-lba/mmm/internal/validation"
	"github.com/fractal-lba/mmm/pkg/otel"
)

// GroundTruthSuffix names the sidecar written next to generated datasets.
const GroundTruthSuffix = "_ground_truth"

const (
	defaultSensitivityPoints = 20
	fitTimeoutMargin         = 15 * time.Second
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Bayesian Media Mix Model (MMM) API",
		"version": Version,
		"health":  "/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		ModelsLoaded: s.models.Len(),
	})
}

// handleUpload accepts a multipart "file" field or a raw text/csv body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var (
		src      io.Reader = r.Body
		filename           = "upload.csv"
	)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.HasPrefix(mt, "multipart/") {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			s.fail(w, r, badRequest("multipart field \"file\": %v", err))
			return
		}
		defer file.Close()
		src, filename = file, hdr.Filename
	}

	f, err := dataset.ReadCSV(src)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if !errors.As(err, &maxBytes) {
			err = badRequest("%v", err)
		}
		s.fail(w, r, err)
		return
	}
	if s.maxRows > 0 && f.Len() > s.maxRows {
		s.fail(w, r, badRequest("dataset has %d rows, limit is %d", f.Len(), s.maxRows))
		return
	}
	id, err := s.datasets.Create(f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.frames.Set(id, f)
	s.metrics.Datasets.WithLabelValues("upload").Inc()

	respondJSON(w, http.StatusOK, UploadResponse{
		DatasetID: id,
		Filename:  filename,
		Columns:   f.Names(),
		Rows:      f.Len(),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	opts := synth.Options{
		Weeks:       req.NWeeks,
		Channels:    req.Channels,
		BaseRevenue: req.BaseRevenue,
		Seed:        req.Seed,
	}
	if req.Scenario != "" {
		ov, ok := synth.Scenarios[req.Scenario]
		if !ok {
			s.fail(w, r, badRequest("unknown scenario %q, want one of %v", req.Scenario, synth.ScenarioNames()))
			return
		}
		opts.Overrides = ov
	}
	if s.maxRows > 0 && req.NWeeks > s.maxRows {
		s.fail(w, r, badRequest("n_weeks %d exceeds the row limit %d", req.NWeeks, s.maxRows))
		return
	}

	f, truth, err := synth.Generate(opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.datasets.Create(f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.datasets.SaveSidecar(id, GroundTruthSuffix, truth); err != nil {
		s.fail(w, r, err)
		return
	}
	s.frames.Set(id, f)
	s.metrics.Datasets.WithLabelValues("generate").Inc()

	channels := req.Channels
	if len(channels) == 0 {
		channels = synth.DefaultChannelNames
	}
	respondJSON(w, http.StatusOK, GenerateResponse{
		DatasetID:    id,
		Rows:         f.Len(),
		Columns:      f.Names(),
		Channels:     channels,
		SpendColumns: truth.SpendColumns,
		TrueROI:      truth.TrueROI,
	})
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "datasetID")
	limit := defaultPreviewRows
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	f, err := s.frame(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, DatasetResponse{
		DatasetID: id,
		Columns:   f.Names(),
		TotalRows: f.Len(),
		Preview:   f.Records(limit),
		Summary:   f.Describe(),
	})
}

// modelConfig turns a fit request into a model configuration.
func (s *Server) modelConfig(req *FitRequest) (mmm.Config, error) {
	if len(req.ChannelColumns) == 0 {
		return mmm.Config{}, badRequest("channel_columns is required")
	}
	cfg := mmm.DefaultConfig(req.ChannelColumns...)
	if req.TargetColumn != "" {
		cfg.Outcome = req.TargetColumn
	}
	cfg.Controls = req.ControlColumns
	for _, t := range []struct {
		src *bool
		dst *bool
	}{
		{req.UseAdstock, &cfg.UseAdstock},
		{req.UseSaturation, &cfg.UseSaturation},
		{req.UseTrend, &cfg.UseTrend},
		{req.UseSeasonality, &cfg.UseSeasonality},
	} {
		if t.src != nil {
			*t.dst = *t.src
		}
	}
	cfg.Sampler = s.sampler
	if req.Sampler != nil {
		cfg.Sampler = *req.Sampler
	}
	return cfg, nil
}

// fitTimeout is the deadline for a synchronous fit: the configured value, or
// WriteTimeout less a margin for registering and writing the response.
func (s *Server) fitTimeout() time.Duration {
	if s.cfg.FitTimeout > 0 {
		return s.cfg.FitTimeout
	}
	wt := s.cfg.WriteTimeout
	switch {
	case wt <= 0:
		return 0
	case wt > 4*fitTimeoutMargin:
		return wt - fitTimeoutMargin
	default:
		return wt * 3 / 4
	}
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req FitRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.modelConfig(&req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.frame(req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.DateColumn != "" && !contains(f.Names(), req.DateColumn) {
		s.fail(w, r, errs.Missing(req.DateColumn))
		return
	}

	ctx := r.Context()
	if d := s.fitTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx, span := otel.StartSpan(ctx, "model.fit", otel.ModelAttributes("", req.DatasetID, cfg.Channels)...)
	defer span.End()
	span.SetAttributes(otel.SamplerAttributes(cfg.Sampler.Draws, cfg.Sampler.Tune, cfg.Sampler.Chains)...)

	m, err := mmm.New(cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	started := time.Now()
	err = m.Fit(ctx, f)
	var diag mcmc.Diagnostics
	if err == nil {
		diag, _ = m.Diagnostics()
	}
	s.metrics.ObserveFit(time.Since(started), diag, err)
	if err != nil {
		otel.RecordError(span, err, "fit failed")
		s.fail(w, r, err)
		return
	}
	span.SetAttributes(otel.DiagnosticAttributes(diag.RHatMax, diag.Divergences, diag.Converged)...)

	rec, err := s.models.Add(ctx, m, req.DatasetID)
	if err != nil {
		otel.RecordError(span, err, "register failed")
		s.fail(w, r, err)
		return
	}
	span.SetAttributes(otel.AttrModelID.String(rec.ID))

	respondJSON(w, http.StatusOK, FitResponse{
		ModelID:      rec.ID,
		Status:       "fitted",
		FittedParams: fittedParams(rec.Snapshot),
		DatasetID:    req.DatasetID,
		Diagnostics:  rec.Snapshot.Diagnostics,
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	e, err := s.models.Get(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ModelResponse{
		ModelID:      e.ID,
		FittedAt:     e.FittedAt,
		DatasetID:    e.DatasetID,
		Channels:     e.Channels,
		IsFitted:     true,
		Resident:     e.Model != nil,
		Config:       e.Snapshot.Config,
		FittedParams: fittedParams(e.Snapshot),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.models.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := ModelsResponse{Models: make([]ModelSummary, 0, len(recs))}
	for _, rec := range recs {
		resp.Models = append(resp.Models, ModelSummary{
			ModelID:   rec.ID,
			FittedAt:  rec.FittedAt,
			DatasetID: rec.DatasetID,
			Channels:  rec.Channels,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "modelID")
	if err := s.models.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"model_id": id, "status": "deleted"})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	e, err := s.models.Get(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := DiagnosticsResponse{ModelID: e.ID, Diagnostics: e.Snapshot.Diagnostics}
	if e.Model != nil {
		if sum, err := e.Model.Summary(); err == nil {
			resp.Summary = sum
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "modelID")
	m, rec, err := s.models.Model(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.frame(req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	_, span := otel.StartSpan(r.Context(), "model.predict", otel.ModelAttributes(id, req.DatasetID, rec.Channels)...)
	defer span.End()
	p, err := m.Predict(f, mmm.PredictOptions{Components: req.ReturnComponents, Offset: req.Offset, Seed: req.Seed})
	if err != nil {
		otel.RecordError(span, err, "predict failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.Predictions.Inc()
	respondJSON(w, http.StatusOK, PredictResponse{
		ModelID:     id,
		Predictions: p.Mean,
		LowerBound:  p.Lower,
		UpperBound:  p.Upper,
		Components:  p.Components,
	})
}

func (s *Server) handleROI(w http.ResponseWriter, r *http.Request) {
	var req ROIRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "modelID")
	m, rec, err := s.models.Model(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.frame(req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	_, span := otel.StartSpan(r.Context(), "model.roi", otel.ModelAttributes(id, req.DatasetID, rec.Channels)...)
	defer span.End()
	rois, err := m.ComputeROI(f, req.SpendOverrides)
	if err != nil {
		otel.RecordError(span, err, "roi failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.ROIQueries.Inc()
	respondJSON(w, http.StatusOK, ROIResponse{ModelID: id, ROIByChannel: rois})
}

// handleValidate takes dataset_id from the query string or the JSON body.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	if q := r.URL.Query().Get("dataset_id"); q != "" {
		req.DatasetID = q
	}
	id := chi.URLParam(r, "modelID")
	m, rec, err := s.models.Model(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.frame(req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	in := validation.Input{Model: m, Data: f, Trials: req.Trials, Seed: req.Seed}
	var truth synth.GroundTruth
	ok, err := s.datasets.LoadSidecar(req.DatasetID, GroundTruthSuffix, &truth)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ok {
		in.Truth = &truth
	}
	if req.Budget > 0 {
		o, err := s.newOptimizer(rec.Snapshot, req.Budget)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		in.Optimizer = o
	}

	ctx, span := otel.StartSpan(r.Context(), "model.validate", otel.ModelAttributes(id, req.DatasetID, rec.Channels)...)
	defer span.End()
	rep, err := validation.Run(ctx, in)
	if err != nil {
		otel.RecordError(span, err, "validation failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.Validations.WithLabelValues(strconv.FormatBool(rep.Summary.AllPassed)).Inc()
	respondJSON(w, http.StatusOK, ValidateResponse{ModelID: id, ValidationResults: rep})
}

func (s *Server) newOptimizer(snap *mmm.Snapshot, budget float64) (*optimizer.Optimizer, error) {
	curves, err := optimizer.CurvesFromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return optimizer.New(curves, budget)
}

// snapshot returns the stored snapshot for id; optimization does not need
// the posterior to be resident.
func (s *Server) snapshot(r *http.Request, id string) (*registry.Entry, error) {
	if id == "" {
		return nil, badRequest("model_id is required")
	}
	return s.models.Get(r.Context(), id)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.snapshot(r, req.ModelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.newOptimizer(e.Snapshot, req.TotalBudget)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.MinBudgets != nil || req.MaxBudgets != nil {
		if err := o.SetBounds(req.MinBudgets, req.MaxBudgets); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	ctx, span := otel.StartSpan(r.Context(), "optimizer.optimize", otel.ModelAttributes(req.ModelID, e.DatasetID, e.Channels)...)
	defer span.End()
	opts := optimizer.Options{Strategy: req.Strategy}

	var (
		res *optimizer.Result
		rec *optimizer.Recommendation
	)
	if req.CurrentAllocation != nil {
		rec, err = o.Recommend(ctx, req.CurrentAllocation, opts)
		if err == nil {
			res = rec.Optimization
		}
	} else {
		res, err = o.Optimize(ctx, opts)
	}
	if err != nil {
		otel.RecordError(span, err, "optimize failed")
		s.fail(w, r, err)
		return
	}
	span.SetAttributes(otel.OptimizerAttributes(string(res.Strategy), req.TotalBudget, res.Success)...)
	s.metrics.ObserveOptimization(string(res.Strategy), res.Success)
	if !res.Success {
		log := logging.Component("api")
		log.Warn().Str("model_id", req.ModelID).Str("message", res.Message).Msg("optimizer did not converge")
	}

	respondJSON(w, http.StatusOK, OptimizeResponse{
		ModelID:              req.ModelID,
		TotalBudget:          req.TotalBudget,
		OptimalAllocation:    res.Allocation,
		ExpectedContribution: res.ExpectedContribution,
		NetProfit:            res.NetProfit,
		ROIByChannel:         res.ROI,
		MarginalReturns:      res.MarginalReturns,
		OptimizationSuccess:  res.Success,
		Message:              res.Message,
		Strategy:             res.Strategy,
		Recommendations:      rec,
	})
}

func (s *Server) handleSensitivity(w http.ResponseWriter, r *http.Request) {
	var req SensitivityRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.snapshot(r, req.ModelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	budgets := req.Budgets
	if len(budgets) == 0 {
		budgets, err = grid(req.Min, req.Max, req.Points)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	o, err := s.newOptimizer(e.Snapshot, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sens, err := o.Sensitivity(req.Channel, budgets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sens)
}

// grid returns points evenly spaced values over [lo, hi].
func grid(lo, hi float64, points int) ([]float64, error) {
	if points == 0 {
		points = defaultSensitivityPoints
	}
	if points < 2 || lo < 0 || !(hi > lo) {
		return nil, errs.Invalid("budget grid needs 0 <= min < max and points >= 2")
	}
	out := make([]float64, points)
	step := (hi - lo) / float64(points-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[points-1] = hi
	return out, nil
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	var req ScenariosRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Scenarios) == 0 && len(req.FrontierBudgets) == 0 {
		s.fail(w, r, badRequest("scenarios or frontier_budgets is required"))
		return
	}
	e, err := s.snapshot(r, req.ModelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.newOptimizer(e.Snapshot, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := ScenariosResponse{ModelID: req.ModelID, Scenarios: []optimizer.ScenarioResult{}}
	if len(req.Scenarios) > 0 {
		if resp.Scenarios, err = o.CompareScenarios(req.Scenarios); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if len(req.FrontierBudgets) > 0 {
		resp.Frontier, err = o.EfficiencyFrontier(r.Context(), req.FrontierBudgets, optimizer.Options{Strategy: req.Strategy})
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
