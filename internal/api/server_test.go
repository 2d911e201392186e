package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractal-lba/mmm/internal/config"
	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/metrics"
	"github.com/fractal-lba/mmm/internal/optimizer"
	"github.com/fractal-lba/mmm/internal/registry"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) http.Handler {
	t.Helper()
	data, err := dataset.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, _ := registry.NewMemoryStore("")
	reg, err := registry.New(registry.Options{Size: 4}, store)
	if err != nil {
		t.Fatal(err)
	}
	promReg := prometheus.NewRegistry()
	s, err := NewServer(Options{
		Server:   cfg,
		Sampler:  mcmc.Config{Draws: 100, Tune: 100, Chains: 2, Cores: 2, Seed: 7},
		MaxRows:  1000,
		Datasets: data,
		Registry: reg,
		Metrics:  metrics.New(promReg),
		Gatherer: promReg,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d: %s", rr.Code, want, rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})
	rr := do(t, h, http.MethodGet, "/health", nil)
	expectStatus(t, rr, http.StatusOK)

	var resp HealthResponse
	decodeBody(t, rr, &resp)
	if resp.Status != "healthy" || resp.ModelsLoaded != 0 {
		t.Errorf("health = %+v", resp)
	}
}

const csvBody = "date,tv,revenue\n2024-01-07,100,1000\n2024-01-14,200,1500\n2024-01-21,0,900\n"

func TestUploadAndGetDataset(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})

	// Raw body.
	req := httptest.NewRequest(http.MethodPost, "/data/upload", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusOK)
	var up UploadResponse
	decodeBody(t, rr, &up)
	if up.Rows != 3 || len(up.Columns) != 3 {
		t.Errorf("upload = %+v", up)
	}

	// Multipart form.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "spend.csv")
	fw.Write([]byte(csvBody))
	mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/data/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &up)
	if up.Filename != "spend.csv" {
		t.Errorf("filename = %q", up.Filename)
	}

	rr = do(t, h, http.MethodGet, "/data/"+up.DatasetID+"?limit=2", nil)
	expectStatus(t, rr, http.StatusOK)
	var ds DatasetResponse
	decodeBody(t, rr, &ds)
	if ds.TotalRows != 3 || len(ds.Preview) != 2 || ds.Summary["tv"].Sum != 300 {
		t.Errorf("dataset = %+v", ds)
	}

	expectStatus(t, do(t, h, http.MethodGet, "/data/nothere", nil), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodGet, "/data/bad.id", nil), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodGet, "/data/"+up.DatasetID+"?limit=x", nil), http.StatusBadRequest)
}

func TestUploadRejectsBadCSV(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/data/upload", strings.NewReader("a,a\n1,2\n"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestGenerate(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})
	rr := do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 30, Scenario: "long_adstock"})
	expectStatus(t, rr, http.StatusOK)

	var resp GenerateResponse
	decodeBody(t, rr, &resp)
	if resp.Rows != 30 || len(resp.TrueROI) != 4 || resp.SpendColumns["TV"] != "TV_spend" {
		t.Errorf("generate = %+v", resp)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/data/generate", GenerateRequest{Scenario: "nope"}), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPost, "/data/generate", GenerateRequest{Channels: []string{"Print"}}), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 5000}), http.StatusBadRequest)
}

func TestFitErrors(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})
	rr := do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 20, Channels: []string{"TV"}})
	var gen GenerateResponse
	decodeBody(t, rr, &gen)

	tests := []struct {
		name string
		req  any
		want int
	}{
		{"unknown dataset", FitRequest{DatasetID: "missing", ChannelColumns: []string{"TV_spend"}, TargetColumn: "revenue"}, http.StatusNotFound},
		{"missing channel", FitRequest{DatasetID: gen.DatasetID, ChannelColumns: []string{"Radio_spend"}, TargetColumn: "revenue"}, http.StatusBadRequest},
		{"missing date column", FitRequest{DatasetID: gen.DatasetID, ChannelColumns: []string{"TV_spend"}, DateColumn: "when"}, http.StatusBadRequest},
		{"no channels", FitRequest{DatasetID: gen.DatasetID}, http.StatusBadRequest},
		{"unknown field", map[string]any{"dataset_id": gen.DatasetID, "bogus": 1}, http.StatusBadRequest},
		{"bad sampler", FitRequest{DatasetID: gen.DatasetID, ChannelColumns: []string{"TV_spend"}, Sampler: &mcmc.Config{TargetAccept: 2}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, h, http.MethodPost, "/model/fit", tt.req), tt.want)
		})
	}
}

func TestFitDeadline(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{FitTimeout: time.Nanosecond})
	rr := do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 20, Channels: []string{"TV"}})
	expectStatus(t, rr, http.StatusOK)
	var gen GenerateResponse
	decodeBody(t, rr, &gen)

	rr = do(t, h, http.MethodPost, "/model/fit", FitRequest{DatasetID: gen.DatasetID, ChannelColumns: []string{"TV_spend"}})
	expectStatus(t, rr, http.StatusGatewayTimeout)

	rr = do(t, h, http.MethodGet, "/models", nil)
	var list ModelsResponse
	decodeBody(t, rr, &list)
	if len(list.Models) != 0 {
		t.Errorf("timed-out fit was registered: %+v", list.Models)
	}
}

func TestFitTimeout(t *testing.T) {
	tests := []struct {
		cfg  config.ServerConfig
		want time.Duration
	}{
		{config.ServerConfig{}, 0},
		{config.ServerConfig{FitTimeout: time.Minute, WriteTimeout: 10 * time.Minute}, time.Minute},
		{config.ServerConfig{WriteTimeout: 10 * time.Minute}, 10*time.Minute - fitTimeoutMargin},
		{config.ServerConfig{WriteTimeout: 20 * time.Second}, 15 * time.Second},
	}
	for _, tt := range tests {
		s := &Server{cfg: tt.cfg}
		if got := s.fitTimeout(); got != tt.want {
			t.Errorf("fitTimeout(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

func TestUnknownModel(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{})
	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/model/abc"},
		{http.MethodDelete, "/model/abc"},
		{http.MethodGet, "/model/abc/diagnostics"},
	} {
		expectStatus(t, do(t, h, c.method, c.path, nil), http.StatusNotFound)
	}
	expectStatus(t, do(t, h, http.MethodPost, "/model/abc/predict", PredictRequest{DatasetID: "x"}), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodPost, "/optimize", OptimizeRequest{ModelID: "abc", TotalBudget: 10}), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodPost, "/optimize", OptimizeRequest{TotalBudget: 10}), http.StatusBadRequest)

	rr := do(t, h, http.MethodGet, "/models", nil)
	expectStatus(t, rr, http.StatusOK)
	var list ModelsResponse
	decodeBody(t, rr, &list)
	if list.Models == nil || len(list.Models) != 0 {
		t.Errorf("models = %+v", list)
	}
}

func TestModelLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("fits a model")
	}
	h := newTestServer(t, config.ServerConfig{})
	rr := do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 60, Channels: []string{"TV", "Digital"}, Seed: 4})
	expectStatus(t, rr, http.StatusOK)
	var gen GenerateResponse
	decodeBody(t, rr, &gen)

	no := false
	rr = do(t, h, http.MethodPost, "/model/fit", FitRequest{
		DatasetID:      gen.DatasetID,
		ChannelColumns: []string{"TV_spend", "Digital_spend"},
		TargetColumn:   "revenue",
		DateColumn:     "date",
		ControlColumns: []string{"price", "promotion"},
		UseSeasonality: &no,
	})
	expectStatus(t, rr, http.StatusOK)
	var fit FitResponse
	decodeBody(t, rr, &fit)
	if fit.Status != "fitted" || len(fit.FittedParams.Channels) != 2 || fit.Diagnostics.NSamples != 200 {
		t.Fatalf("fit = %+v", fit)
	}
	base := "/model/" + fit.ModelID

	rr = do(t, h, http.MethodGet, base, nil)
	expectStatus(t, rr, http.StatusOK)
	var model ModelResponse
	decodeBody(t, rr, &model)
	if !model.Resident || model.Config.UseSeasonality || model.DatasetID != gen.DatasetID {
		t.Errorf("model = %+v", model)
	}

	rr = do(t, h, http.MethodPost, base+"/predict", PredictRequest{DatasetID: gen.DatasetID, ReturnComponents: true})
	expectStatus(t, rr, http.StatusOK)
	var pred PredictResponse
	decodeBody(t, rr, &pred)
	if len(pred.Predictions) != 60 || len(pred.Components) == 0 {
		t.Errorf("predict returned %d rows, %d components", len(pred.Predictions), len(pred.Components))
	}
	for i := range pred.Predictions {
		if pred.LowerBound[i] > pred.Predictions[i] || pred.UpperBound[i] < pred.Predictions[i] {
			t.Fatalf("row %d: mean outside interval", i)
		}
	}

	rr = do(t, h, http.MethodPost, base+"/roi", ROIRequest{DatasetID: gen.DatasetID})
	expectStatus(t, rr, http.StatusOK)
	var roi ROIResponse
	decodeBody(t, rr, &roi)
	if len(roi.ROIByChannel) != 2 {
		t.Errorf("roi = %+v", roi)
	}
	expectStatus(t, do(t, h, http.MethodPost, base+"/roi", ROIRequest{DatasetID: gen.DatasetID, SpendOverrides: map[string]float64{"Print_spend": 1}}), http.StatusBadRequest)

	rr = do(t, h, http.MethodGet, base+"/diagnostics", nil)
	expectStatus(t, rr, http.StatusOK)
	var diag DiagnosticsResponse
	decodeBody(t, rr, &diag)
	if len(diag.Summary) == 0 {
		t.Error("diagnostics should include the posterior summary")
	}

	rr = do(t, h, http.MethodPost, "/optimize", OptimizeRequest{
		ModelID:           fit.ModelID,
		TotalBudget:       20000,
		MaxBudgets:        map[string]float64{"TV_spend": 15000},
		CurrentAllocation: map[string]float64{"TV_spend": 10000, "Digital_spend": 10000},
	})
	expectStatus(t, rr, http.StatusOK)
	var opt OptimizeResponse
	decodeBody(t, rr, &opt)
	total := 0.0
	for _, v := range opt.OptimalAllocation {
		total += v
	}
	if total < 19999 || total > 20001 || opt.OptimalAllocation["TV_spend"] > 15000+1e-6 {
		t.Errorf("allocation = %v", opt.OptimalAllocation)
	}
	if opt.Recommendations == nil || len(opt.Recommendations.Changes) != 2 {
		t.Errorf("recommendations = %+v", opt.Recommendations)
	}
	expectStatus(t, do(t, h, http.MethodPost, "/optimize", OptimizeRequest{
		ModelID: fit.ModelID, TotalBudget: 100, MinBudgets: map[string]float64{"TV_spend": 200},
	}), http.StatusBadRequest)

	rr = do(t, h, http.MethodPost, "/optimize/sensitivity", SensitivityRequest{ModelID: fit.ModelID, Channel: "TV_spend", Max: 10000, Points: 5})
	expectStatus(t, rr, http.StatusOK)
	var sens struct {
		Budget []float64 `json:"budget"`
	}
	decodeBody(t, rr, &sens)
	if len(sens.Budget) != 5 || sens.Budget[4] != 10000 {
		t.Errorf("sensitivity grid = %v", sens.Budget)
	}

	rr = do(t, h, http.MethodPost, "/optimize/scenarios", ScenariosRequest{
		ModelID:         fit.ModelID,
		Scenarios:       []optimizer.Scenario{{Name: "tv heavy", Allocation: map[string]float64{"TV_spend": 15000, "Digital_spend": 5000}}},
		FrontierBudgets: []float64{10000, 20000},
	})
	expectStatus(t, rr, http.StatusOK)
	var sc ScenariosResponse
	decodeBody(t, rr, &sc)
	if len(sc.Scenarios) != 1 || sc.Scenarios[0].TotalBudget != 20000 || len(sc.Frontier) != 2 {
		t.Errorf("scenarios = %+v", sc)
	}

	rr = do(t, h, http.MethodPost, base+"/validate?dataset_id="+gen.DatasetID, ValidateRequest{Budget: 20000, Trials: 20})
	expectStatus(t, rr, http.StatusOK)
	var val ValidateResponse
	decodeBody(t, rr, &val)
	if val.ValidationResults == nil || val.ValidationResults.ROI == nil || val.ValidationResults.Optimization == nil {
		t.Errorf("validation = %+v", val.ValidationResults)
	}

	rr = do(t, h, http.MethodGet, "/models", nil)
	var list ModelsResponse
	decodeBody(t, rr, &list)
	if len(list.Models) != 1 || list.Models[0].ModelID != fit.ModelID {
		t.Errorf("models = %+v", list.Models)
	}

	expectStatus(t, do(t, h, http.MethodDelete, base, nil), http.StatusOK)
	expectStatus(t, do(t, h, http.MethodGet, base, nil), http.StatusNotFound)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{RateLimit: 1})
	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(t, h, http.MethodGet, "/models", nil).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want burst of 2 then 429", codes)
	}
	// Health is not rate limited.
	expectStatus(t, do(t, h, http.MethodGet, "/health", nil), http.StatusOK)
}

func TestMetricsAuth(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{MetricsUser: "prom", MetricsPass: "secret"})
	expectStatus(t, do(t, h, http.MethodGet, "/metrics", nil), http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusOK)
	do(t, h, http.MethodGet, "/health", nil)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), "mmm_http_requests_total") {
		t.Error("request counter missing from /metrics")
	}
}

func TestBodyLimit(t *testing.T) {
	h := newTestServer(t, config.ServerConfig{MaxBodySize: 16})
	rr := do(t, h, http.MethodPost, "/data/generate", GenerateRequest{NWeeks: 30, Channels: []string{"TV", "Radio"}})
	expectStatus(t, rr, http.StatusRequestEntityTooLarge)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.ErrNotFitted, http.StatusConflict},
		{registry.ErrNotResident, http.StatusConflict},
		{errs.Invalid("x"), http.StatusBadRequest},
		{errs.Missing("tv"), http.StatusBadRequest},
		{badRequest("x"), http.StatusBadRequest},
		{fmt.Errorf("load: %w", dataset.ErrNotFound), http.StatusNotFound},
		{registry.ErrNotFound, http.StatusNotFound},
		{&errs.FitError{Stage: "sampling", Err: errs.Invalid("bad init")}, http.StatusUnprocessableEntity},
		{&errs.FitError{Stage: "sampling", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGrid(t *testing.T) {
	g, err := grid(0, 100, 0)
	if err != nil || len(g) != defaultSensitivityPoints || g[len(g)-1] != 100 {
		t.Errorf("grid = %v, %v", g, err)
	}
	if _, err := grid(10, 10, 5); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("empty range: err = %v", err)
	}
}
