// Package api serves the model over HTTP: dataset upload and generation,
// fitting, prediction, ROI, validation and budget optimization.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/mmm/internal/cache"
	"github.com/fractal-lba/mmm/internal/config"
	"github.com/fractal-lba/mmm/internal/dataset"
	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mcmc"
	"github.com/fractal-lba/mmm/internal/metrics"
	"github.com/fractal-lba/mmm/internal/registry"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

const (
	defaultPreviewRows = 100
	defaultFrameCache  = 32
	frameCacheTTL      = 10 * time.Minute
)

// errBadRequest marks malformed requests that are not parameter errors.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Options wires a Server.
type Options struct {
	Server   config.ServerConfig
	Sampler  mcmc.Config
	MaxRows  int
	Datasets *dataset.Store
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server holds the handlers' dependencies.
type Server struct {
	cfg      config.ServerConfig
	sampler  mcmc.Config
	maxRows  int
	datasets *dataset.Store
	frames   *cache.LRU[string, *dataset.Frame]
	models   *registry.Registry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
}

// NewServer validates opts and builds a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Datasets == nil || opts.Registry == nil || opts.Metrics == nil {
		return nil, errors.New("api: datasets, registry and metrics are required")
	}
	frames, err := cache.New[string, *dataset.Frame](defaultFrameCache, frameCacheTTL, nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      opts.Server,
		sampler:  opts.Sampler,
		maxRows:  opts.MaxRows,
		datasets: opts.Datasets,
		frames:   frames,
		models:   opts.Registry,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if opts.Server.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Server.RateLimit), opts.Server.RateLimit*2)
	}
	return s, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.limitBody)

		r.Route("/data", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/generate", s.handleGenerate)
			r.Get("/{datasetID}", s.handleGetDataset)
		})

		r.Get("/models", s.handleListModels)
		r.Route("/model", func(r chi.Router) {
			r.Post("/fit", s.handleFit)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Get("/", s.handleGetModel)
				r.Delete("/", s.handleDeleteModel)
				r.Get("/diagnostics", s.handleDiagnostics)
				r.Post("/predict", s.handlePredict)
				r.Post("/roi", s.handleROI)
				r.Post("/validate", s.handleValidate)
			})
		})

		r.Route("/optimize", func(r chi.Router) {
			r.Post("/", s.handleOptimize)
			r.Post("/sensitivity", s.handleSensitivity)
			r.Post("/scenarios", s.handleScenarios)
		})
	})
	return r
}

// instrument logs each request and counts it by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Requests.WithLabelValues(route, fmt.Sprint(status)).Inc()

		log := logging.Component("api")
		ev := log.Debug()
		if status >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "10")
			respondJSON(w, http.StatusTooManyRequests, ErrorResponse{Detail: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodySize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	if s.cfg.MetricsUser == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.MetricsUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.MetricsPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrFitFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNotFitted):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidParameter), errors.Is(err, errs.ErrMissingColumn), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log := logging.Component("api")
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondJSON(w, status, ErrorResponse{Detail: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// decode reads a JSON body into v. An empty body leaves v unchanged when
// allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// frame loads a dataset, caching parsed frames.
func (s *Server) frame(id string) (*dataset.Frame, error) {
	if id == "" {
		return nil, badRequest("dataset_id is required")
	}
	if f, ok := s.frames.Get(id); ok {
		return f, nil
	}
	f, err := s.datasets.Load(id)
	if err != nil {
		return nil, err
	}
	s.frames.Set(id, f)
	return f, nil
}
