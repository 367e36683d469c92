// Package server exposes the pipeline over HTTP JSON.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"finsight/internal/config"
	"finsight/internal/learning"
	"finsight/internal/logging"
	"finsight/internal/metrics"
	"finsight/internal/pipeline"
	"finsight/internal/promptgen"
	"finsight/internal/pseudonym"
	"finsight/internal/quality"
	"finsight/internal/validator"
)

// Probe checks one dependency's reachability.
type Probe func(ctx context.Context) error

// Deps carries everything the handlers need.
type Deps struct {
	Orchestrator  *pipeline.Orchestrator
	Pseudonymizer *pseudonym.Pseudonymizer
	Generator     *promptgen.Generator
	Validator     *validator.Validator
	FastValidator *validator.Validator
	Quality       *quality.Engine
	Substrate     *learning.Substrate
	Metrics       *metrics.Metrics

	// Probes are named dependency health checks run by /health.
	Probes map[string]Probe

	// Backend labels surfaced on /status.
	TokenBackend  string
	VectorBackend string
}

// Server is the HTTP front end.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	httpSrv *http.Server
	started time.Time
	log     *zap.Logger
}

// New builds the server and its router.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now().UTC(),
		log:     logging.Named("server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Post("/analyze", s.handleAnalyze)
	r.Post("/pseudonymize", s.handlePseudonymize)
	r.Post("/repersonalize", s.handleRepersonalize)
	r.Post("/generate", s.handleGenerate)
	r.Post("/learn", s.handleLearn)
	r.Post("/validate/response", s.handleValidate)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", deps.Metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
