package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/modelops/canary/internal/analyzer"
	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/monitor"
	"github.com/modelops/canary/internal/recorder"
	"github.com/modelops/canary/internal/registry"
	"github.com/modelops/canary/internal/report"
	"github.com/modelops/canary/internal/router"
	"github.com/modelops/canary/internal/store"
	"github.com/modelops/canary/internal/traffic"
	"github.com/modelops/canary/pkg/otel"
)

type Server struct {
	registry    *registry.Registry
	router      *router.Router
	recorder    *recorder.Recorder
	analyzer    *analyzer.Analyzer
	reports     *report.Generator
	monitor     *monitor.Monitor
	limiter     *rate.Limiter
	gatherer    prometheus.Gatherer
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Setup store backend
	backend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/canary.json")
		st = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		st, err = store.NewRedisStore(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		st, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Setup metrics
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// Traffic controller against the mesh admin API
	meshURL := getEnv("MESH_ADMIN_URL", "http://localhost:15000")
	controller := traffic.NewGatewayController(meshURL)

	// Wire core components; the registry invalidates the router's cache
	// on every mutation.
	rt := router.New(router.Config{Store: st, Metrics: m})
	reports := report.NewGenerator(st)
	reg := registry.New(registry.Config{
		Store:       st,
		Traffic:     controller,
		Reports:     reports,
		Metrics:     m,
		ServiceHost: getEnv("SERVICE_HOST", "model-service"),
		MatchHeader: getEnv("MATCH_HEADER", "x-ab-test"),
		OnMutate:    rt.Invalidate,
	})
	rec := recorder.New(st, m)
	an := analyzer.New(st, m)

	// Background monitor
	interval := time.Duration(getEnvInt("MONITOR_INTERVAL_SEC", 60)) * time.Second
	mon := monitor.New(reg, an, m, interval)

	// Optional tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("canary-rollout")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tracerProvider, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = tracerProvider
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		registry: reg,
		router:   rt,
		recorder: rec,
		analyzer: an,
		reports:  reports,
		monitor:  mon,
		limiter:  limiter,
		gatherer: promReg,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/experiments", srv.handleCreate)
	mux.HandleFunc("GET /v1/experiments/{id}", srv.handleGet)
	mux.HandleFunc("POST /v1/experiments/{id}/start", srv.handleStart)
	mux.HandleFunc("POST /v1/experiments/{id}/stop", srv.handleStop)
	mux.HandleFunc("GET /v1/experiments/{id}/analysis", srv.handleAnalysis)
	mux.HandleFunc("GET /v1/experiments/{id}/report", srv.handleReport)
	mux.HandleFunc("POST /v1/route", srv.handleRoute)
	mux.HandleFunc("POST /v1/outcomes", srv.handleOutcome)
	mux.HandleFunc("POST /v1/monitor/tick", srv.handleTick)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mon.Start(ctx)

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s, monitor interval=%s)", port, backend, interval)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	mon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var params api.ExperimentParams
	if err := json.Unmarshal(body, &params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := s.registry.Create(r.Context(), params)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	exp, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Start(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(api.StatusRunning)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	reason := "manual stop"
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		reason = req.Reason
	}

	if err := s.registry.Stop(r.Context(), id, reason); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(api.StatusStopped)})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := s.analyzer.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// handleRoute is the serving hot path. It always answers 200 with a model
// choice; any lookup problem degrades to the caller's default model.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req struct {
		ExperimentID string `json:"experiment_id"`
		RequestID    string `json:"request_id"`
		DefaultModel string `json:"default_model"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ExperimentID == "" {
		http.Error(w, "experiment_id is required", http.StatusBadRequest)
		return
	}

	decision := s.router.Route(r.Context(), req.ExperimentID, router.RequestContext{
		RequestID:    req.RequestID,
		DefaultModel: req.DefaultModel,
	})
	respondJSON(w, http.StatusOK, decision)
}

// handleOutcome accepts telemetry. Ingestion is fail-open: the response is
// 202 even when the record is dropped, so reporting callers never block on
// store health.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req struct {
		ExperimentID string  `json:"experiment_id"`
		ModelID      string  `json:"model_id"`
		LatencyMs    float64 `json:"latency_ms"`
		Success      bool    `json:"success"`
		RequestHash  string  `json:"request_hash"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ExperimentID == "" || req.ModelID == "" {
		http.Error(w, "experiment_id and model_id are required", http.StatusBadRequest)
		return
	}

	s.recorder.Record(r.Context(), req.ExperimentID, recorder.Outcome{
		ModelID:     req.ModelID,
		LatencyMs:   req.LatencyMs,
		Success:     req.Success,
		RequestHash: req.RequestHash,
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleTick runs one monitor evaluation pass on demand, outside the
// background schedule.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	summary := s.monitor.Tick(r.Context())
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case api.IsConfigError(err):
		status = http.StatusBadRequest
	case api.IsNotFound(err):
		status = http.StatusNotFound
	case api.IsStateError(err):
		status = http.StatusConflict
	case api.IsControlPlaneError(err):
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
