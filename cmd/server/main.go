package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/siteloop/optimizer/internal/allocator"
	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/cache"
	"github.com/siteloop/optimizer/internal/lifecycle"
	"github.com/siteloop/optimizer/internal/metrics"
	"github.com/siteloop/optimizer/internal/randvar"
	"github.com/siteloop/optimizer/internal/scheduler"
	"github.com/siteloop/optimizer/internal/sticky"
	"github.com/siteloop/optimizer/internal/store"
	"github.com/siteloop/optimizer/pkg/otel"
)

type Server struct {
	store       store.Store
	allocator   *allocator.Allocator
	controller  *lifecycle.Controller
	scheduler   *scheduler.Scheduler
	confidence  *cache.ConfidenceCache
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	params := api.DefaultEngineParams()

	// Setup persistence
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch storeBackend {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		st, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup sticky assignment store
	stickyBackend := getEnv("STICKY_BACKEND", "memory")
	var sk sticky.Store

	switch stickyBackend {
	case "memory":
		sk = sticky.NewMemoryStore()
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		sk, err = sticky.NewRedisStore(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis sticky store: %v", err)
		}
	default:
		log.Fatalf("Unknown STICKY_BACKEND: %s", stickyBackend)
	}

	// Setup publisher collaborator
	var pub lifecycle.Publisher
	if publishURL := getEnv("PUBLISHER_URL", ""); publishURL != "" {
		pub = lifecycle.NewWebhookPublisher(publishURL)
	} else {
		pub = lifecycle.NewMemoryPublisher()
	}

	// Setup hypothesis generator collaborator
	var gen lifecycle.HypothesisGenerator
	if genURL := getEnv("GENERATOR_URL", ""); genURL != "" {
		gen = lifecycle.NewWebhookGenerator(genURL)
	} else {
		gen = lifecycle.NoopGenerator{}
	}

	// Shared random source for posterior sampling
	src := randvar.NewLockedSource(rand.New(rand.NewSource(time.Now().UnixNano())))

	m := metrics.New()

	conf, err := cache.NewConfidenceCache(getEnvInt("CONFIDENCE_CACHE_SIZE", 1024), 10*time.Minute)
	if err != nil {
		log.Fatalf("Failed to create confidence cache: %v", err)
	}

	ctrl := lifecycle.New(st, src, params, pub, gen, m)
	alloc := allocator.New(st, sk, src, params, m)
	sched := scheduler.New(st, ctrl, conf, src, params, m)

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 200)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		store:      st,
		allocator:  alloc,
		controller: ctrl,
		scheduler:  sched,
		confidence: conf,
		metrics:    m,
		limiter:    limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if endpoint := getEnv("OTEL_COLLECTOR_ENDPOINT", ""); endpoint != "" {
		cfg := otel.DefaultConfig("optimizer")
		cfg.CollectorEndpoint = endpoint
		provider, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = provider
	}

	// Background cycle loop
	cycleCtx, cancelCycles := context.WithCancel(context.Background())
	if interval := getEnvInt("CYCLE_INTERVAL_SECONDS", 300); interval > 0 {
		go sched.Run(cycleCtx, time.Duration(interval)*time.Second)
	}

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/allocate", srv.handleAllocate)
	mux.HandleFunc("/v1/convert", srv.handleConvert)
	mux.HandleFunc("/v1/status", srv.handleStatus)
	mux.HandleFunc("/v1/cycle", srv.handleCycle)
	mux.HandleFunc("/v1/toggle", srv.handleToggle)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting optimizer server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	cancelCycles()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
	if err := sk.Close(); err != nil {
		log.Printf("Error closing sticky store: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

type allocateRequest struct {
	SiteID    string `json:"site_id"`
	SessionID string `json:"session_id"`
}

type allocateResponse struct {
	Active    bool   `json:"active"`
	VariantID string `json:"variant_id,omitempty"`
	IsControl bool   `json:"is_control,omitempty"`
	SetSticky bool   `json:"set_sticky,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" || req.SessionID == "" {
		http.Error(w, "site_id and session_id are required", http.StatusBadRequest)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "optimizer", "allocate",
		otel.SiteAttributes(req.SiteID, req.SessionID)...)
	defer span.End()

	decision, err := s.allocator.Allocate(ctx, req.SiteID, req.SessionID)
	if errors.Is(err, api.ErrNoActiveExperiment) {
		// No experiment: the caller serves the control content.
		respondJSON(w, http.StatusOK, allocateResponse{Active: false})
		return
	}
	if err != nil {
		otel.RecordError(span, err, "allocation failed")
		log.Printf("Allocation failed for site %s: %v", req.SiteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(otel.AllocationAttributes(decision.VariantID, decision.IsControl, !decision.SetSticky)...)
	respondJSON(w, http.StatusOK, allocateResponse{
		Active:    true,
		VariantID: decision.VariantID,
		IsControl: decision.IsControl,
		SetSticky: decision.SetSticky,
	})
}

type convertRequest struct {
	SiteID    string  `json:"site_id"`
	VariantID string  `json:"variant_id"`
	Amount    float64 `json:"amount"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req convertRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" || req.VariantID == "" {
		http.Error(w, "site_id and variant_id are required", http.StatusBadRequest)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "optimizer", "convert",
		otel.SiteAttributes(req.SiteID, "")...)
	defer span.End()

	outcome, err := s.controller.RecordConversion(ctx, req.SiteID, req.VariantID, req.Amount)
	if errors.Is(err, api.ErrExperimentNotFound) {
		http.Error(w, "Unknown variant", http.StatusNotFound)
		return
	}
	if errors.Is(err, api.ErrConversionWithoutVisitor) {
		http.Error(w, "Conversion exceeds counted visitors", http.StatusConflict)
		return
	}
	if err != nil {
		otel.RecordError(span, err, "conversion failed")
		log.Printf("Conversion failed for site %s: %v", req.SiteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if outcome.Graduated || outcome.Reverted {
		s.confidence.Invalidate(req.SiteID)
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	status := api.SiteStatus{SiteID: siteID}

	state, err := s.store.OptimizerState(ctx, siteID)
	if err != nil {
		log.Printf("Status lookup failed for site %s: %v", siteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	status.Enabled = state.Enabled
	status.BacklogSize = len(state.Backlog)
	status.Learnings = learningsTail(state.Learnings, 10)

	exp, err := s.store.RunningExperiment(ctx, siteID)
	if err != nil {
		log.Printf("Status lookup failed for site %s: %v", siteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if exp != nil {
		status.Running = exp
		variants, err := s.store.Variants(ctx, exp.ID)
		if err != nil {
			log.Printf("Status lookup failed for site %s: %v", siteID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		status.Variants = variants

		if snap, ok := s.confidence.Get(siteID); ok && snap.ExperimentID == exp.ID {
			status.Confidence = &snap
		}
	}

	respondJSON(w, http.StatusOK, status)
}

type cycleRequest struct {
	SiteID string `json:"site_id"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cycleRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "optimizer", "cycle",
		otel.SiteAttributes(req.SiteID, "")...)
	defer span.End()

	err := s.scheduler.RunCycle(ctx, req.SiteID)
	if errors.Is(err, api.ErrConcurrentCycle) {
		http.Error(w, "Cycle already in flight", http.StatusConflict)
		return
	}
	if err != nil {
		otel.RecordError(span, err, "cycle failed")
		log.Printf("Cycle failed for site %s: %v", req.SiteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type toggleRequest struct {
	SiteID  string `json:"site_id"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetEnabled(r.Context(), req.SiteID, req.Enabled); err != nil {
		log.Printf("Toggle failed for site %s: %v", req.SiteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	log.Printf("Optimizer %s for site %s", enabledWord(req.Enabled), req.SiteID)
	respondJSON(w, http.StatusOK, map[string]any{"site_id": req.SiteID, "enabled": req.Enabled})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

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

func decodeJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func learningsTail(learnings []api.Learning, n int) []api.Learning {
	if len(learnings) <= n {
		return learnings
	}
	return learnings[len(learnings)-n:]
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
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
