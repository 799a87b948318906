// Package main is the entry point for the oracle feed engine, an HTTP service
// hosting per-feed price consensus with provider reputation tracking and
// emergency circuit breaking.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/oracle-feed-engine/internal/access"
	"github.com/yourorg/oracle-feed-engine/internal/auth"
	"github.com/yourorg/oracle-feed-engine/internal/config"
	"github.com/yourorg/oracle-feed-engine/internal/consensus"
	"github.com/yourorg/oracle-feed-engine/internal/engine"
	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
	"github.com/yourorg/oracle-feed-engine/internal/notify"
	"github.com/yourorg/oracle-feed-engine/internal/otel"
	"github.com/yourorg/oracle-feed-engine/internal/registry"
	"github.com/yourorg/oracle-feed-engine/internal/roster"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// callerHeader carries the caller identity for authorization decisions.
const callerHeader = "X-Caller-ID"

// Server hosts the feed engines behind the HTTP API
type Server struct {
	// Service configuration loaded from the environment
	cfg config.Config

	// Feed engines keyed by feed identifier
	manager *engine.Manager

	// Optional external feed registry for lifecycle sync
	statusSource registry.StatusSource

	// HTTP server instance
	server *http.Server

	// Prometheus metrics
	metrics *serverMetrics

	// Request rate limiter
	limiter *rate.Limiter
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	commitCounter   *prometheus.CounterVec
	rejectCounter   *prometheus.CounterVec
	emergencyState  *prometheus.GaugeVec
	latestPrice     *prometheus.GaugeVec
	pendingRecords  *prometheus.GaugeVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		commitCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_commits_total",
				Help: "Total number of committed observations",
			},
			[]string{"feed"},
		),
		rejectCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_rejections_total",
				Help: "Total number of rejected submissions",
			},
			[]string{"feed", "reason"},
		),
		emergencyState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_emergency_mode",
				Help: "Emergency mode state per feed (0=normal, 1=halted)",
			},
			[]string{"feed"},
		),
		latestPrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_latest_price",
				Help: "Latest committed price per feed",
			},
			[]string{"feed"},
		),
		pendingRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_pending_consensus",
				Help: "Open pending consensus records per feed",
			},
			[]string{"feed"},
		),
	}

	prometheus.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.commitCounter,
		m.rejectCounter,
		m.emergencyState,
		m.latestPrice,
		m.pendingRecords,
	)

	return m
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	server, err := NewServer(cfg)
	if err != nil {
		logrus.Fatalf("Server initialization failed: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer creates the server, its feed manager, and supporting services
func NewServer(cfg config.Config) (*Server, error) {
	authorizer := auth.NewStatic(cfg.AdminIDs, cfg.OperatorIDs)

	defaults := engine.Config{
		QuorumThreshold:      cfg.QuorumThreshold,
		DeviationCeilingBps:  cfg.DeviationCeilingBps,
		StalenessCeiling:     cfg.StalenessCeiling,
		FailureCeiling:       cfg.FailureCeiling,
		HistoryCapacity:      cfg.HistoryCapacity,
		SubscriptionPrice:    cfg.SubscriptionPrice,
		SubscriptionDuration: cfg.SubscriptionDuration,
		PublicReads:          cfg.PublicReads,
	}

	manager, err := engine.NewManager(defaults, authorizer)
	if err != nil {
		return nil, err
	}

	// Notification delivery is optional; without a webhook URL events are
	// dropped silently.
	var publisher notify.Publisher = notify.Noop{}
	if cfg.WebhookURL != "" {
		publisher = notify.NewWebhook(notify.WebhookConfig{
			URL:           cfg.WebhookURL,
			APIKey:        cfg.WebhookAPIKey,
			BatchSize:     cfg.WebhookBatch,
			FlushInterval: cfg.WebhookInterval,
		})
		logrus.Info("Webhook notification publisher initialized")
	}
	manager.WithPublisher(publisher)

	if cfg.DefaultFeedID != "" {
		if _, err := manager.GetOrCreate(cfg.DefaultFeedID); err != nil {
			return nil, err
		}
	}

	server := &Server{
		cfg:     cfg,
		manager: manager,
		metrics: registerMetrics(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}

	if cfg.RegistryURL != "" {
		server.statusSource = registry.NewClient(cfg.RegistryURL, cfg.RegistryAPIKey)
		logrus.Infof("Feed registry client initialized: %s", cfg.RegistryURL)
	}

	logrus.WithFields(logrus.Fields{
		"port":             cfg.Port,
		"default_feed":     cfg.DefaultFeedID,
		"quorum_threshold": cfg.QuorumThreshold,
		"deviation_bps":    cfg.DeviationCeilingBps,
		"public_reads":     cfg.PublicReads,
	}).Info("Server initialized")

	return server, nil
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /v1/feeds/{feed}/submit", s.instrument("submit", s.handleSubmit))
	mux.HandleFunc("POST /v1/feeds/{feed}/confirm", s.instrument("confirm", s.handleConfirm))
	mux.HandleFunc("GET /v1/feeds/{feed}/price", s.instrument("price", s.handlePrice))
	mux.HandleFunc("GET /v1/feeds/{feed}/history", s.instrument("history", s.handleHistory))
	mux.HandleFunc("GET /v1/feeds/{feed}/twap", s.instrument("twap", s.handleTWAP))
	mux.HandleFunc("GET /v1/feeds/{feed}/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("GET /v1/feeds/{feed}/pending/{nonce}", s.instrument("pending", s.handlePending))
	mux.HandleFunc("GET /v1/feeds/{feed}/staleness", s.instrument("staleness", s.handleStaleness))
	mux.HandleFunc("GET /v1/feeds/{feed}/providers", s.instrument("providers", s.handleListProviders))
	mux.HandleFunc("POST /v1/feeds/{feed}/providers", s.instrument("register", s.handleRegisterProvider))
	mux.HandleFunc("DELETE /v1/feeds/{feed}/providers/{provider}", s.instrument("deregister", s.handleDeregisterProvider))
	mux.HandleFunc("POST /v1/feeds/{feed}/emergency", s.instrument("emergency", s.handleEmergency))
	mux.HandleFunc("POST /v1/feeds/{feed}/config", s.instrument("config", s.handleUpdateConfig))
	mux.HandleFunc("POST /v1/feeds/{feed}/subscribe", s.instrument("subscribe", s.handleSubscribe))
	mux.HandleFunc("POST /v1/feeds/{feed}/sync", s.instrument("sync", s.handleRegistrySync))

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}

	logrus.Info("Server stopped")
}

// instrument wraps a handler with rate limiting, request IDs, and metrics
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if !s.limiter.Allow() {
			s.metrics.requestCounter.WithLabelValues(route, "throttled").Inc()
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		status := "success"
		if rec.status >= 400 {
			status = "error"
		}
		s.metrics.requestCounter.WithLabelValues(route, status).Inc()

		logrus.WithFields(logrus.Fields{
			"route":      route,
			"request_id": requestID,
			"status":     rec.status,
			"latency_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	}
}

// statusRecorder captures the response status for instrumentation
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// feedEngine resolves the engine for the request's feed path segment
func (s *Server) feedEngine(r *http.Request) (*engine.Engine, error) {
	feedID := r.PathValue("feed")
	if feedID == "" {
		return nil, fmt.Errorf("missing feed identifier")
	}
	return s.manager.GetOrCreate(feedID)
}

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

// ---- health and status ----

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	feeds := make(map[string]interface{})
	for _, feedID := range s.manager.FeedIDs() {
		e, ok := s.manager.Get(feedID)
		if !ok {
			continue
		}
		feeds[feedID] = map[string]interface{}{
			"emergency_mode":       e.EmergencyActive(),
			"consecutive_failures": e.ConsecutiveFailures(),
			"pending_records":      e.PendingCount(),
			"staleness":            e.CheckStaleness(),
		}
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": "1.0.0",
		"feeds":   feeds,
	})
}

// ---- write path ----

type submitRequest struct {
	ProviderID  string `json:"provider_id"`
	Value       uint64 `json:"value"`
	Confidence  uint32 `json:"confidence"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	digest, err := fingerprint.FromHex(req.Fingerprint)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid fingerprint: "+err.Error())
		return
	}

	result, err := e.SubmitUpdate(req.ProviderID, req.Value, req.Confidence, digest)
	if err != nil {
		s.rejectCounterFor(e.FeedID(), err)
		s.writeEngineError(w, err)
		return
	}

	if result.Status == engine.StatusCommitted {
		s.metrics.commitCounter.WithLabelValues(e.FeedID()).Inc()
		s.metrics.latestPrice.WithLabelValues(e.FeedID()).Set(float64(result.Observation.Value))
	}
	s.metrics.pendingRecords.WithLabelValues(e.FeedID()).Set(float64(e.PendingCount()))
	s.jsonResponse(w, http.StatusOK, result)
}

type confirmRequest struct {
	ProviderID  string `json:"provider_id"`
	Nonce       uint64 `json:"nonce"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	extra, err := fingerprint.FromHex(req.Fingerprint)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid fingerprint: "+err.Error())
		return
	}

	result, err := e.ConfirmPending(req.ProviderID, req.Nonce, extra)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if result.Status == engine.StatusCommitted {
		s.metrics.commitCounter.WithLabelValues(e.FeedID()).Inc()
		s.metrics.latestPrice.WithLabelValues(e.FeedID()).Set(float64(result.Observation.Value))
	}
	s.metrics.pendingRecords.WithLabelValues(e.FeedID()).Set(float64(e.PendingCount()))
	s.jsonResponse(w, http.StatusOK, result)
}

// ---- read path ----

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := e.GetLatestPrice(caller(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, obs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	count := 20
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.errorResponse(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = parsed
	}

	hist, err := e.GetPriceHistory(caller(r), count)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"observations": hist,
		"count":        len(hist),
	})
}

func (s *Server) handleTWAP(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}

	twap, err := e.GetTWAP(caller(r), window)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"twap":   twap,
		"window": window.String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := e.GetStatistics(caller(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid nonce")
		return
	}

	summary, err := e.GetPendingConsensus(caller(r), nonce)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

func (s *Server) handleStaleness(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, e.CheckStaleness())
}

// ---- provider management ----

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	providers := e.ListActiveProviders()
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

type registerProviderRequest struct {
	ProviderID string `json:"provider_id"`
	Endpoint   string `json:"endpoint"`
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := e.RegisterProvider(caller(r), req.ProviderID, req.Endpoint); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"provider_id": req.ProviderID})
}

func (s *Server) handleDeregisterProvider(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	providerID := r.PathValue("provider")
	reason := r.URL.Query().Get("reason")
	if err := e.DeregisterProvider(caller(r), providerID, reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"provider_id": providerID, "status": "deregistered"})
}

// ---- admin operations ----

type emergencyRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Value  uint64 `json:"value,omitempty"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "activate":
		if err := e.ActivateEmergencyMode(caller(r), req.Reason); err != nil {
			s.writeEngineError(w, err)
			return
		}
	case "deactivate":
		if err := e.DeactivateEmergencyMode(caller(r)); err != nil {
			s.writeEngineError(w, err)
			return
		}
	case "override":
		obs, err := e.EmergencyOverride(caller(r), req.Value)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.metrics.commitCounter.WithLabelValues(e.FeedID()).Inc()
		s.metrics.latestPrice.WithLabelValues(e.FeedID()).Set(float64(obs.Value))
		s.setEmergencyGauge(e)
		s.jsonResponse(w, http.StatusOK, obs)
		return
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	s.setEmergencyGauge(e)
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"emergency_mode": e.EmergencyActive(),
	})
}

func (s *Server) setEmergencyGauge(e *engine.Engine) {
	state := 0.0
	if e.EmergencyActive() {
		state = 1.0
	}
	s.metrics.emergencyState.WithLabelValues(e.FeedID()).Set(state)
}

type updateConfigRequest struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := e.UpdateConfig(caller(r), req.Parameter, req.Value); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, e.Config())
}

type subscribeRequest struct {
	Payment uint64 `json:"payment"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expiry, err := e.PurchaseSubscription(caller(r), req.Payment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegistrySync(w http.ResponseWriter, r *http.Request) {
	if s.statusSource == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "feed registry not configured")
		return
	}

	e, err := s.feedEngine(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	info, err := e.SyncWithFeedRegistry(ctx, s.statusSource)
	if err != nil {
		otel.RecordError(ctx, err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	s.setEmergencyGauge(e)
	s.jsonResponse(w, http.StatusOK, info)
}

// ---- response helpers ----

func (s *Server) rejectCounterFor(feedID string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, engine.ErrDeviationRejected):
		reason = "deviation"
	case errors.Is(err, engine.ErrInvalidObservation):
		reason = "invalid"
	case errors.Is(err, engine.ErrEmergencyActive):
		reason = "emergency"
	case errors.Is(err, roster.ErrNotActive):
		reason = "inactive_provider"
	}
	s.metrics.rejectCounter.WithLabelValues(feedID, reason).Inc()
}

// writeEngineError maps engine sentinel errors to HTTP status codes
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, access.ErrSubscriptionExpired):
		status = http.StatusPaymentRequired
	case errors.Is(err, engine.ErrInsufficientPayment):
		status = http.StatusPaymentRequired
	case errors.Is(err, engine.ErrStalePrice):
		status = http.StatusGone
	case errors.Is(err, engine.ErrEmergencyActive), errors.Is(err, engine.ErrEmergencyNotActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrDeviationRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidObservation), errors.Is(err, engine.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, roster.ErrNotActive), errors.Is(err, roster.ErrUnknownProvider):
		status = http.StatusForbidden
	case errors.Is(err, roster.ErrDuplicateProvider):
		status = http.StatusConflict
	case errors.Is(err, consensus.ErrUnknownNonce):
		status = http.StatusNotFound
	case errors.Is(err, consensus.ErrAlreadyExecuted), errors.Is(err, consensus.ErrDuplicateConfirmation):
		status = http.StatusConflict
	}
	s.errorResponse(w, status, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	logrus.Warn(errorMsg)
	s.jsonResponse(w, statusCode, map[string]interface{}{
		"status": "error",
		"error":  errorMsg,
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}
