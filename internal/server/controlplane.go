package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/latency"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/pipeline"
	"github.com/devproxy/devproxy/internal/ratelimit"
	"github.com/devproxy/devproxy/internal/recorder"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// ControlPlaneConfig carries the process-level settings the control
// plane echoes back on GET /api/config.
type ControlPlaneConfig struct {
	Addr             string
	DataPlaneAddr    string
	UpstreamURL      string
	RecorderCapacity int
	MaxBodyBytes     int64
	AllowedOrigins   []string
	AllowedIPs       []string
}

// ControlPlane is the REST surface for rule CRUD, recordings, stats,
// analytics, and metrics, served on a port separate from data-plane
// traffic.
type ControlPlane struct {
	cfg ControlPlaneConfig

	mocks      *rulestore.Store[*models.MockRule]
	modifiers  *rulestore.Store[*models.ModifierRule]
	rateLimits *rulestore.Store[*models.RateLimitRule]
	latencies  *rulestore.Store[*models.LatencyRule]

	limiter  *ratelimit.Limiter
	injector *latency.Injector
	rec      *recorder.Recorder
	pipe     *pipeline.Pipeline
	logger   *util.Logger

	registry   *prometheus.Registry
	httpServer *http.Server
	ipVerifier *util.IPVerifier
}

// NewControlPlane assembles the control plane from its collaborators.
func NewControlPlane(
	cfg ControlPlaneConfig,
	mocks *rulestore.Store[*models.MockRule],
	modifiers *rulestore.Store[*models.ModifierRule],
	rateLimits *rulestore.Store[*models.RateLimitRule],
	latencies *rulestore.Store[*models.LatencyRule],
	limiter *ratelimit.Limiter,
	injector *latency.Injector,
	rec *recorder.Recorder,
	pipe *pipeline.Pipeline,
	logger *util.Logger,
	registry *prometheus.Registry,
) *ControlPlane {
	cp := &ControlPlane{
		cfg:        cfg,
		mocks:      mocks,
		modifiers:  modifiers,
		rateLimits: rateLimits,
		latencies:  latencies,
		limiter:    limiter,
		injector:   injector,
		rec:        rec,
		pipe:       pipe,
		logger:     logger,
		registry:   registry,
	}
	if len(cfg.AllowedIPs) > 0 {
		cp.ipVerifier = util.NewIPVerifier(cfg.AllowedIPs)
	}
	cp.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      cp.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return cp
}

func (cp *ControlPlane) router() http.Handler {
	router := mux.NewRouter()

	newRuleController(cp.mocks, func() *models.MockRule { return &models.MockRule{} }, cp.logger).
		register(router, "/api/mocks")
	newRuleController(cp.modifiers, func() *models.ModifierRule { return &models.ModifierRule{} }, cp.logger).
		register(router, "/api/modifiers")
	newRuleController(cp.latencies, func() *models.LatencyRule { return &models.LatencyRule{} }, cp.logger).
		register(router, "/api/latency-rules")

	// Literal children of /api/rate-limits must be registered before the
	// generic {id} routes below: mux has no specificity ranking, so a
	// literal route added after a wildcard sibling never matches.
	router.HandleFunc("/api/rate-limits/stats", cp.rateLimitStats).Methods("GET")
	router.HandleFunc("/api/rate-limits/{id}/reset", cp.resetRateLimit).Methods("POST")
	rlController := newRuleController(cp.rateLimits, func() *models.RateLimitRule { return &models.RateLimitRule{} }, cp.logger)
	rlController.register(router, "/api/rate-limits")

	router.HandleFunc("/api/latency-stats", cp.latencyStats).Methods("GET")
	router.HandleFunc("/api/latency-stats/reset", cp.resetLatencyStats).Methods("POST")

	router.HandleFunc("/api/recordings", cp.listRecordings).Methods("GET")
	router.HandleFunc("/api/recordings", cp.clearRecordings).Methods("DELETE")
	router.HandleFunc("/api/recordings/{id}", cp.getRecording).Methods("GET")
	router.HandleFunc("/api/recordings/{id}/replay", cp.replayRecording).Methods("POST")

	router.HandleFunc("/api/stats", cp.stats).Methods("GET")
	router.HandleFunc("/api/analytics", cp.analytics).Methods("GET")
	router.HandleFunc("/api/config", cp.config).Methods("GET")
	router.HandleFunc("/api/logs", cp.logs).Methods("GET")

	router.HandleFunc("/api/rules/export", cp.exportRules).Methods("POST")
	router.HandleFunc("/api/rules/import", cp.importRules).Methods("POST")

	router.Handle("/metrics", promhttp.HandlerFor(cp.registry, promhttp.HandlerOpts{})).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cp.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return cp.ipAllowlist(corsHandler.Handler(router))
}

// ipAllowlist rejects control-plane requests from clients outside the
// configured allow-list. With no allow-list configured it is a no-op,
// since the control plane defaults to trusting its local network.
func (cp *ControlPlane) ipAllowlist(next http.Handler) http.Handler {
	if cp.ipVerifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cp.ipVerifier.IsAllowed(r.RemoteAddr, cp.logger) {
			writeErr(w, util.NewError(util.ValidationFailed, "client IP not permitted", r.RemoteAddr))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cp *ControlPlane) allowedOrigins() []string {
	if len(cp.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cp.cfg.AllowedOrigins
}

// Start runs the control-plane listener. It blocks until Stop closes it.
func (cp *ControlPlane) Start() error {
	cp.logger.Infof("control plane listening on %s", cp.cfg.Addr)
	err := cp.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the listener.
func (cp *ControlPlane) Stop(ctx context.Context) error {
	return cp.httpServer.Shutdown(ctx)
}

func (cp *ControlPlane) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := cp.rateLimits.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	cp.limiter.ResetRule(id)
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.limiter.Stats())
}

func (cp *ControlPlane) latencyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.injector.Stats())
}

func (cp *ControlPlane) resetLatencyStats(w http.ResponseWriter, r *http.Request) {
	cp.injector.ResetStats()
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) listRecordings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := recorder.Filter{
		Search: q.Get("search"),
		Method: q.Get("method"),
	}
	if v := q.Get("status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Status = n
		}
	}
	if v := q.Get("minDuration"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.MinDuration = n
		}
	}
	if v := q.Get("maxDuration"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.MaxDuration = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recordings": cp.rec.Query(f)})
}

func (cp *ControlPlane) clearRecordings(w http.ResponseWriter, r *http.Request) {
	cp.rec.Clear()
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) getRecording(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ex, ok := cp.rec.Get(id)
	if !ok {
		writeErr(w, util.NewError(util.NotFound, "recording not found", id))
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// replayRecording re-issues the recorded request through the full
// pipeline and captures the outcome as a new exchange. Replays count
// toward rate-limit counters, per the recommended default.
func (cp *ControlPlane) replayRecording(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ex, ok := cp.rec.Get(id)
	if !ok {
		writeErr(w, util.NewError(util.NotFound, "recording not found", id))
		return
	}

	resp, err := cp.pipe.Handle(r.Context(), &pipeline.Request{
		Method:   ex.Method,
		URL:      ex.URL,
		Headers:  ex.ReqHeaders,
		Body:     ex.ReqBody,
		ClientIP: ex.ClientIP,
	})
	if err != nil {
		writeErr(w, util.NewError(util.Internal, "replay failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (cp *ControlPlane) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.rec.Stats())
}

func (cp *ControlPlane) analytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.rec.Analytics())
}

func (cp *ControlPlane) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_plane_addr":    cp.cfg.DataPlaneAddr,
		"control_plane_addr": cp.cfg.Addr,
		"upstream_url":       cp.cfg.UpstreamURL,
		"recorder_capacity":  cp.cfg.RecorderCapacity,
		"max_body_bytes":     cp.cfg.MaxBodyBytes,
	})
}

func (cp *ControlPlane) logs(w http.ResponseWriter, r *http.Request) {
	start, end := 0, -1
	if v := r.URL.Query().Get("startIndex"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			start = n
		}
	}
	if v := r.URL.Query().Get("endIndex"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			end = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": cp.logger.GetEntries(start, end)})
}

func (cp *ControlPlane) exportRules(w http.ResponseWriter, r *http.Request) {
	snap := &config.Snapshot{
		Mocks:      cp.mocks.ListAll(),
		Modifiers:  cp.modifiers.ListAll(),
		RateLimits: cp.rateLimits.ListAll(),
		Latencies:  cp.latencies.ListAll(),
	}
	writeJSON(w, http.StatusOK, snap)
}

func (cp *ControlPlane) importRules(w http.ResponseWriter, r *http.Request) {
	var snap config.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeErr(w, util.NewError(util.ValidationFailed, "invalid snapshot body", err.Error()))
		return
	}

	cp.mocks.Clear()
	cp.modifiers.Clear()
	cp.rateLimits.Clear()
	cp.latencies.Clear()

	for _, rule := range snap.Mocks {
		if _, err := cp.mocks.Insert(rule); err != nil {
			writeErr(w, err)
			return
		}
	}
	for _, rule := range snap.Modifiers {
		if _, err := cp.modifiers.Insert(rule); err != nil {
			writeErr(w, err)
			return
		}
	}
	for _, rule := range snap.RateLimits {
		if _, err := cp.rateLimits.Insert(rule); err != nil {
			writeErr(w, err)
			return
		}
	}
	for _, rule := range snap.Latencies {
		if _, err := cp.latencies.Insert(rule); err != nil {
			writeErr(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
