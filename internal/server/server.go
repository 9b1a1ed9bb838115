// Package server assembles the data plane, control plane, and metrics
// registry into one running devproxy instance.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/devproxy/devproxy/internal/latency"
	"github.com/devproxy/devproxy/internal/mock"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/modifier"
	"github.com/devproxy/devproxy/internal/pipeline"
	"github.com/devproxy/devproxy/internal/ratelimit"
	"github.com/devproxy/devproxy/internal/recorder"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/upstream"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is the full set of process-level settings a devproxy instance
// needs to start.
type Config struct {
	DataPlaneHost    string
	DataPlanePort    int
	ControlPlaneHost string
	ControlPlanePort int
	UpstreamURL      string
	UpstreamTimeout  time.Duration
	RecorderCapacity int
	MaxBodyBytes     int64
	RateSweepInterval time.Duration
	LogLevel         string
	AllowedOrigins   []string
	AllowedIPs       []string
}

// Server is one running devproxy instance: the rule stores, the
// pipeline, and the two listeners built on top of them.
type Server struct {
	cfg Config

	Mocks      *rulestore.Store[*models.MockRule]
	Modifiers  *rulestore.Store[*models.ModifierRule]
	RateLimits *rulestore.Store[*models.RateLimitRule]
	Latencies  *rulestore.Store[*models.LatencyRule]

	limiter  *ratelimit.Limiter
	injector *latency.Injector
	rec      *recorder.Recorder

	logger *util.Logger

	dataPlane    *DataPlane
	controlPlane *ControlPlane
}

// New wires every component together per the Config.
func New(cfg Config) *Server {
	logger := util.NewLogger(cfg.LogLevel)

	mocks := rulestore.New(mock.Compile, mock.Validate)
	modifiers := rulestore.New(modifier.Compile, modifier.Validate)
	rateLimits := rulestore.New(ratelimit.Compile, ratelimit.Validate)
	latencies := rulestore.New(latency.Compile, latency.Validate)

	limiter := ratelimit.New(rateLimits, cfg.RateSweepInterval)
	injector := latency.New(latencies)
	mocker := mock.New(mocks)
	mod := modifier.New(modifiers)
	rec := recorder.New(cfg.RecorderCapacity)
	upstreamClient := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry, func() int { return limiter.Stats().ActiveLimits })

	pipe := pipeline.New(limiter, injector, mocker, mod, upstreamClient, rec, logger, metrics)

	dataAddr := fmt.Sprintf("%s:%d", cfg.DataPlaneHost, cfg.DataPlanePort)
	controlAddr := fmt.Sprintf("%s:%d", cfg.ControlPlaneHost, cfg.ControlPlanePort)

	dataPlane := NewDataPlane(dataAddr, pipe, logger.WithScope("data"), cfg.MaxBodyBytes)

	controlPlane := NewControlPlane(
		ControlPlaneConfig{
			Addr:             controlAddr,
			DataPlaneAddr:    dataAddr,
			UpstreamURL:      cfg.UpstreamURL,
			RecorderCapacity: cfg.RecorderCapacity,
			MaxBodyBytes:     cfg.MaxBodyBytes,
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedIPs:       cfg.AllowedIPs,
		},
		mocks, modifiers, rateLimits, latencies,
		limiter, injector, rec, pipe,
		logger.WithScope("control"),
		registry,
	)

	return &Server{
		cfg:          cfg,
		Mocks:        mocks,
		Modifiers:    modifiers,
		RateLimits:   rateLimits,
		Latencies:    latencies,
		limiter:      limiter,
		injector:     injector,
		rec:          rec,
		logger:       logger,
		dataPlane:    dataPlane,
		controlPlane: controlPlane,
	}
}

// Start runs both listeners. It blocks until one exits; the other is
// stopped before Start returns.
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.dataPlane.Start() }()
	go func() { errCh <- s.controlPlane.Start() }()

	err := <-errCh
	_ = s.Stop()
	return err
}

// Stop gracefully shuts down both listeners and the rate-limiter sweep.
func (s *Server) Stop() error {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.limiter.Close()

	if err := s.dataPlane.Stop(ctx); err != nil {
		return err
	}
	return s.controlPlane.Stop(ctx)
}
