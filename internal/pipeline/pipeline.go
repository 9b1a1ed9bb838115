// Package pipeline orchestrates one request through the rate limiter,
// latency injector, mock, upstream client, and modifier, recording the
// assembled exchange regardless of outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devproxy/devproxy/internal/latency"
	"github.com/devproxy/devproxy/internal/mock"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/modifier"
	"github.com/devproxy/devproxy/internal/ratelimit"
	"github.com/devproxy/devproxy/internal/recorder"
	"github.com/devproxy/devproxy/internal/upstream"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/google/uuid"
)

// Request is what the data plane hands the pipeline.
type Request struct {
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	ClientIP string
}

// Response is what the pipeline hands back to the data plane.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// MetricsRecorder receives one observation per completed request. The
// control plane's Metrics type implements it; Pipeline only depends on
// this narrow interface so it never imports the server package.
type MetricsRecorder interface {
	ObserveRequest(outcome string, durationMS int64)
}

// Pipeline wires together the policy families and the recorder.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	injector *latency.Injector
	mocker   *mock.Mock
	mod      *modifier.Modifier
	upstream *upstream.Client
	rec      *recorder.Recorder
	logger   *util.Logger
	metrics  MetricsRecorder
}

// New assembles a Pipeline from its collaborators. metrics may be nil.
func New(limiter *ratelimit.Limiter, injector *latency.Injector, mocker *mock.Mock, mod *modifier.Modifier, up *upstream.Client, rec *recorder.Recorder, logger *util.Logger, metrics MetricsRecorder) *Pipeline {
	return &Pipeline{
		limiter:  limiter,
		injector: injector,
		mocker:   mocker,
		mod:      mod,
		upstream: up,
		rec:      rec,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle runs req through Admitted -> RequestDelayed -> {Mocked |
// Forwarded -> Modified} -> ResponseDelayed -> Recorded, short-
// circuiting into Rejected on a rate-limit deny. The partial exchange
// is always recorded, even when ctx is cancelled mid-suspension.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Response, error) {
	t0 := time.Now()
	ex := &models.Exchange{
		ID:         newExchangeID(),
		StartedAt:  t0,
		Method:     req.Method,
		URL:        req.URL,
		ClientIP:   req.ClientIP,
		ReqHeaders: req.Headers,
		ReqBody:    req.Body,
	}

	resp, err := p.run(ctx, req, ex)

	ex.DurationMS = time.Since(t0).Milliseconds()
	if err != nil {
		ex.Cancelled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		p.rec.Append(ex)
		p.observe("cancelled", ex.DurationMS)
		return nil, err
	}

	ex.Status = resp.Status
	ex.RespHeaders = resp.Headers
	ex.RespBody = resp.Body
	p.rec.Append(ex)
	p.observe(outcomeFor(ex), ex.DurationMS)
	return resp, nil
}

func outcomeFor(ex *models.Exchange) string {
	switch {
	case ex.RateLimited:
		return "rate_limited"
	case ex.Mocked:
		return "mocked"
	case ex.Status == http.StatusBadGateway:
		return "upstream_error"
	default:
		return "forwarded"
	}
}

func (p *Pipeline) observe(outcome string, durationMS int64) {
	if p.metrics != nil {
		p.metrics.ObserveRequest(outcome, durationMS)
	}
}

func (p *Pipeline) run(ctx context.Context, req *Request, ex *models.Exchange) (*Response, error) {
	if decision := p.limiter.Check(req.Method, req.URL, req.ClientIP, req.Headers); !decision.Admitted {
		ex.RateLimited = true
		tmpl := decision.Response
		if err := util.SleepContext(ctx, time.Duration(tmpl.DelayMS)*time.Millisecond); err != nil {
			return nil, err
		}
		return &Response{Status: tmpl.Status, Headers: tmpl.Headers, Body: []byte(tmpl.Body)}, nil
	}

	if _, err := p.injector.Apply(ctx, req.Method, req.URL, models.ApplyRequest); err != nil {
		return nil, err
	}

	if rule := p.mocker.FirstMatch(req.Method, req.URL); rule != nil {
		ex.Mocked = true
		synthesized, err := p.mocker.Synthesize(ctx, rule)
		if err != nil {
			return nil, err
		}
		resp := &Response{Status: synthesized.Status, Headers: synthesized.Headers, Body: []byte(synthesized.Body)}
		if _, err := p.injector.Apply(ctx, req.Method, req.URL, models.ApplyResponse); err != nil {
			return nil, err
		}
		return resp, nil
	}

	upResp, err := p.upstream.Send(ctx, &upstream.Request{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		// Only the caller's own cancellation propagates; an upstream
		// client timeout also matches context.DeadlineExceeded, but it is
		// an upstream failure and gets the synthetic 502.
		if ctx.Err() != nil {
			return nil, err
		}
		return p.syntheticUpstreamError(err), nil
	}

	modResp := p.mod.Apply(ctx, req.Method, req.URL, &modifier.Response{
		Status:  upResp.Status,
		Headers: upResp.Headers,
		Body:    upResp.Body,
	})

	if _, err := p.injector.Apply(ctx, req.Method, req.URL, models.ApplyResponse); err != nil {
		return nil, err
	}

	return &Response{Status: modResp.Status, Headers: modResp.Headers, Body: modResp.Body}, nil
}

// syntheticUpstreamError builds the 502 exchange the spec requires on
// connection failure, carrying the error reason in a diagnostic header.
func (p *Pipeline) syntheticUpstreamError(err error) *Response {
	return &Response{
		Status: http.StatusBadGateway,
		Headers: map[string]string{
			"X-Devproxy-Upstream-Error": err.Error(),
			"Content-Type":              "application/json",
		},
		Body: []byte(fmt.Sprintf(`{"error":%q}`, err.Error())),
	}
}

// newExchangeID is a nanosecond-timestamp-prefixed uuid so lexical sort
// order matches insertion order without a separate sort pass.
func newExchangeID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
}
