package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devproxy/devproxy/internal/latency"
	"github.com/devproxy/devproxy/internal/mock"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/modifier"
	"github.com/devproxy/devproxy/internal/ratelimit"
	"github.com/devproxy/devproxy/internal/recorder"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/upstream"
	"github.com/devproxy/devproxy/internal/util"
)

type testHarness struct {
	mocks      *rulestore.Store[*models.MockRule]
	modifiers  *rulestore.Store[*models.ModifierRule]
	rateLimits *rulestore.Store[*models.RateLimitRule]
	latencies  *rulestore.Store[*models.LatencyRule]
	rec        *recorder.Recorder
	pipe       *Pipeline
	upstream   *httptest.Server
}

func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mocks := rulestore.New(mock.Compile, mock.Validate)
	modifiers := rulestore.New(modifier.Compile, modifier.Validate)
	rateLimits := rulestore.New(ratelimit.Compile, ratelimit.Validate)
	latencies := rulestore.New(latency.Compile, latency.Validate)

	limiter := ratelimit.New(rateLimits, 0)
	t.Cleanup(limiter.Close)
	injector := latency.New(latencies)
	mocker := mock.New(mocks)
	mod := modifier.New(modifiers)
	rec := recorder.New(100)
	up := upstream.New(srv.URL, 5*time.Second)
	logger := util.NewLogger("error")

	pipe := New(limiter, injector, mocker, mod, up, rec, logger, nil)

	return &testHarness{mocks: mocks, modifiers: modifiers, rateLimits: rateLimits, latencies: latencies, rec: rec, pipe: pipe, upstream: srv}
}

func TestForwardsToUpstreamWhenNoRuleMatches(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream-body"))
	})

	resp, err := h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/anything"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || string(resp.Body) != "upstream-body" {
		t.Errorf("expected forwarded upstream response, got %+v", resp)
	}
}

// TestMockShortCircuitsUpstream verifies a matching mock rule wins
// outright and upstream is never contacted.
func TestMockShortCircuitsUpstream(t *testing.T) {
	called := false
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h.mocks.Insert(&models.MockRule{
		RuleMeta: models.RuleMeta{Name: "m", Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/mocked"},
		Response: models.MockResponse{Status: 201, Body: "mocked-body"},
	})

	resp, err := h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/mocked"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 201 || string(resp.Body) != "mocked-body" {
		t.Errorf("expected mocked response, got %+v", resp)
	}
	if called {
		t.Error("expected upstream to never be contacted for a mocked request")
	}
}

func TestRateLimitDenyReturnsTemplateAndSkipsUpstream(t *testing.T) {
	called := false
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h.rateLimits.Insert(&models.RateLimitRule{
		RuleMeta: models.RuleMeta{Name: "rl", Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/limited"},
		KeyType:  models.KeyType{Kind: models.KeyGlobal},
		Limit:    models.Limit{MaxRequests: 1, WindowSeconds: 60},
		Response: models.DeniedResponseTemplate{Status: 429, Body: "too many"},
	})

	h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/limited"})
	called = false // the first request is admitted and legitimately reaches upstream
	resp, err := h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/limited"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 429 || string(resp.Body) != "too many" {
		t.Errorf("expected the rate-limit denial template, got %+v", resp)
	}
	if called {
		t.Error("expected upstream to never be contacted once the bucket is exhausted")
	}
}

func TestModifierAppliedToUpstreamResponse(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("original"))
	})
	h.modifiers.Insert(&models.ModifierRule{
		RuleMeta: models.RuleMeta{Name: "mod", Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/rewrite"},
		Modifications: []models.Modification{
			{Kind: models.ModReplaceBody, ReplaceBody: &models.ReplaceBodySpec{Pattern: "original", Replacement: "rewritten"}},
		},
	})

	resp, err := h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/rewrite"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "rewritten" {
		t.Errorf("expected the modifier to rewrite the upstream body, got %q", resp.Body)
	}
}

// TestUpstreamUnreachableSynthesizes502 verifies a connection failure
// produces a diagnostic 502 rather than propagating the transport error.
func TestUpstreamUnreachableSynthesizes502(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	h.upstream.Close() // force connection failure

	resp, err := h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/anything"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("expected a synthetic 502, got %d", resp.Status)
	}
	if resp.Headers["X-Devproxy-Upstream-Error"] == "" {
		t.Error("expected the diagnostic upstream-error header to be set")
	}
}

func TestEveryOutcomeIsRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/a"})
	h.pipe.Handle(context.Background(), &Request{Method: "GET", URL: "/b"})

	if got := h.rec.Stats().Total; got != 2 {
		t.Errorf("expected 2 recorded exchanges, got %d", got)
	}
}
