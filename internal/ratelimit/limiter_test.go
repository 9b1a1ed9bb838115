package ratelimit

import (
	"testing"
	"time"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
)

func newRLStore(rules ...*models.RateLimitRule) *rulestore.Store[*models.RateLimitRule] {
	s := rulestore.New(Compile, Validate)
	for _, r := range rules {
		if _, err := s.Insert(r); err != nil {
			panic(err)
		}
	}
	return s
}

func globalRule(name string, maxRequests, windowSeconds, burst int) *models.RateLimitRule {
	return &models.RateLimitRule{
		RuleMeta: models.RuleMeta{Name: name, Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/x"},
		KeyType:  models.KeyType{Kind: models.KeyGlobal},
		Limit:    models.Limit{MaxRequests: maxRequests, WindowSeconds: windowSeconds, BurstSize: burst},
		Response: models.DeniedResponseTemplate{Status: 429, Body: "slow down"},
	}
}

// TestConservationUnderAdmission verifies the token-bucket conservation
// invariant: exactly capacity admissions succeed back-to-back, then the
// next is denied.
func TestConservationUnderAdmission(t *testing.T) {
	store := newRLStore(globalRule("r", 3, 60, 2))
	l := New(store, 0)
	defer l.Close()

	admitted := 0
	for i := 0; i < 10; i++ {
		d := l.Check("GET", "/x", "1.2.3.4:0", nil)
		if d.Admitted {
			admitted++
		}
	}
	if admitted != 5 { // max_requests + burst_size
		t.Errorf("expected 5 admissions (max+burst), got %d", admitted)
	}
}

func TestDenyCarriesRuleResponseTemplate(t *testing.T) {
	store := newRLStore(globalRule("r", 1, 60, 0))
	l := New(store, 0)
	defer l.Close()

	l.Check("GET", "/x", "1.2.3.4:0", nil)
	d := l.Check("GET", "/x", "1.2.3.4:0", nil)
	if d.Admitted {
		t.Fatal("expected the second request to be denied")
	}
	if d.Response.Status != 429 {
		t.Errorf("expected denied response status 429, got %d", d.Response.Status)
	}
}

// TestFirstMatchWins verifies only the first matching enabled rule in
// priority order governs admission; a lower-priority rule never runs.
func TestFirstMatchWins(t *testing.T) {
	high := globalRule("high", 1, 60, 0)
	high.Priority = 10
	low := globalRule("low", 100, 60, 0)
	low.Priority = 1

	store := newRLStore(low, high)
	l := New(store, 0)
	defer l.Close()

	l.Check("GET", "/x", "1.2.3.4:0", nil)
	d := l.Check("GET", "/x", "1.2.3.4:0", nil)
	if d.Admitted {
		t.Fatal("expected the high-priority rule's tight limit to deny the second request")
	}
	if d.Rule.Name != "high" {
		t.Errorf("expected the high-priority rule to govern, got %q", d.Rule.Name)
	}
}

func TestDeriveKeySeparatesBucketsByIP(t *testing.T) {
	store := newRLStore(&models.RateLimitRule{
		RuleMeta: models.RuleMeta{Name: "per-ip", Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/x"},
		KeyType:  models.KeyType{Kind: models.KeyIP},
		Limit:    models.Limit{MaxRequests: 1, WindowSeconds: 60},
		Response: models.DeniedResponseTemplate{Status: 429},
	})
	l := New(store, 0)
	defer l.Close()

	a := l.Check("GET", "/x", "1.1.1.1:1", nil)
	b := l.Check("GET", "/x", "2.2.2.2:1", nil)
	if !a.Admitted || !b.Admitted {
		t.Error("distinct client IPs must draw from distinct buckets")
	}
}

func TestResetRuleClearsBuckets(t *testing.T) {
	rule := globalRule("r", 1, 60, 0)
	store := newRLStore(rule)
	l := New(store, 0)
	defer l.Close()

	inserted, _ := store.Get(rule.ID)
	l.Check("GET", "/x", "1.1.1.1:1", nil)
	d := l.Check("GET", "/x", "1.1.1.1:1", nil)
	if d.Admitted {
		t.Fatal("expected bucket to be exhausted before reset")
	}
	l.ResetRule(inserted.ID)
	if after := l.Check("GET", "/x", "1.1.1.1:1", nil); !after.Admitted {
		t.Error("expected admission to succeed immediately after ResetRule")
	}
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	r := globalRule("r", 0, 60, 0)
	if err := Validate(r); err == nil {
		t.Error("expected validation to reject max_requests <= 0")
	}
	r2 := globalRule("r", 1, 0, 0)
	if err := Validate(r2); err == nil {
		t.Error("expected validation to reject window_seconds <= 0")
	}
}
