package latency

import (
	"context"
	"testing"
	"time"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
)

func newLatencyStore(rules ...*models.LatencyRule) *rulestore.Store[*models.LatencyRule] {
	s := rulestore.New(Compile, Validate)
	for _, r := range rules {
		if _, err := s.Insert(r); err != nil {
			panic(err)
		}
	}
	return s
}

func fixedRule(name string, ms int, apply models.ApplyTo) *models.LatencyRule {
	return &models.LatencyRule{
		RuleMeta: models.RuleMeta{Name: name, Enabled: true, Priority: 1, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/x"},
		ApplyTo:  apply,
		Delay:    models.DelayConfig{Kind: models.DelayFixed, FixedMS: ms},
	}
}

// TestAdditiveAcrossMatchingRules verifies latency from every matching,
// covering rule is summed rather than short-circuited on the first.
func TestAdditiveAcrossMatchingRules(t *testing.T) {
	store := newLatencyStore(
		fixedRule("a", 100, models.ApplyBoth),
		fixedRule("b", 200, models.ApplyBoth),
	)
	inj := New(store)

	total, err := inj.Apply(context.Background(), "GET", "/x", models.ApplyRequest)
	if err != nil {
		t.Fatal(err)
	}
	if total != 300 {
		t.Errorf("expected additive delay of 300ms, got %d", total)
	}
}

func TestApplyToDirectionFilter(t *testing.T) {
	store := newLatencyStore(fixedRule("req-only", 50, models.ApplyRequest))
	inj := New(store)

	total, err := inj.Apply(context.Background(), "GET", "/x", models.ApplyResponse)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected a request-only rule to contribute nothing on the response direction, got %d", total)
	}
}

func TestApplyCancelledByContext(t *testing.T) {
	store := newLatencyStore(fixedRule("slow", 10_000, models.ApplyBoth))
	inj := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inj.Apply(ctx, "GET", "/x", models.ApplyRequest)
	if err == nil {
		t.Error("expected Apply to return an error when ctx is already cancelled")
	}
}

func TestStatsAccumulatePerRuleAndGlobally(t *testing.T) {
	rule := fixedRule("a", 10, models.ApplyBoth)
	store := newLatencyStore(rule)
	inj := New(store)

	inj.Apply(context.Background(), "GET", "/x", models.ApplyRequest)
	inj.Apply(context.Background(), "GET", "/x", models.ApplyRequest)

	stats := inj.Stats()
	if stats.Global.Hits != 2 {
		t.Errorf("expected 2 global hits, got %d", stats.Global.Hits)
	}
	perRule, ok := stats.PerRule[rule.ID]
	if !ok {
		t.Fatal("expected per-rule stats for the fixed rule")
	}
	if perRule.Hits != 2 || perRule.TotalDelayMS != 20 {
		t.Errorf("expected 2 hits / 20ms total, got %+v", perRule)
	}
	if perRule.AvgMS() != 10 {
		t.Errorf("expected average of 10ms, got %v", perRule.AvgMS())
	}
}

func TestResetStatsZeroesCounters(t *testing.T) {
	store := newLatencyStore(fixedRule("a", 10, models.ApplyBoth))
	inj := New(store)
	inj.Apply(context.Background(), "GET", "/x", models.ApplyRequest)
	inj.ResetStats()
	stats := inj.Stats()
	if stats.Global.Hits != 0 || len(stats.PerRule) != 0 {
		t.Errorf("expected zeroed stats after ResetStats, got %+v", stats)
	}
}

func TestValidateRandomRangeAndSpikeProbability(t *testing.T) {
	bad := fixedRule("a", 0, models.ApplyBoth)
	bad.Delay = models.DelayConfig{Kind: models.DelayRandom, MinMS: 100, MaxMS: 10}
	if err := Validate(bad); err == nil {
		t.Error("expected validation to reject min_ms > max_ms")
	}

	badSpike := fixedRule("a", 0, models.ApplyBoth)
	badSpike.Delay = models.DelayConfig{Kind: models.DelaySpike, Probability: 1.5}
	if err := Validate(badSpike); err == nil {
		t.Error("expected validation to reject an out-of-range spike probability")
	}
}
