// Package latency implements additive, statistically-distributed delay
// injection. Unlike rate limiting and mocking, every enabled rule whose
// ApplyTo covers the current direction and whose MatchSpec matches
// contributes its sampled delay — delays stack rather than short-
// circuiting, since latency is meant to compose.
package latency

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
)

// RuleStats are the per-rule hit counters the spec requires.
type RuleStats struct {
	Hits         int64 `json:"hits"`
	TotalDelayMS int64 `json:"total_delay_ms"`
	MinMS        int64 `json:"min_ms"`
	MaxMS        int64 `json:"max_ms"`
}

func (s RuleStats) AvgMS() float64 {
	if s.Hits == 0 {
		return 0
	}
	return float64(s.TotalDelayMS) / float64(s.Hits)
}

// Injector samples and applies latency for one direction at a time.
type Injector struct {
	store *rulestore.Store[*models.LatencyRule]

	mu         sync.Mutex
	perRule    map[string]*RuleStats
	globalHits int64
	globalMS   int64
}

// New creates an Injector backed by store.
func New(store *rulestore.Store[*models.LatencyRule]) *Injector {
	return &Injector{
		store:   store,
		perRule: make(map[string]*RuleStats),
	}
}

// Apply samples and suspends for the summed delay of every enabled
// rule matching (method,url) whose ApplyTo covers direction. It returns
// the total milliseconds applied, or a non-nil error if ctx is
// cancelled mid-suspension — in which case the remaining delay was
// aborted.
func (inj *Injector) Apply(ctx context.Context, method, url string, direction models.ApplyTo) (int64, error) {
	var total int64
	for _, m := range inj.store.ListSorted() {
		rule := m.Rule
		if !rule.ApplyTo.Covers(direction) {
			continue
		}
		if !m.Matcher.Matches(method, url) {
			continue
		}
		delayMS := inj.sample(rule.Delay)
		inj.recordHit(rule.ID, delayMS)
		total += delayMS
	}
	if err := util.SleepContext(ctx, time.Duration(total)*time.Millisecond); err != nil {
		return total, err
	}
	return total, nil
}

func (inj *Injector) sample(cfg models.DelayConfig) int64 {
	switch cfg.Kind {
	case models.DelayFixed:
		return int64(cfg.FixedMS)
	case models.DelayRandom:
		lo, hi := cfg.MinMS, cfg.MaxMS
		if hi <= lo {
			return int64(lo)
		}
		return int64(lo + rand.Intn(hi-lo+1))
	case models.DelayNormal:
		v := cfg.MeanMS + boxMuller()*cfg.StdDevMS
		if v < 0 {
			v = 0
		}
		return int64(math.Round(v))
	case models.DelaySpike:
		if rand.Float64() < cfg.Probability {
			return int64(cfg.SpikeMS)
		}
		return int64(cfg.BaseMS)
	default:
		return 0
	}
}

// boxMuller returns one standard-normal sample via the Box-Muller
// transform. No pack example wires a statistical distribution library
// for Go, so this is hand-rolled on math/rand (see DESIGN.md). It calls
// the package-level rand funcs, which are internally synchronized, so
// concurrent samples from many request goroutines never tear.
func boxMuller() float64 {
	u1 := rand.Float64()
	u2 := rand.Float64()
	for u1 == 0 {
		u1 = rand.Float64()
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func (inj *Injector) recordHit(ruleID string, delayMS int64) {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	s, ok := inj.perRule[ruleID]
	if !ok {
		s = &RuleStats{MinMS: delayMS, MaxMS: delayMS}
		inj.perRule[ruleID] = s
	}
	s.Hits++
	s.TotalDelayMS += delayMS
	if delayMS < s.MinMS {
		s.MinMS = delayMS
	}
	if delayMS > s.MaxMS {
		s.MaxMS = delayMS
	}

	inj.globalHits++
	inj.globalMS += delayMS
}

// Stats snapshots per-rule and global latency statistics.
type Stats struct {
	PerRule map[string]RuleStats `json:"per_rule"`
	Global  RuleStats            `json:"global"`
}

func (inj *Injector) Stats() Stats {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := Stats{PerRule: make(map[string]RuleStats, len(inj.perRule))}
	for id, s := range inj.perRule {
		out.PerRule[id] = *s
	}
	out.Global = RuleStats{Hits: inj.globalHits, TotalDelayMS: inj.globalMS}
	return out
}

// ResetStats zeroes every counter.
func (inj *Injector) ResetStats() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.perRule = make(map[string]*RuleStats)
	inj.globalHits = 0
	inj.globalMS = 0
}

// Compile and Validate are the rulestore.Store[*LatencyRule] hooks.
func Compile(rule *models.LatencyRule) (*matcher.Matcher, error) {
	return matcher.Compile(rule.Match)
}

func Validate(rule *models.LatencyRule) error {
	switch rule.Delay.Kind {
	case models.DelayRandom:
		if rule.Delay.MinMS > rule.Delay.MaxMS {
			return util.NewError(util.ValidationFailed, "random delay min_ms must be <= max_ms", rule.Delay)
		}
	case models.DelaySpike:
		if rule.Delay.Probability < 0 || rule.Delay.Probability > 1 {
			return util.NewError(util.ValidationFailed, "spike probability must be in [0,1]", rule.Delay.Probability)
		}
	}
	return nil
}
