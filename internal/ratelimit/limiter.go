// Package ratelimit implements per-key token-bucket admission control.
// Rules are scanned in priority order; the first enabled rule whose
// MatchSpec matches the request governs admission — rate limiting is
// first-match-wins, not cumulative (an explicit choice among the
// original design's open questions).
package ratelimit

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
)

// bucketKey identifies one token bucket.
type bucketKey struct {
	ruleID string
	key    string
}

// bucket is the token-bucket state for one (rule, derived key).
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// Decision is the outcome of Check: either the request is admitted, or
// it must be denied with the rule's configured response template.
type Decision struct {
	Admitted bool
	Rule     *models.RateLimitRule
	Response models.DeniedResponseTemplate
}

// Limiter holds the rate-limit rule store and the live bucket map.
type Limiter struct {
	store *rulestore.Store[*models.RateLimitRule]

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// New creates a Limiter backed by store, sweeping idle buckets at
// sweepInterval (spec recommends a coarse interval, e.g. 60s).
func New(store *rulestore.Store[*models.RateLimitRule], sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		store:         store,
		buckets:       make(map[bucketKey]*bucket),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go l.sweepLoop()
	}
	return l
}

// Close stops the eviction sweep goroutine.
func (l *Limiter) Close() {
	select {
	case <-l.stopSweep:
	default:
		close(l.stopSweep)
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		windowSeconds := 0.0
		if rule, err := l.store.Get(k.ruleID); err == nil {
			windowSeconds = float64(rule.Limit.WindowSeconds)
		}
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle > 2*time.Duration(windowSeconds)*time.Second {
			delete(l.buckets, k)
		}
	}
}

// Check finds the first enabled matching rule and applies its token
// bucket. Rules after the first matcher are never consulted. A nil
// returned Decision.Rule means no rule matched and the request
// proceeds unconstrained.
func (l *Limiter) Check(method, url, clientIP string, headers map[string]string) *Decision {
	for _, m := range l.store.ListSorted() {
		if !m.Matcher.Matches(method, url) {
			continue
		}
		rule := m.Rule
		key := l.deriveKey(rule.KeyType, clientIP, headers)
		admitted := l.consume(rule, key)
		if admitted {
			return &Decision{Admitted: true, Rule: rule}
		}
		return &Decision{Admitted: false, Rule: rule, Response: rule.Response}
	}
	return &Decision{Admitted: true}
}

func (l *Limiter) deriveKey(kt models.KeyType, clientIP string, headers map[string]string) string {
	switch kt.Kind {
	case models.KeyGlobal:
		return "global"
	case models.KeyIP:
		host, _, err := net.SplitHostPort(clientIP)
		if err != nil {
			host = clientIP
		}
		return host
	case models.KeyHeader:
		for name, v := range headers {
			if strings.EqualFold(name, kt.HeaderName) {
				return v
			}
		}
		return "missing"
	case models.KeyCustom:
		return renderCustomKey(kt.Pattern, clientIP, headers)
	default:
		return "global"
	}
}

// renderCustomKey substitutes {client_ip} and {header:Name} tokens in
// pattern. A malformed pattern collapses to the literal pattern string
// (no error path; rate-limit key derivation never fails a request).
func renderCustomKey(pattern, clientIP string, headers map[string]string) string {
	out := strings.ReplaceAll(pattern, "{client_ip}", clientIP)
	for name, v := range headers {
		out = strings.ReplaceAll(out, fmt.Sprintf("{header:%s}", name), v)
	}
	return out
}

func (l *Limiter) consume(rule *models.RateLimitRule, key string) bool {
	bk := bucketKey{ruleID: rule.ID, key: key}

	l.mu.Lock()
	b, ok := l.buckets[bk]
	if !ok {
		b = &bucket{
			tokens:     float64(rule.Limit.MaxRequests + rule.Limit.BurstSize),
			capacity:   float64(rule.Limit.MaxRequests + rule.Limit.BurstSize),
			refillRate: float64(rule.Limit.MaxRequests) / float64(rule.Limit.WindowSeconds),
			lastRefill: time.Now(),
		}
		l.buckets[bk] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// ResetRule discards every bucket belonging to ruleID.
func (l *Limiter) ResetRule(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.ruleID == ruleID {
			delete(l.buckets, k)
		}
	}
}

// Stats reports the total bucket count and the number of distinct rule
// ids currently tracked.
type Stats struct {
	TotalBuckets int `json:"total_buckets"`
	ActiveLimits int `json:"active_limits"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	rules := make(map[string]struct{})
	for k := range l.buckets {
		rules[k.ruleID] = struct{}{}
	}
	return Stats{TotalBuckets: len(l.buckets), ActiveLimits: len(rules)}
}

// Compile and Validate are the rulestore.Store[*RateLimitRule] hooks.
func Compile(rule *models.RateLimitRule) (*matcher.Matcher, error) {
	return matcher.Compile(rule.Match)
}

func Validate(rule *models.RateLimitRule) error {
	if rule.Limit.MaxRequests <= 0 {
		return util.NewError(util.ValidationFailed, "max_requests must be > 0", rule.Limit.MaxRequests)
	}
	if rule.Limit.WindowSeconds <= 0 {
		return util.NewError(util.ValidationFailed, "window_seconds must be > 0", rule.Limit.WindowSeconds)
	}
	if rule.Limit.BurstSize < 0 {
		return util.NewError(util.ValidationFailed, "burst_size must be >= 0", rule.Limit.BurstSize)
	}
	return nil
}
