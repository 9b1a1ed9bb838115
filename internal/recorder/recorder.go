// Package recorder implements the bounded, evict-oldest capture ring
// and its filter/aggregate/analytics query layer. The ring is a
// container/list doubly-linked list plus an id index: PushFront keeps
// the newest entry at the front, giving free newest-first iteration
// with no sort on the query path.
package recorder

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/models"
)

// Recorder is the bounded in-memory capture ring.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	ring     *list.List
	byID     map[string]*list.Element

	total   int64
	class2  int64
	class3  int64
	class4  int64
	class5  int64
	sumMS   int64
	minMS   int64
	maxMS   int64
}

// New creates a Recorder with the given ring capacity.
func New(capacity int) *Recorder {
	return &Recorder{
		capacity: capacity,
		ring:     list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// Append adds ex to the front of the ring, evicting the oldest entry
// if the ring is now over capacity.
func (r *Recorder) Append(ex *models.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el := r.ring.PushFront(ex)
	r.byID[ex.ID] = el
	r.accumulate(ex)

	for r.ring.Len() > r.capacity {
		oldest := r.ring.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*models.Exchange)
		r.ring.Remove(oldest)
		delete(r.byID, old.ID)
		r.deaccumulate(old)
	}
}

func (r *Recorder) accumulate(ex *models.Exchange) {
	r.total++
	if ex.HasResponse() {
		switch ex.Status / 100 {
		case 2:
			r.class2++
		case 3:
			r.class3++
		case 4:
			r.class4++
		case 5:
			r.class5++
		}
	}
	r.sumMS += ex.DurationMS
	if r.total == 1 || ex.DurationMS < r.minMS {
		r.minMS = ex.DurationMS
	}
	if ex.DurationMS > r.maxMS {
		r.maxMS = ex.DurationMS
	}
}

// deaccumulate removes an evicted exchange's contribution to the
// incremental aggregates it can cheaply maintain; min/max are left
// intact until the next Clear, matching the spec's "full rescan only
// required after clear" guarantee.
func (r *Recorder) deaccumulate(ex *models.Exchange) {
	r.total--
	if ex.HasResponse() {
		switch ex.Status / 100 {
		case 2:
			r.class2--
		case 3:
			r.class3--
		case 4:
			r.class4--
		case 5:
			r.class5--
		}
	}
	r.sumMS -= ex.DurationMS
}

// Get returns the exchange with the given id.
func (r *Recorder) Get(id string) (*models.Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	el, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*models.Exchange), true
}

// Clear empties the ring and resets every aggregate.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = list.New()
	r.byID = make(map[string]*list.Element)
	r.total, r.class2, r.class3, r.class4, r.class5 = 0, 0, 0, 0, 0
	r.sumMS, r.minMS, r.maxMS = 0, 0, 0
}

// Filter narrows a query over the recorded exchanges.
type Filter struct {
	Search      string
	Method      string
	Status      int
	MinDuration int64
	MaxDuration int64
}

// Query returns exchanges matching filter, newest-first.
func (r *Recorder) Query(f Filter) []*models.Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Exchange, 0, r.ring.Len())
	for el := r.ring.Front(); el != nil; el = el.Next() {
		ex := el.Value.(*models.Exchange)
		if !matches(ex, f) {
			continue
		}
		out = append(out, ex)
	}
	return out
}

func matches(ex *models.Exchange, f Filter) bool {
	if f.Search != "" {
		inURL := strings.Contains(ex.URL, f.Search)
		inReqBody := strings.Contains(string(ex.ReqBody), f.Search)
		inRespBody := strings.Contains(string(ex.RespBody), f.Search)
		if !inURL && !inReqBody && !inRespBody {
			return false
		}
	}
	if f.Method != "" && !strings.EqualFold(ex.Method, f.Method) {
		return false
	}
	if f.Status != 0 && ex.Status != f.Status {
		return false
	}
	if f.MinDuration != 0 && ex.DurationMS < f.MinDuration {
		return false
	}
	if f.MaxDuration != 0 && ex.DurationMS > f.MaxDuration {
		return false
	}
	return true
}

// Stats is the incrementally-maintained aggregate.
type Stats struct {
	Total int64 `json:"total"`
	Count2xx int64 `json:"count_2xx"`
	Count3xx int64 `json:"count_3xx"`
	Count4xx int64 `json:"count_4xx"`
	Count5xx int64 `json:"count_5xx"`
	AvgMS float64 `json:"avg_ms"`
	MinMS int64 `json:"min_ms"`
	MaxMS int64 `json:"max_ms"`
}

func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:    r.total,
		Count2xx: r.class2,
		Count3xx: r.class3,
		Count4xx: r.class4,
		Count5xx: r.class5,
		MinMS:    r.minMS,
		MaxMS:    r.maxMS,
	}
	if r.total > 0 {
		s.AvgMS = float64(r.sumMS) / float64(r.total)
	}
	return s
}

// EndpointStats is one row of the top-endpoints analytics rollup.
type EndpointStats struct {
	URL          string  `json:"url"`
	Count        int64   `json:"count"`
	AvgMS        float64 `json:"avg_ms"`
	ErrorCount   int64   `json:"error_count"`
	TotalMS      int64   `json:"total_ms"`
}

// TimelinePoint is one sample on the analytics timeline.
type TimelinePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	DurationMS int64    `json:"duration_ms"`
}

// Analytics is the dashboard rollup: method/status histograms, top-10
// endpoints by count, and a bounded timeline of the last ~1 hour.
type Analytics struct {
	MethodHistogram map[string]int64  `json:"method_histogram"`
	StatusHistogram map[int]int64     `json:"status_histogram"`
	TopEndpoints    []EndpointStats   `json:"top_endpoints"`
	Timeline        []TimelinePoint   `json:"timeline"`
}

const maxTimelinePoints = 10000

// Analytics computes the dashboard rollup with a single linear scan of
// the ring, acceptable because the ring is capacity-bounded.
func (r *Recorder) Analytics() Analytics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methodHist := make(map[string]int64)
	statusHist := make(map[int]int64)
	endpoints := make(map[string]*EndpointStats)
	var timeline []TimelinePoint

	cutoff := time.Now().Add(-1 * time.Hour)

	for el := r.ring.Front(); el != nil; el = el.Next() {
		ex := el.Value.(*models.Exchange)
		methodHist[ex.Method]++
		if ex.HasResponse() {
			statusHist[ex.Status]++
		}

		ep, ok := endpoints[ex.URL]
		if !ok {
			ep = &EndpointStats{URL: ex.URL}
			endpoints[ex.URL] = ep
		}
		ep.Count++
		ep.TotalMS += ex.DurationMS
		if ex.HasResponse() && ex.Status >= 400 {
			ep.ErrorCount++
		}

		if ex.StartedAt.After(cutoff) && len(timeline) < maxTimelinePoints {
			timeline = append(timeline, TimelinePoint{
				Timestamp:  ex.StartedAt,
				Method:     ex.Method,
				Status:     ex.Status,
				DurationMS: ex.DurationMS,
			})
		}
	}

	for _, ep := range endpoints {
		if ep.Count > 0 {
			ep.AvgMS = float64(ep.TotalMS) / float64(ep.Count)
		}
	}

	top := topN(endpoints, 10)

	return Analytics{
		MethodHistogram: methodHist,
		StatusHistogram: statusHist,
		TopEndpoints:    top,
		Timeline:        timeline,
	}
}

func topN(endpoints map[string]*EndpointStats, n int) []EndpointStats {
	all := make([]EndpointStats, 0, len(endpoints))
	for _, ep := range endpoints {
		all = append(all, *ep)
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Count > all[i].Count {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	return all
}
