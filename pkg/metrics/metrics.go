// Package metrics is a small JSON metrics registry: per-endpoint request
// stats plus validation outcome and reason counters.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"enigmacode/pkg/httpx"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	reason        map[string]int64
	tamperReports int64
	obfuscations  int64
	loadersBuilt  int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Outcomes      map[string]int64        `json:"outcomes"`
	Reasons       map[string]int64        `json:"reasons"`
	TamperReports int64                   `json:"tamper_reports_total"`
	Obfuscations  int64                   `json:"obfuscations_total"`
	LoadersBuilt  int64                   `json:"loaders_built_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		reason:   map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts a validation outcome (OK or a rejection reason code).
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncReason counts the rejection reason independently of the endpoint.
func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncTamperReports() {
	r.mu.Lock()
	r.tamperReports++
	r.mu.Unlock()
}

func (r *Registry) IncObfuscations() {
	r.mu.Lock()
	r.obfuscations++
	r.mu.Unlock()
}

func (r *Registry) IncLoadersBuilt() {
	r.mu.Lock()
	r.loadersBuilt++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     map[string]EndpointStat{},
		Outcomes:      map[string]int64{},
		Reasons:       map[string]int64{},
		TamperReports: r.tamperReports,
		Obfuscations:  r.obfuscations,
		LoadersBuilt:  r.loadersBuilt,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		snap.Outcomes[k] = v
	}
	for k, v := range r.reason {
		snap.Reasons[k] = v
	}
	return snap
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}
