package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Registry holds in-process counters for the ledger service.
type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	decisions  map[string]int64
	outcomes   map[string]int64
	errorCodes map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
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
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Decisions   map[string]int64        `json:"decisions"`
	Outcomes    map[string]int64        `json:"outcomes"`
	ErrorCodes  map[string]int64        `json:"error_codes"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decisions:  map[string]int64{},
		outcomes:   map[string]int64{},
		errorCodes: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
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

// IncDecision counts one engine event (created, replayed, rejected, ...).
func (r *Registry) IncDecision(kind string) {
	r.inc(r.decisions, strings.ToLower(kind))
}

// IncOutcome counts a terminal ledger status such as PROCESSED or FAILED.
func (r *Registry) IncOutcome(status string) {
	r.inc(r.outcomes, strings.ToUpper(status))
}

func (r *Registry) IncErrorCode(code string) {
	r.inc(r.errorCodes, strings.ToUpper(code))
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   copyCounts(r.decisions),
		Outcomes:    copyCounts(r.outcomes),
		ErrorCodes:  copyCounts(r.errorCodes),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Middleware records endpoint stats and latency keyed by the chi route
// pattern, falling back to the raw path outside a chi router.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := req.URL.Path
		if rc := chi.RouteContext(req.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		name := req.Method + " " + route
		elapsed := time.Since(start)
		r.Observe(name, status, elapsed)
		r.ObserveLatency(name, elapsed)
	})
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		header(b, "ledger_endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "ledger_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		header(b, "ledger_endpoint_error_count", "counter", "endpoint responses with status >= 400")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "ledger_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		header(b, "ledger_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "ledger_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		header(b, "ledger_decision_total", "counter", "idempotency engine events by kind")
		for _, k := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "ledger_decision_total{kind=%q} %d\n", k, snap.Decisions[k])
		}
		header(b, "ledger_outcome_total", "counter", "recorded terminal statuses")
		for _, k := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "ledger_outcome_total{status=%q} %d\n", k, snap.Outcomes[k])
		}
		header(b, "ledger_error_total", "counter", "engine rejections by error code")
		for _, k := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "ledger_error_total{code=%q} %d\n", k, snap.ErrorCodes[k])
		}
		header(b, "ledger_gauge", "gauge", "operational gauges")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "ledger_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			header(b, "ledger_latency_seconds", "histogram", "latency histogram")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "ledger_latency_seconds_bucket{endpoint=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "ledger_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ledger_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "ledger_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
