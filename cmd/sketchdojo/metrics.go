package main

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes request and render counters on a private registry, all namespaced "sketchdojo".
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	renders        *prometheus.CounterVec
	renderPanels   prometheus.Histogram
	lintIssues     *prometheus.CounterVec
	templateLoads  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchdojo",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sketchdojo",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		renders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchdojo",
			Name:      "renders_total",
			Help:      "Rendered documents by source (panels, fragment) and outcome",
		}, []string{"source", "outcome"}),
		renderPanels: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sketchdojo",
			Name:      "render_panels",
			Help:      "Number of panels per rendered document",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		lintIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchdojo",
			Name:      "lint_issues_total",
			Help:      "Vocabulary issues found in linted fragments, by issue code",
		}, []string{"code"}),
		templateLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchdojo",
			Name:      "template_refreshes_total",
			Help:      "Successful template refreshes by trigger (api, watcher)",
		}, []string{"trigger"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeRender(source string, panels int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.renders.WithLabelValues(source, outcome).Inc()
	if err == nil {
		m.renderPanels.Observe(float64(panels))
	}
}

func (m *Metrics) observeTemplateRefresh(trigger string) {
	m.templateLoads.WithLabelValues(trigger).Inc()
}

func (m *Metrics) observeLint(codes []string) {
	for _, c := range codes {
		m.lintIssues.WithLabelValues(c).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument counts and times every request passing through next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

var apiRoutes = []string{
	"/api/render", "/api/render/fragment", "/api/lint", "/api/renders", "/api/templates",
	"/api/stats/summary", "/api/stats/top_endpoints", "/api/auth/me", "/api/auth/keys",
	"/api/server/version", "/api/server/config", "/api/server/shutdown", "/api/server/restart",
}

// routeLabel collapses IDs and file names in a path so labels stay bounded.
func routeLabel(path string) string {
	switch {
	case path == "/" || path == "/health" || path == "/metrics":
		return path
	case strings.HasPrefix(path, "/static/"):
		return "/static/"
	case strings.HasPrefix(path, "/api/renders/"):
		if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/download") {
			return "/api/renders/{id}/download"
		}
		return "/api/renders/{id}"
	case strings.HasPrefix(path, "/api/auth/keys/"):
		return "/api/auth/keys/{id}"
	case strings.HasPrefix(path, "/api/templates/"):
		rest := strings.TrimPrefix(path, "/api/templates/")
		if rest == "refresh" || rest == "preview" {
			return path
		}
		return "/api/templates/{name}"
	case slices.Contains(apiRoutes, path):
		return path
	default:
		return "other"
	}
}
