// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageMessagesTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	submissionsTotal           *prometheus.CounterVec
	pageLoadsTotal             *prometheus.CounterVec
	claimsTotal                *prometheus.CounterVec
	llmRequestsTotal           *prometheus.CounterVec
	llmTokensTotal             *prometheus.CounterVec
	kbCacheLookupsTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_messages_total",
				Help: "Stage messages handled, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Histogram of stage handler latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tasks_total",
				Help: "Tasks reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_submissions_total",
				Help: "URL submissions, labeled by result (created or reused).",
			},
			[]string{"result"},
		)

		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_page_loads_total",
				Help: "Page loads, labeled by site, load status and renderer.",
			},
			[]string{"site", "status", "renderer"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_claims_total",
				Help: "Candidate claims, labeled by gatekeeper outcome and failing check.",
			},
			[]string{"outcome", "check"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_llm_requests_total",
				Help: "Generative model calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_llm_tokens_total",
				Help: "Tokens consumed, labeled by stage.",
			},
			[]string{"stage"},
		)

		kbCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_kb_cache_lookups_total",
				Help: "Knowledge-base cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter waits, labeled by limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"limiter"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_http_requests_total",
				Help: "Total number of ops and intake HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Workers currently handling a message, labeled by stage.",
			},
			[]string{"stage"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from rawURL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records one handled stage message.
func ObserveStage(stage, outcome string, duration time.Duration) {
	Init()
	stageMessagesTotal.WithLabelValues(stage, outcome).Inc()
	if duration > 0 {
		stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// ObserveTask increments the terminal task counter.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveSubmission records whether a submission created or reused a task.
func ObserveSubmission(reused bool) {
	Init()
	result := "created"
	if reused {
		result = "reused"
	}
	submissionsTotal.WithLabelValues(result).Inc()
}

// ObservePageLoad records a page load outcome.
func ObservePageLoad(site, status string, headless bool) {
	Init()
	renderer := "probe"
	if headless {
		renderer = "headless"
	}
	pageLoadsTotal.WithLabelValues(SanitizeSite(site), status, renderer).Inc()
}

// ObserveClaim counts a gatekeeper decision. check is empty for admitted claims.
func ObserveClaim(admitted bool, check string) {
	Init()
	outcome := "excluded"
	if admitted {
		outcome = "admitted"
		check = ""
	}
	claimsTotal.WithLabelValues(outcome, check).Inc()
}

// ObserveLLMRequest counts a model call by outcome.
func ObserveLLMRequest(outcome string) {
	Init()
	llmRequestsTotal.WithLabelValues(outcome).Inc()
}

// AddTokens adds consumed tokens for a stage.
func AddTokens(stage string, tokens int) {
	if tokens <= 0 {
		return
	}
	Init()
	llmTokensTotal.WithLabelValues(stage).Add(float64(tokens))
}

// ObserveCacheLookup records a cache hit or miss for a tier.
func ObserveCacheLookup(tier string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	kbCacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}
