package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoright/memoright-ops/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300}
	planDurationBuckets = []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}
)

// Metrics holds all Prometheus metric instruments for the recovery service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Plan metrics
	PlanExecutionsTotal  *prometheus.CounterVec
	PlanCompletionsTotal *prometheus.CounterVec
	PlanActive           *prometheus.GaugeVec
	PlanDuration         *prometheus.HistogramVec
	PlansRegistered      prometheus.Gauge

	// Step metrics
	StepOutcomesTotal *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec

	// Side-effect metrics
	NotificationsTotal       *prometheus.CounterVec
	NotifierCircuitState     *prometheus.GaugeVec
	PersistenceFailuresTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memoright_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		PlanExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_plan_executions_total",
			Help: "Total number of recovery plan executions started.",
		}, []string{"plan_id", "trigger_type"}),
		PlanCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_plan_completions_total",
			Help: "Total number of recovery plan executions that reached a terminal status.",
		}, []string{"plan_id", "final_status"}),
		PlanActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memoright_plan_active",
			Help: "Number of in-progress executions per plan.",
		}, []string{"plan_id"}),
		PlanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memoright_plan_duration_seconds",
			Help:    "Recovery plan execution duration in seconds.",
			Buckets: planDurationBuckets,
		}, []string{"plan_id"}),
		PlansRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memoright_plans_registered",
			Help: "Number of plans held by the registry.",
		}),

		StepOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_step_outcomes_total",
			Help: "Total number of step outcomes by status.",
		}, []string{"plan_id", "step_id", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memoright_step_duration_seconds",
			Help:    "Step handler duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"plan_id", "step_id"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_notifications_total",
			Help: "Total number of notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		NotifierCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memoright_notifier_circuit_breaker_state",
			Help: "Notification channel circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"channel"}),
		PersistenceFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoright_persistence_failures_total",
			Help: "Total number of failed plan saves.",
		}, []string{"plan_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PlanExecutionsTotal,
		m.PlanCompletionsTotal,
		m.PlanActive,
		m.PlanDuration,
		m.PlansRegistered,
		m.StepOutcomesTotal,
		m.StepDuration,
		m.NotificationsTotal,
		m.NotifierCircuitState,
		m.PersistenceFailuresTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordPlanStart records the start of a plan execution.
func (m *Metrics) RecordPlanStart(planID string, trigger model.TriggerType) {
	m.PlanExecutionsTotal.WithLabelValues(planID, string(trigger)).Inc()
	m.PlanActive.WithLabelValues(planID).Inc()
}

// RecordPlanCompletion records a plan reaching a terminal status.
func (m *Metrics) RecordPlanCompletion(planID string, status model.Status, duration time.Duration) {
	m.PlanCompletionsTotal.WithLabelValues(planID, string(status)).Inc()
	m.PlanActive.WithLabelValues(planID).Dec()
	if duration > 0 {
		m.PlanDuration.WithLabelValues(planID).Observe(duration.Seconds())
	}
}

// RecordStepOutcome records a step reaching a terminal status.
func (m *Metrics) RecordStepOutcome(planID, stepID string, status model.Status, duration time.Duration) {
	m.StepOutcomesTotal.WithLabelValues(planID, stepID, string(status)).Inc()
	if duration > 0 {
		m.StepDuration.WithLabelValues(planID, stepID).Observe(duration.Seconds())
	}
}

// SetPlansRegistered sets the number of registered plans.
func (m *Metrics) SetPlansRegistered(count int) {
	m.PlansRegistered.Set(float64(count))
}

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(channel, outcome string) {
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// SetNotifierCircuitState sets the circuit breaker state for a channel.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitState(channel string, state float64) {
	m.NotifierCircuitState.WithLabelValues(channel).Set(state)
}

// RecordPersistenceFailure records a failed plan save.
func (m *Metrics) RecordPersistenceFailure(planID string) {
	m.PersistenceFailuresTotal.WithLabelValues(planID).Inc()
}

// HandleEvent updates plan and step metrics from executor events.
func (m *Metrics) HandleEvent(_ context.Context, ev model.PlanEvent) {
	switch ev.Type {
	case model.EventPlanStarted:
		m.RecordPlanStart(ev.PlanID, ev.TriggerType)
	case model.EventPlanCompleted, model.EventPlanFailed, model.EventPlanCancelled:
		m.RecordPlanCompletion(ev.PlanID, ev.Status, ev.Duration)
	case model.EventStepCompleted, model.EventStepFailed, model.EventStepCancelled:
		m.RecordStepOutcome(ev.PlanID, ev.StepID, ev.Status, ev.Duration)
	}
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the response status for the metrics and tracing
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
