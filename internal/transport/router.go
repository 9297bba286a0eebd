package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/capability"
	"github.com/memoright/memoright-ops/internal/idempotency"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/internal/recovery"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Logger       *zap.Logger
	Registry     *recovery.Registry
	Executor     *recovery.Executor
	Events       *recovery.EventLog
	Authenticate func(http.Handler) http.Handler

	// Optional. Nil allows every authenticated actor to call every route.
	Authorizer Authorizer

	// Optional. Nil ignores Idempotency-Key headers.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Optional. Nil disables request metrics; MetricsHandler defaults to the
	// global Prometheus registry.
	Metrics        *observability.Metrics
	MetricsPath    string
	MetricsHandler http.Handler

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	if deps.Readiness.RegistryReady == nil && deps.Registry != nil {
		deps.Readiness.RegistryReady = deps.Registry.Ready
	}
	r.Get("/ready", observability.HandleReady(deps.Readiness))

	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	r.Method(http.MethodGet, metricsPath, metricsHandler)

	idemTTL := deps.IdempotencyTTL
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = HeaderAuthenticator
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(RequestLogging(logger))
		r.Use(auth)

		can := func(c string) func(http.Handler) http.Handler {
			return Authorize(deps.Authorizer, c, logger)
		}

		r.Route("/plans", func(r chi.Router) {
			r.With(can(capability.PlansRead)).Get("/", handlePlanList(deps.Registry))
			r.With(can(capability.PlansWrite)).Post("/", handlePlanRegister(deps.Registry))

			r.Route("/{planId}", func(r chi.Router) {
				r.With(can(capability.PlansRead)).Get("/", handlePlanGet(deps.Registry))
				r.With(can(capability.PlansDelete)).Delete("/", handlePlanDelete(deps.Registry, deps.Events))
				r.With(can(capability.PlansExecute)).Post("/execute", handlePlanExecute(deps.Executor, deps.Idempotency, idemTTL))
				r.With(can(capability.PlansCancel)).Post("/cancel", handlePlanCancel(deps.Executor))
				r.With(can(capability.PlansReset)).Post("/reset", handlePlanReset(deps.Executor))
				r.With(can(capability.PlansRead)).Get("/events", handlePlanEvents(deps.Registry, deps.Events))
			})
		})
	})

	return r
}
