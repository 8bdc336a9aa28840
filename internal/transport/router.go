package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/config"
	"github.com/quillgate/quillgate/internal/idempotency"
	"github.com/quillgate/quillgate/internal/ledger"
	"github.com/quillgate/quillgate/internal/observability"
	"github.com/quillgate/quillgate/internal/resume"
	"github.com/quillgate/quillgate/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Runtime    *workflow.Runtime
	Dispatcher *resume.Dispatcher
	Ledger     ledger.Ledger

	// Idempotency is optional; nil disables submission deduplication.
	Idempotency idempotency.Store

	// Authenticate overrides the JWT middleware; nil means no auth (tests).
	Authenticate func(http.Handler) http.Handler

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(BuildActorContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/v1/requests", handleSubmitRequest(deps))
		r.Get("/v1/requests/{requestId}", handleGetRequest(deps))
		r.Post("/v1/requests/{requestId}/resubmit", handleResubmitRequest(deps))

		r.Get("/v1/reviews/pending", handlePendingReviews(deps))
		r.Post("/v1/reviews/{instanceId}/decision", handleReviewDecision(deps))

		r.Post("/v1/billing/grants", handleGrant(deps))
		r.Get("/v1/accounts/{ownerId}/balance", handleBalance(deps))
	})

	return r
}
