package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
// store backs the health checks; tokens may be nil, in which case the
// BaaS-protected routes answer 503.
func NewRouter(
	settle *service.SettlementService,
	billing *service.BillingService,
	tokens *service.TokenVerifier,
	store Pinger,
	metrics *observability.Metrics,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(store))
	r.Get("/readyz", readyzHandler(store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- Processor webhook ---
	webhookHandler := openPixWebhookHandler(settle, logger)
	r.Post("/api/webhook/openpix", webhookHandler)

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/openpix", webhookHandler)

		// Payer side of a payment link
		r.Post("/public/payment-links/{id}/charges", payLinkHandler(billing, logger))

		if tokens == nil {
			unavailable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "token verification not configured")
			})
			for _, prefix := range []string{"/payments", "/payment-links", "/recurring-charges", "/me", "/admin"} {
				r.Handle(prefix, unavailable)
				r.Handle(prefix+"/*", unavailable)
			}
			return
		}

		// =============================================
		// Billing producers (BaaS user token)
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(BaaSAuthMiddleware(tokens, logger))
			r.Use(RequireUser(logger))

			r.Post("/payments", createPaymentHandler(billing, logger))
			r.Get("/payments/{id}", getPaymentHandler(billing, logger))

			r.Post("/payment-links", createPaymentLinkHandler(billing, logger))
			r.Get("/payment-links/{id}", getPaymentLinkHandler(billing, logger))

			r.Post("/recurring-charges", createRecurringChargeHandler(billing, logger))
			r.Get("/recurring-charges/{id}", getRecurringChargeHandler(billing, logger))
			r.Post("/recurring-charges/{id}/pause", transitionRecurringChargeHandler("pause", billing.PauseRecurringCharge, logger))
			r.Post("/recurring-charges/{id}/resume", transitionRecurringChargeHandler("resume", billing.ResumeRecurringCharge, logger))
			r.Post("/recurring-charges/{id}/cancel", transitionRecurringChargeHandler("cancel", billing.CancelRecurringCharge, logger))
			r.Get("/recurring-charges/{id}/history", chargeHistoryHandler(billing, logger))

			r.Get("/me/summary", summaryHandler(billing, logger))
		})

		// =============================================
		// Operators (service_role token)
		// =============================================
		r.Route("/admin", func(r chi.Router) {
			r.Use(BaaSAuthMiddleware(tokens, logger))
			r.Use(RequireRole(service.RoleServiceRole, logger))

			r.Get("/webhook-deliveries", listDeliveriesHandler(settle, logger))
			r.Get("/settlement-stats", settlementStatsHandler(settle))
		})
	})

	return r
}

// ============================================================
// Probes
// ============================================================

func healthzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "pixgw-settlement", Status: "healthy", LastChecked: now},
		}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			err := store.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "ledger", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.Warn("readiness: ledger unreachable", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
