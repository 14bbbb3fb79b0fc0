package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Payments
// ============================================================

func createPaymentHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments")
		defer span.End()

		var req domain.CreatePaymentRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p, err := billing.CreatePayment(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func getPaymentHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments/{id}")
		defer span.End()

		p, err := billing.GetPayment(ctx, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ============================================================
// Payment links
// ============================================================

func createPaymentLinkHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payment-links")
		defer span.End()

		var req domain.CreatePaymentLinkRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		link, err := billing.CreatePaymentLink(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	}
}

func getPaymentLinkHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payment-links/{id}")
		defer span.End()

		link, err := billing.GetPaymentLink(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if link.UserID != UserIDFromContext(ctx) {
			writeError(w, http.StatusNotFound, (&domain.ErrNotFound{Resource: "payment_link", ID: link.ID}).Error())
			return
		}
		writeJSON(w, http.StatusOK, link)
	}
}

// payLinkHandler is the payer side of a link and needs no token.
func payLinkHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/public/payment-links/{id}/charges")
		defer span.End()

		linkID := chi.URLParam(r, "id")
		span.SetAttributes(attribute.String("payment_link.id", linkID))

		var req domain.PayLinkRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p, err := billing.PayLink(ctx, linkID, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, domain.Charge{
			CorrelationID: p.CorrelationID,
			BRCode:        p.BRCode,
			QRCodeImage:   p.QRCodeImage,
			ExpiresAt:     p.ExpiresAt,
		})
	}
}

// ============================================================
// Recurring charges
// ============================================================

func createRecurringChargeHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/recurring-charges")
		defer span.End()

		var req domain.CreateRecurringChargeRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		created, err := billing.CreateRecurringCharge(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func getRecurringChargeHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/recurring-charges/{id}")
		defer span.End()

		rc, err := billing.GetRecurringCharge(ctx, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rc)
	}
}

type transitionFunc func(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error)

// transitionRecurringChargeHandler serves pause, resume and cancel.
func transitionRecurringChargeHandler(name string, op transitionFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/recurring-charges/{id}/"+name)
		defer span.End()

		rc, err := op(ctx, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rc)
	}
}

func chargeHistoryHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/recurring-charges/{id}/history")
		defer span.End()

		entries, err := billing.ChargeHistory(ctx, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
	}
}

// ============================================================
// Dashboard
// ============================================================

func summaryHandler(billing *service.BillingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/me/summary")
		defer span.End()

		sum, err := billing.Summary(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}
