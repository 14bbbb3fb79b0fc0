package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"
	"github.com/boddenberg/pixgw-settlement-go/internal/webhook"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxRequestBody caps inbound bodies. OpenPix deliveries are a few KB.
const maxRequestBody = 1 << 20

// ============================================================
// OpenPix webhook: POST /v1/webhooks/openpix
// ============================================================

// The processor redelivers on any non-2xx, so every outcome that must not
// be retried (settled, replay, no match, ignored) answers 200.
func openPixWebhookHandler(settle *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/webhooks/openpix")
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			span.RecordError(err)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				settle.RecordUnreadable(ctx, body, domain.OutcomeRejected, "payload too large")
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			settle.RecordUnreadable(ctx, body, domain.OutcomeError, "could not read request body: "+err.Error())
			writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}

		result, err := settle.HandleDelivery(ctx, body, r.Header.Get(webhook.SignatureHeader))
		if err != nil {
			span.RecordError(err)
			handleServiceError(w, err, logger)
			return
		}

		span.SetAttributes(attribute.String("webhook.outcome", string(result.Outcome)))
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Success: true, Outcome: result.Outcome})
	}
}
