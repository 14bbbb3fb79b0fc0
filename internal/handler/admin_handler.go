package handler

import (
	"net/http"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Operator views (service_role only)
// ============================================================

// listDeliveriesHandler serves GET /v1/admin/webhook-deliveries
// ?processed=false&correlation_id=...&limit=50.
func listDeliveriesHandler(settle *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/admin/webhook-deliveries")
		defer span.End()

		processed, err := parseOptionalBool(r, "processed")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		rows, err := settle.ListDeliveries(ctx, domain.DeliveryLogFilter{
			Processed:     processed,
			CorrelationID: r.URL.Query().Get("correlation_id"),
			Limit:         parseLimit(r),
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"deliveries": rows,
			"count":      len(rows),
		})
	}
}

func settlementStatsHandler(settle *service.SettlementService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, settle.Stats())
	}
}
