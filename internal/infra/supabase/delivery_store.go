package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/google/uuid"
)

var timeNow = time.Now

// ============================================================
// Webhook delivery audit trail (webhook_logs)
// ============================================================

func (c *Client) InsertDeliveryLog(ctx context.Context, log *domain.WebhookDeliveryLog) (string, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertDeliveryLog")
	defer span.End()

	id := uuid.NewString()
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = timeNow()
	}
	outcome := log.Outcome
	if outcome == "" {
		outcome = domain.OutcomePending
	}

	row := map[string]any{
		"id":              id,
		"event_type":      log.EventType,
		"correlation_id":  nullable(log.CorrelationID),
		"transaction_id":  nullable(log.TransactionID),
		"status":          nullable(log.Status),
		"value":           log.Value,
		"payload":         log.Payload,
		"signature_valid": log.SignatureValid,
		"processed":       log.Processed,
		"outcome":         outcome,
		"error_message":   nullable(log.ErrorMessage),
		"created_at":      timestamp(createdAt),
	}

	err := c.execute(ctx, false, func() error {
		_, err := c.doPost(ctx, "webhook_logs", row)
		return err
	})
	if err != nil {
		return "", externalErr("webhook_logs", err)
	}
	return id, nil
}

func (c *Client) UpdateDeliveryLog(ctx context.Context, id string, upd domain.DeliveryUpdate) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateDeliveryLog")
	defer span.End()

	var updated bool
	err := c.execute(ctx, true, func() error {
		body, err := c.doPatch(ctx, "webhook_logs?"+eq("id", id), map[string]any{
			"processed":     upd.Processed,
			"outcome":       upd.Outcome,
			"error_message": nullable(upd.ErrorMessage),
			"processed_at":  timestamp(upd.ProcessedAt),
		})
		if err != nil {
			return err
		}
		row, err := decodeFirst[json.RawMessage](body)
		updated = row != nil
		return err
	})
	if err != nil {
		return externalErr("webhook_logs", err)
	}
	if !updated {
		return &domain.ErrNotFound{Resource: "webhook_delivery", ID: id}
	}
	return nil
}

func (c *Client) ListDeliveryLogs(ctx context.Context, filter domain.DeliveryLogFilter) ([]domain.WebhookDeliveryLog, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListDeliveryLogs")
	defer span.End()

	path := "webhook_logs?order=created_at.desc"
	if filter.Processed != nil {
		path += "&processed=eq." + strconv.FormatBool(*filter.Processed)
	}
	if filter.CorrelationID != "" {
		path += "&" + eq("correlation_id", filter.CorrelationID)
	}
	if filter.Limit > 0 {
		path += fmt.Sprintf("&limit=%d", filter.Limit)
	}

	rows := make([]domain.WebhookDeliveryLog, 0)
	err := c.execute(ctx, true, func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil || len(body) == 0 {
			return err
		}
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, externalErr("webhook_logs", err)
	}
	return rows, nil
}
