package domain

import (
	"encoding/json"
	"time"
)

// ============================================================
// Webhook delivery audit trail
// ============================================================

// DeliveryOutcome records what the settlement core did with a delivery.
type DeliveryOutcome string

const (
	OutcomePending          DeliveryOutcome = "pending"
	OutcomeSettledPayment   DeliveryOutcome = "settled_payment"
	OutcomeSettledRecurring DeliveryOutcome = "settled_recurring"
	OutcomeNoMatch          DeliveryOutcome = "no_match"
	OutcomeIgnored          DeliveryOutcome = "ignored"
	OutcomeReplay           DeliveryOutcome = "replay"
	OutcomeRejected         DeliveryOutcome = "rejected"
	OutcomeError            DeliveryOutcome = "error"
)

// WebhookDeliveryLog is the append-only forensic record of one inbound
// webhook. It is written before any business processing and updated once
// afterwards.
type WebhookDeliveryLog struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Value          int64           `json:"value"`
	Payload        json.RawMessage `json:"payload"`
	SignatureValid bool            `json:"signature_valid"`
	Processed      bool            `json:"processed"`
	Outcome        DeliveryOutcome `json:"outcome"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// DeliveryUpdate is applied to a delivery log after processing.
type DeliveryUpdate struct {
	Processed    bool
	Outcome      DeliveryOutcome
	ErrorMessage string
	ProcessedAt  time.Time
}

// DeliveryLogFilter narrows the forensic listing.
type DeliveryLogFilter struct {
	Processed     *bool
	CorrelationID string
	Limit         int
}

// DeliveryResult is returned to the webhook handler.
type DeliveryResult struct {
	DeliveryID    string          `json:"delivery_id,omitempty"`
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Outcome       DeliveryOutcome `json:"outcome"`
}

// SettlementStats is a counter snapshot served to operators.
type SettlementStats struct {
	DeliveriesTotal    int64   `json:"deliveries_total"`
	PaymentsSettled    int64   `json:"payments_settled"`
	RecurringSettled   int64   `json:"recurring_settled"`
	NoMatch            int64   `json:"no_match"`
	Replays            int64   `json:"replays"`
	Rejected           int64   `json:"rejected"`
	Errors             int64   `json:"errors"`
	AuditLogFailures   int64   `json:"audit_log_failures"`
	CreditedPayments   float64 `json:"credited_payments"`
	CreditedRecurring  float64 `json:"credited_recurring"`
	ReplayCacheHitRate float64 `json:"replay_cache_hit_rate"`
}
