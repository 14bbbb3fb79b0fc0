// Package service provides the business logic layer (use cases).
// SettlementService turns processor webhooks into ledger settlements;
// BillingService produces the payments and recurring charges they settle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/resilience"
	"github.com/boddenberg/pixgw-settlement-go/internal/port"
	"github.com/boddenberg/pixgw-settlement-go/internal/webhook"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var settleTracer = otel.Tracer("service/settlement")

const (
	replayCacheName = "replay"

	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500

	// maxStoredPrefix bounds the payload kept for bodies that could not be
	// read whole.
	maxStoredPrefix = 4 << 10

	// sharedSettlementTimeout bounds settlement work shared between
	// concurrent duplicates, which outlives any single request.
	sharedSettlementTimeout = 30 * time.Second
)

// SettlementConfig holds the webhook-facing switches.
type SettlementConfig struct {
	// WebhookSecret is the shared HMAC key. Empty disables verification.
	WebhookSecret string
	// RequireSignature rejects deliveries without a signature header when
	// a secret is configured.
	RequireSignature bool
	// RecurringCreditInCents credits recurring charges with the raw cent
	// value instead of major units.
	RecurringCreditInCents bool
}

// SettlementService receives webhook deliveries, records them and applies
// at most one balance credit per paid charge.
type SettlementService struct {
	ledger      port.LedgerStore
	deliveries  port.DeliveryLogStore
	replay      port.Cache[bool]
	bulkhead    *resilience.Bulkhead
	gate        webhook.Gate
	creditCents bool
	flight      singleflight.Group
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewSettlementService creates the settlement service with all dependencies injected.
func NewSettlementService(
	ledger port.LedgerStore,
	deliveries port.DeliveryLogStore,
	replay port.Cache[bool],
	bulkhead *resilience.Bulkhead,
	cfg SettlementConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SettlementService {
	return &SettlementService{
		ledger:      ledger,
		deliveries:  deliveries,
		replay:      replay,
		bulkhead:    bulkhead,
		gate:        webhook.Gate{Secret: cfg.WebhookSecret, RequireSignature: cfg.RequireSignature},
		creditCents: cfg.RecurringCreditInCents,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the clock used for paid-at and audit timestamps.
func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

// HandleDelivery authenticates, records, classifies and settles one webhook
// delivery. The returned error is one of *domain.ErrInvalidSignature,
// *domain.ErrMalformedPayload, *domain.ErrSettlement or a context error;
// every nil-error result means the processor should not retry.
func (s *SettlementService) HandleDelivery(ctx context.Context, body []byte, signature string) (*domain.DeliveryResult, error) {
	ctx, span := settleTracer.Start(ctx, "SettlementService.HandleDelivery")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("webhook_delivery", time.Since(start))
	}()

	sigErr := s.gate.Verify(body, signature)
	ev, parseErr := webhook.Parse(body)

	span.SetAttributes(
		attribute.String("webhook.event", ev.Name),
		attribute.String("correlation.id", ev.CorrelationID),
		attribute.Bool("webhook.signature_valid", sigErr == nil),
	)

	entry := &domain.WebhookDeliveryLog{
		EventType:      ev.Name,
		CorrelationID:  ev.CorrelationID,
		TransactionID:  ev.TransactionID,
		Status:         ev.Status,
		Value:          ev.Value,
		Payload:        webhook.RawJSON(body),
		SignatureValid: sigErr == nil,
		Outcome:        domain.OutcomePending,
		CreatedAt:      s.now(),
	}
	if sigErr != nil {
		entry.Outcome = domain.OutcomeRejected
		entry.ErrorMessage = "invalid signature"
	}

	deliveryID := s.record(ctx, entry)
	logger := s.logger.With(
		zap.String("delivery_id", deliveryID),
		zap.String("event", ev.Name),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("transaction_id", ev.TransactionID),
	)

	result := &domain.DeliveryResult{
		DeliveryID:    deliveryID,
		Event:         ev.Name,
		CorrelationID: ev.CorrelationID,
	}

	if sigErr != nil {
		logger.Warn("webhook rejected: signature mismatch", zap.Error(sigErr))
		s.metrics.IncrDelivery(ev.Name, domain.OutcomeRejected)
		return nil, sigErr
	}

	if parseErr != nil {
		logger.Warn("webhook rejected: malformed payload", zap.Error(parseErr))
		s.finish(ctx, deliveryID, false, domain.OutcomeError, parseErr, ev.Name)
		return nil, parseErr
	}

	if !ev.Relevant() {
		logger.Info("webhook ignored: event does not settle")
		result.Outcome = domain.OutcomeIgnored
		s.finish(ctx, deliveryID, true, result.Outcome, nil, ev.Name)
		return result, nil
	}

	if ev.CorrelationID == "" {
		err := &domain.ErrMalformedPayload{Reason: "missing correlation id"}
		logger.Warn("webhook rejected: no correlation id")
		s.finish(ctx, deliveryID, false, domain.OutcomeError, err, ev.Name)
		return nil, err
	}

	if _, hit := s.replay.Get(ev.CorrelationID); hit {
		s.metrics.IncrCacheHit(replayCacheName)
		logger.Info("webhook replay: correlation id settled recently")
		result.Outcome = domain.OutcomeReplay
		s.finish(ctx, deliveryID, true, result.Outcome, nil, ev.Name)
		return result, nil
	}
	s.metrics.IncrCacheMiss(replayCacheName)

	if err := s.bulkhead.Acquire(ctx); err != nil {
		err = &domain.ErrTimeout{Operation: "settlement"}
		logger.Warn("webhook settlement: no capacity before deadline")
		s.finish(ctx, deliveryID, false, domain.OutcomeError, err, ev.Name)
		return nil, err
	}
	defer s.bulkhead.Release()

	// Duplicates that join an in-flight settlement wait on work that must
	// not die with the request that started it.
	executed := false
	v, err, shared := s.flight.Do(ev.CorrelationID, func() (any, error) {
		executed = true
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedSettlementTimeout)
		defer cancel()
		return s.resolve(workCtx, ev, logger)
	})
	if err != nil {
		var settleErr *domain.ErrSettlement
		if errors.As(err, &settleErr) {
			s.metrics.IncrSettlementFailure(settleErr.Stage)
			logger.Error("webhook settlement failed",
				zap.String("settlement_stage", settleErr.Stage),
				zap.Error(err),
			)
		} else {
			logger.Error("webhook settlement failed", zap.Error(err))
		}
		span.RecordError(err)
		s.finish(ctx, deliveryID, false, domain.OutcomeError, err, ev.Name)
		return nil, err
	}

	result.Outcome = v.(domain.DeliveryOutcome)
	settled := result.Outcome == domain.OutcomeSettledPayment || result.Outcome == domain.OutcomeSettledRecurring
	if settled {
		s.replay.Set(ev.CorrelationID, true)
	}
	if shared && !executed {
		logger.Info("webhook replay: joined a concurrent settlement", zap.String("shared_outcome", string(result.Outcome)))
		if settled {
			result.Outcome = domain.OutcomeReplay
		}
	}
	s.finish(ctx, deliveryID, true, result.Outcome, nil, ev.Name)
	return result, nil
}

// RecordUnreadable audits a delivery whose body never reached HandleDelivery,
// such as one over the size limit. A prefix of what arrived is kept as a
// JSON string.
func (s *SettlementService) RecordUnreadable(ctx context.Context, prefix []byte, outcome domain.DeliveryOutcome, reason string) {
	if len(prefix) > maxStoredPrefix {
		prefix = prefix[:maxStoredPrefix]
	}
	payload, _ := json.Marshal(string(prefix))

	id := s.record(ctx, &domain.WebhookDeliveryLog{
		Payload:      payload,
		Outcome:      outcome,
		ErrorMessage: reason,
		CreatedAt:    s.now(),
	})
	s.metrics.IncrDelivery("", outcome)
	s.logger.Warn("webhook rejected before processing",
		zap.String("delivery_id", id),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int("prefix_bytes", len(prefix)),
	)
}

// resolve settles the entity the correlation id points at. One-off payments
// are tried first; recurring charges share their id with the correlation id.
func (s *SettlementService) resolve(ctx context.Context, ev webhook.Event, logger *zap.Logger) (domain.DeliveryOutcome, error) {
	ctx, span := settleTracer.Start(ctx, "SettlementService.resolve")
	defer span.End()

	req := domain.SettlementRequest{
		CorrelationID: ev.CorrelationID,
		TransactionID: ev.TransactionID,
		Amount:        domain.MinorToMajor(ev.Value),
		PaidAt:        s.now(),
	}

	paid, err := s.ledger.SettlePayment(ctx, req)
	if err != nil {
		return "", err
	}
	if paid != nil {
		credited, _ := paid.Credited.Float64()
		s.metrics.RecordSettlement("payment", credited)
		logger.Info("payment settled",
			zap.String("payment_id", paid.Payment.ID),
			zap.String("user_id", paid.Payment.UserID),
			zap.String("credited", paid.Credited.String()),
			zap.String("balance", paid.Balance.String()),
		)
		return domain.OutcomeSettledPayment, nil
	}

	if _, err := uuid.Parse(ev.CorrelationID); err != nil {
		logger.Info("no active payment for correlation id")
		return domain.OutcomeNoMatch, nil
	}

	if ev.TransactionID == "" {
		logger.Warn("recurring settlement without transaction id: duplicates cannot be detected")
	}

	rec, err := s.ledger.SettleRecurringCharge(ctx, domain.RecurringSettlementRequest{
		SettlementRequest: req,
		ChargeID:          ev.CorrelationID,
		CreditCents:       s.creditCents,
	})
	if err != nil {
		return "", err
	}
	if rec == nil {
		logger.Info("no active payment or recurring charge for correlation id")
		return domain.OutcomeNoMatch, nil
	}
	if rec.Replay {
		logger.Info("recurring cycle already recorded for transaction")
		return domain.OutcomeReplay, nil
	}

	credited, _ := rec.Credited.Float64()
	s.metrics.RecordSettlement("recurring", credited)
	logger.Info("recurring charge settled",
		zap.String("recurring_charge_id", rec.Charge.ID),
		zap.String("user_id", rec.Charge.UserID),
		zap.String("credited", rec.Credited.String()),
		zap.String("balance", rec.Balance.String()),
		zap.Time("next_charge_date", rec.Charge.NextChargeDate),
		zap.Int("total_charged", rec.Charge.TotalCharged),
	)
	return domain.OutcomeSettledRecurring, nil
}

// record writes the audit row. A failure is logged and counted; it never
// blocks processing.
func (s *SettlementService) record(ctx context.Context, entry *domain.WebhookDeliveryLog) string {
	id, err := s.deliveries.InsertDeliveryLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		s.metrics.IncrAuditLogFailure()
		s.logger.Error("webhook audit log insert failed",
			zap.String("event", entry.EventType),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Error(err),
		)
		return ""
	}
	return id
}

// finish stamps the audit row with the outcome and counts the delivery.
func (s *SettlementService) finish(ctx context.Context, id string, processed bool, outcome domain.DeliveryOutcome, cause error, event string) {
	s.metrics.IncrDelivery(event, outcome)
	if id == "" {
		return
	}

	upd := domain.DeliveryUpdate{
		Processed:   processed,
		Outcome:     outcome,
		ProcessedAt: s.now(),
	}
	if cause != nil {
		upd.ErrorMessage = cause.Error()
	}
	if err := s.deliveries.UpdateDeliveryLog(context.WithoutCancel(ctx), id, upd); err != nil {
		s.metrics.IncrAuditLogFailure()
		s.logger.Error("webhook audit log update failed",
			zap.String("delivery_id", id),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

// ============================================================
// Operator views
// ============================================================

// ListDeliveries returns audit rows, newest first.
func (s *SettlementService) ListDeliveries(ctx context.Context, filter domain.DeliveryLogFilter) ([]domain.WebhookDeliveryLog, error) {
	ctx, span := settleTracer.Start(ctx, "SettlementService.ListDeliveries")
	defer span.End()

	if filter.Limit <= 0 {
		filter.Limit = defaultDeliveryLimit
	}
	if filter.Limit > maxDeliveryLimit {
		filter.Limit = maxDeliveryLimit
	}
	return s.deliveries.ListDeliveryLogs(ctx, filter)
}

// Stats returns the cumulative settlement counters of this process.
func (s *SettlementService) Stats() *domain.SettlementStats {
	return s.metrics.SettlementSnapshot()
}
