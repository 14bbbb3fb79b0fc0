package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Settlement via RPC (settle_payment / settle_recurring_charge)
// ============================================================

type paymentSettlementRow struct {
	Payment  domain.Payment  `json:"payment"`
	Credited decimal.Decimal `json:"credited"`
	Balance  decimal.Decimal `json:"balance"`
}

type recurringSettlementRow struct {
	Charge   domain.RecurringCharge    `json:"charge"`
	Entry    domain.ChargeHistoryEntry `json:"entry"`
	Credited decimal.Decimal           `json:"credited"`
	Balance  decimal.Decimal           `json:"balance"`
	Replay   bool                      `json:"replay"`
}

// SettlePayment calls settle_payment, which flips, credits and bumps link
// counters in one transaction. A null result means no ACTIVE payment matched.
func (c *Client) SettlePayment(ctx context.Context, req domain.SettlementRequest) (*domain.PaymentSettlement, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SettlePayment")
	defer span.End()
	span.SetAttributes(attribute.String("correlation.id", req.CorrelationID))

	var body []byte
	err := c.execute(ctx, true, func() error {
		var err error
		body, err = c.doRPC(ctx, "settle_payment", map[string]any{
			"p_correlation_id": req.CorrelationID,
			"p_transaction_id": req.TransactionID,
			"p_amount":         req.Amount,
			"p_paid_at":        timestamp(req.PaidAt),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, settlementErr(req.CorrelationID, domain.StageStatusUpdate, err)
	}
	if isNull(body) {
		return nil, nil
	}

	var row paymentSettlementRow
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, &domain.ErrSettlement{Stage: domain.StageCommit, CorrelationID: req.CorrelationID,
			Err: fmt.Errorf("decode settle_payment: %w", err)}
	}
	return &domain.PaymentSettlement{Payment: row.Payment, Credited: row.Credited, Balance: row.Balance}, nil
}

// SettleRecurringCharge calls settle_recurring_charge. The function locks the
// charge, dedupes on transaction id, appends history, advances the schedule
// and credits the owner.
func (c *Client) SettleRecurringCharge(ctx context.Context, req domain.RecurringSettlementRequest) (*domain.RecurringSettlement, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SettleRecurringCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("correlation.id", req.CorrelationID),
		attribute.String("recurring_charge.id", req.ChargeID),
	)

	var body []byte
	err := c.execute(ctx, true, func() error {
		var err error
		body, err = c.doRPC(ctx, "settle_recurring_charge", map[string]any{
			"p_charge_id":      req.ChargeID,
			"p_transaction_id": req.TransactionID,
			"p_amount":         req.Amount,
			"p_credit_cents":   req.CreditCents,
			"p_paid_at":        timestamp(req.PaidAt),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, settlementErr(req.CorrelationID, domain.StageSchedule, err)
	}
	if isNull(body) {
		return nil, nil
	}

	var row recurringSettlementRow
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, &domain.ErrSettlement{Stage: domain.StageCommit, CorrelationID: req.CorrelationID,
			Err: fmt.Errorf("decode settle_recurring_charge: %w", err)}
	}
	return &domain.RecurringSettlement{
		Charge:   row.Charge,
		Entry:    row.Entry,
		Credited: row.Credited,
		Balance:  row.Balance,
		Replay:   row.Replay,
	}, nil
}

// settlementErr maps an RPC failure to the settlement stage that raised it.
// The functions raise P0002 only when the owner row is missing.
func settlementErr(correlationID, fallback string, err error) error {
	stage := fallback
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoDataFound {
		stage = domain.StageBalanceCredit
	}
	return &domain.ErrSettlement{Stage: stage, CorrelationID: correlationID, Err: externalErr("settlement", err)}
}

func externalErr(resource string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: "supabase"}
	}
	return &domain.ErrExternalService{Service: "supabase/" + resource, Err: err}
}

func isNull(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
