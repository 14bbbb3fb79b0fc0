// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the settlement and
// billing services from the concrete ledger backends and the PIX processor.
package port

import (
	"context"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
)

// LedgerStore applies settlements. Each method is one atomic unit: either
// every write of the settlement lands or none does.
//
// A nil result with a nil error means nothing ACTIVE matched the request;
// callers treat that as an already-handled delivery.
type LedgerStore interface {
	// SettlePayment flips the ACTIVE payment with req.CorrelationID to
	// COMPLETED and credits its owner.
	SettlePayment(ctx context.Context, req domain.SettlementRequest) (*domain.PaymentSettlement, error)

	// SettleRecurringCharge records a paid cycle for the ACTIVE recurring
	// charge req.ChargeID, advances its schedule and credits its owner.
	SettleRecurringCharge(ctx context.Context, req domain.RecurringSettlementRequest) (*domain.RecurringSettlement, error)
}

// BillingStore persists the billing entities the settlement core resolves
// against.
type BillingStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error)
	GetPayment(ctx context.Context, userID, paymentID string) (*domain.Payment, error)
	CountActivePayments(ctx context.Context, userID string) (int, error)

	CreatePaymentLink(ctx context.Context, l *domain.PaymentLink) (*domain.PaymentLink, error)
	GetPaymentLink(ctx context.Context, linkID string) (*domain.PaymentLink, error)

	CreateRecurringCharge(ctx context.Context, c *domain.RecurringCharge) (*domain.RecurringCharge, error)
	GetRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error)
	CountActiveRecurringCharges(ctx context.Context, userID string) (int, error)
	// TransitionRecurringCharge moves the charge to `to` only if its current
	// status is one of `from`. Returns nil, nil when no row qualified.
	TransitionRecurringCharge(ctx context.Context, userID, chargeID string, from []domain.RecurringStatus, to domain.RecurringStatus) (*domain.RecurringCharge, error)
	ListChargeHistory(ctx context.Context, chargeID string) ([]domain.ChargeHistoryEntry, error)
}

// DeliveryLogStore persists the webhook audit trail.
type DeliveryLogStore interface {
	InsertDeliveryLog(ctx context.Context, log *domain.WebhookDeliveryLog) (string, error)
	UpdateDeliveryLog(ctx context.Context, id string, upd domain.DeliveryUpdate) error
	ListDeliveryLogs(ctx context.Context, filter domain.DeliveryLogFilter) ([]domain.WebhookDeliveryLog, error)
}

// Store is a full ledger backend.
type Store interface {
	LedgerStore
	BillingStore
	DeliveryLogStore
	Ping(ctx context.Context) error
}

// ChargeCreator creates charges at the PIX processor.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, req *domain.ChargeRequest) (*domain.Charge, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
