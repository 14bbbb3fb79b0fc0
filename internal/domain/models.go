// Package domain defines the core billing and settlement entities of the
// PIX gateway. These models are independent of the storage backend and are
// the canonical data structures passed between handlers, services and stores.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Users / Balances
// ============================================================

// User is the balance-holding side of a BaaS auth identity.
// Balance credits come only from settlement; debits come from withdrawals.
type User struct {
	ID             string          `json:"id"`
	Balance        decimal.Decimal `json:"balance"`
	TotalReceived  decimal.Decimal `json:"total_received"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ============================================================
// Payments / Payment Links
// ============================================================

// PaymentStatus is the lifecycle state of a one-off payment.
type PaymentStatus string

const (
	PaymentActive    PaymentStatus = "ACTIVE"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are accepted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentExpired
}

// Payment is a one-off PIX charge, optionally derived from a payment link.
type Payment struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id"`
	PaymentLinkID string          `json:"payment_link_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	BRCode        string          `json:"br_code,omitempty"`
	QRCodeImage   string          `json:"qr_code_image,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaymentLinkStatus is the state of a reusable payment link.
type PaymentLinkStatus string

const (
	PaymentLinkActive   PaymentLinkStatus = "ACTIVE"
	PaymentLinkInactive PaymentLinkStatus = "INACTIVE"
)

// PaymentLink is a reusable page that spawns one Payment per payer.
type PaymentLink struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        PaymentLinkStatus `json:"status"`
	PaymentsCount int               `json:"payments_count"`
	TotalReceived decimal.Decimal   `json:"total_received"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ============================================================
// Recurring Charges
// ============================================================

// RecurringStatus is the scheduling state of a recurring charge.
type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "ACTIVE"
	RecurringPaused    RecurringStatus = "PAUSED"
	RecurringCancelled RecurringStatus = "CANCELLED"
)

// RecurringCharge is a subscription-like bill. Its id doubles as the
// correlation id shared with the PIX processor. Payments never change its
// status; they only advance the schedule.
type RecurringCharge struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty"`
	Frequency         Frequency       `json:"frequency"`
	Status            RecurringStatus `json:"status"`
	NextChargeDate    time.Time       `json:"next_charge_date"`
	LastChargeDate    *time.Time      `json:"last_charge_date,omitempty"`
	TotalCharged      int             `json:"total_charged"`
	LastTransactionID string          `json:"last_transaction_id,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	CustomerPhone     string          `json:"customer_phone,omitempty"`
	CustomerTaxID     string          `json:"customer_tax_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ChargeHistoryStatus is the status recorded on a charge history entry.
type ChargeHistoryStatus string

const ChargeHistoryPaid ChargeHistoryStatus = "PAID"

// ChargeHistoryEntry is an append-only record of one paid recurring cycle.
type ChargeHistoryEntry struct {
	ID                string              `json:"id"`
	RecurringChargeID string              `json:"recurring_charge_id"`
	Amount            decimal.Decimal     `json:"amount"`
	Status            ChargeHistoryStatus `json:"status"`
	TransactionID     string              `json:"transaction_id,omitempty"`
	ChargeDate        time.Time           `json:"charge_date"`
}

// ============================================================
// Settlement requests / results
// ============================================================

// SettlementRequest carries what a webhook tells us about a paid charge.
// Amount is in major units; zero means "credit the stored amount".
type SettlementRequest struct {
	CorrelationID string
	TransactionID string
	Amount        decimal.Decimal
	PaidAt        time.Time
}

// RecurringSettlementRequest targets a recurring charge by its id. The next
// charge date is derived from PaidAt with NextChargeDate once the charge row
// is locked.
type RecurringSettlementRequest struct {
	SettlementRequest
	ChargeID string
	// CreditCents credits Amount*100 instead of Amount. Compatibility switch
	// for deployments that relied on recurring credits being stored in cents.
	CreditCents bool
}

// CreditAmount resolves the amount actually credited for a charge whose
// stored amount is stored.
func (r RecurringSettlementRequest) CreditAmount(stored decimal.Decimal) decimal.Decimal {
	amount := r.Amount
	if !amount.IsPositive() {
		amount = stored
	}
	if r.CreditCents {
		return amount.Shift(2)
	}
	return amount
}

// CreditAmount resolves the amount credited for a payment whose stored
// amount is stored.
func (r SettlementRequest) CreditAmount(stored decimal.Decimal) decimal.Decimal {
	if r.Amount.IsPositive() {
		return r.Amount
	}
	return stored
}

// PaymentSettlement describes a payment that was flipped to COMPLETED.
type PaymentSettlement struct {
	Payment  Payment
	Credited decimal.Decimal
	Balance  decimal.Decimal
}

// RecurringSettlement describes a recurring cycle that was paid.
// Replay is true when the transaction had already been recorded.
type RecurringSettlement struct {
	Charge   RecurringCharge
	Entry    ChargeHistoryEntry
	Credited decimal.Decimal
	Balance  decimal.Decimal
	Replay   bool
}

// ============================================================
// Outbound charge creation (PIX processor)
// ============================================================

// ChargeCustomer identifies the payer on an outbound charge.
type ChargeCustomer struct {
	Name  string `json:"name" validate:"required,min=2,max=120"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=8,max=20"`
	TaxID string `json:"tax_id,omitempty" validate:"omitempty,min=11,max=18"`
}

// ChargeRequest is sent to the PIX processor. Value is in cents.
type ChargeRequest struct {
	CorrelationID string
	Value         int64
	Comment       string
	Customer      *ChargeCustomer
}

// Charge is the processor's view of a created charge.
type Charge struct {
	CorrelationID string     `json:"correlation_id"`
	BRCode        string     `json:"br_code"`
	QRCodeImage   string     `json:"qr_code_image,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ============================================================
// Billing producer requests
// ============================================================

// CreatePaymentRequest is the payload of POST /v1/payments.
type CreatePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=140"`
	Customer    *ChargeCustomer `json:"customer" validate:"omitempty"`
}

// CreatePaymentLinkRequest is the payload of POST /v1/payment-links.
type CreatePaymentLinkRequest struct {
	Title       string          `json:"title" validate:"required,min=3,max=80"`
	Description string          `json:"description" validate:"max=280"`
	Amount      decimal.Decimal `json:"amount"`
}

// PayLinkRequest is the payload a payer sends to open a link charge.
type PayLinkRequest struct {
	Customer *ChargeCustomer `json:"customer" validate:"omitempty"`
}

// CreateRecurringChargeRequest is the payload of POST /v1/recurring-charges.
type CreateRecurringChargeRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Frequency       Frequency       `json:"frequency" validate:"required,oneof=weekly monthly semiannual annual"`
	Description     string          `json:"description" validate:"max=140"`
	Customer        *ChargeCustomer `json:"customer" validate:"required"`
	FirstChargeDate *time.Time      `json:"first_charge_date,omitempty"`
}

// RecurringChargeCreated pairs a new recurring charge with the processor
// charge issued for its first cycle.
type RecurringChargeCreated struct {
	RecurringCharge RecurringCharge `json:"recurring_charge"`
	FirstCharge     Charge          `json:"first_charge"`
}

// UserSummary is the dashboard view of a user's ledger position.
type UserSummary struct {
	User                   User `json:"user"`
	ActivePayments         int  `json:"active_payments"`
	ActiveRecurringCharges int  `json:"active_recurring_charges"`
}
