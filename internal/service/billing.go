package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/port"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var billingTracer = otel.Tracer("service/billing")

// BillingService creates the billing entities that webhooks later settle and
// drives the recurring charge state machine.
type BillingService struct {
	store    port.BillingStore
	charges  port.ChargeCreator
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewBillingService creates a new billing service.
func NewBillingService(store port.BillingStore, charges port.ChargeCreator, metrics *observability.Metrics, logger *zap.Logger) *BillingService {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &BillingService{
		store:    store,
		charges:  charges,
		validate: v,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for default schedule dates.
func (s *BillingService) WithClock(now func() time.Time) *BillingService {
	s.now = now
	return s
}

// check runs struct validation and reports the first failure as ErrValidation.
func (s *BillingService) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := fmt.Sprintf("failed %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
		}
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		return &domain.ErrValidation{Field: field, Message: msg}
	}
	return &domain.ErrValidation{Field: "body", Message: err.Error()}
}

// requireOwner rejects calls without an owning user. Owner-scoped reads
// must never fall through to an unscoped lookup.
func requireOwner(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &domain.ErrUnauthorized{Message: "user required"}
	}
	return nil
}

// positiveAmount rejects zero, negative and sub-cent amounts.
func positiveAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &domain.ErrValidation{Field: "amount", Message: "must be greater than zero"}
	}
	if !amount.Equal(amount.Round(2)) {
		return &domain.ErrValidation{Field: "amount", Message: "must have at most two decimal places"}
	}
	return nil
}

func (s *BillingService) issueCharge(ctx context.Context, correlationID string, amount decimal.Decimal, comment string, customer *domain.ChargeCustomer) (*domain.Charge, error) {
	start := time.Now()
	charge, err := s.charges.CreateCharge(ctx, &domain.ChargeRequest{
		CorrelationID: correlationID,
		Value:         domain.MajorToMinor(amount),
		Comment:       comment,
		Customer:      customer,
	})
	s.metrics.RecordRequestDuration("openpix_create_charge", time.Since(start))
	if err != nil {
		s.metrics.IncrExternalError("openpix")
		s.logger.Error("pix charge creation failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create pix charge: %w", err)
	}
	return charge, nil
}

// ============================================================
// Payments
// ============================================================

// CreatePayment issues a PIX charge and stores the ACTIVE payment that its
// webhook will settle.
func (s *BillingService) CreatePayment(ctx context.Context, userID string, req *domain.CreatePaymentRequest) (*domain.Payment, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.CreatePayment")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", userID))

	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := positiveAmount(req.Amount); err != nil {
		return nil, err
	}

	return s.openPayment(ctx, userID, "", req.Amount, req.Description, req.Customer)
}

func (s *BillingService) openPayment(ctx context.Context, userID, linkID string, amount decimal.Decimal, description string, customer *domain.ChargeCustomer) (*domain.Payment, error) {
	correlationID := uuid.NewString()
	charge, err := s.issueCharge(ctx, correlationID, amount, description, customer)
	if err != nil {
		return nil, err
	}

	p, err := s.store.CreatePayment(ctx, &domain.Payment{
		UserID:        userID,
		CorrelationID: correlationID,
		PaymentLinkID: linkID,
		Amount:        amount,
		Description:   description,
		Status:        domain.PaymentActive,
		BRCode:        charge.BRCode,
		QRCodeImage:   charge.QRCodeImage,
		ExpiresAt:     charge.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("store payment: %w", err)
	}

	s.logger.Info("payment created",
		zap.String("payment_id", p.ID),
		zap.String("user_id", userID),
		zap.String("correlation_id", correlationID),
		zap.String("amount", amount.String()),
	)
	return p, nil
}

// GetPayment returns a payment owned by userID.
func (s *BillingService) GetPayment(ctx context.Context, userID, paymentID string) (*domain.Payment, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.GetPayment")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	return s.store.GetPayment(ctx, userID, paymentID)
}

// ============================================================
// Payment links
// ============================================================

func (s *BillingService) CreatePaymentLink(ctx context.Context, userID string, req *domain.CreatePaymentLinkRequest) (*domain.PaymentLink, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.CreatePaymentLink")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := positiveAmount(req.Amount); err != nil {
		return nil, err
	}

	return s.store.CreatePaymentLink(ctx, &domain.PaymentLink{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		Status:      domain.PaymentLinkActive,
	})
}

func (s *BillingService) GetPaymentLink(ctx context.Context, linkID string) (*domain.PaymentLink, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.GetPaymentLink")
	defer span.End()

	return s.store.GetPaymentLink(ctx, linkID)
}

// PayLink opens a payment against an ACTIVE link on behalf of a payer.
func (s *BillingService) PayLink(ctx context.Context, linkID string, req *domain.PayLinkRequest) (*domain.Payment, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.PayLink")
	defer span.End()
	span.SetAttributes(attribute.String("payment_link.id", linkID))

	if err := s.check(req); err != nil {
		return nil, err
	}

	link, err := s.store.GetPaymentLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.Status != domain.PaymentLinkActive {
		return nil, &domain.ErrConflict{Message: "payment link is not active"}
	}

	return s.openPayment(ctx, link.UserID, link.ID, link.Amount, link.Title, req.Customer)
}

// ============================================================
// Recurring charges
// ============================================================

// CreateRecurringCharge issues the processor charge for the first cycle,
// correlated by a fresh charge id, and stores the ACTIVE recurring charge
// under that id.
func (s *BillingService) CreateRecurringCharge(ctx context.Context, userID string, req *domain.CreateRecurringChargeRequest) (*domain.RecurringChargeCreated, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.CreateRecurringCharge")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	if err := s.check(req); err != nil {
		return nil, err
	}
	if err := positiveAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.Frequency.Valid() {
		return nil, &domain.ErrValidation{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", req.Frequency)}
	}

	next := s.now()
	if req.FirstChargeDate != nil {
		next = *req.FirstChargeDate
	}

	chargeID := uuid.NewString()
	charge, err := s.issueCharge(ctx, chargeID, req.Amount, req.Description, req.Customer)
	if err != nil {
		return nil, err
	}

	rc, err := s.store.CreateRecurringCharge(ctx, &domain.RecurringCharge{
		ID:             chargeID,
		UserID:         userID,
		Amount:         req.Amount,
		Description:    req.Description,
		Frequency:      req.Frequency,
		Status:         domain.RecurringActive,
		NextChargeDate: next,
		CustomerName:   req.Customer.Name,
		CustomerEmail:  req.Customer.Email,
		CustomerPhone:  req.Customer.Phone,
		CustomerTaxID:  req.Customer.TaxID,
	})
	if err != nil {
		return nil, fmt.Errorf("store recurring charge: %w", err)
	}

	s.logger.Info("recurring charge created",
		zap.String("recurring_charge_id", rc.ID),
		zap.String("user_id", userID),
		zap.String("frequency", string(rc.Frequency)),
		zap.Time("next_charge_date", rc.NextChargeDate),
	)
	return &domain.RecurringChargeCreated{RecurringCharge: *rc, FirstCharge: *charge}, nil
}

func (s *BillingService) GetRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.GetRecurringCharge")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	return s.store.GetRecurringCharge(ctx, userID, chargeID)
}

// PauseRecurringCharge moves ACTIVE to PAUSED.
func (s *BillingService) PauseRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	return s.transition(ctx, userID, chargeID, "pause",
		[]domain.RecurringStatus{domain.RecurringActive}, domain.RecurringPaused)
}

// ResumeRecurringCharge moves PAUSED to ACTIVE.
func (s *BillingService) ResumeRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	return s.transition(ctx, userID, chargeID, "resume",
		[]domain.RecurringStatus{domain.RecurringPaused}, domain.RecurringActive)
}

// CancelRecurringCharge moves ACTIVE or PAUSED to CANCELLED, which is terminal.
func (s *BillingService) CancelRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	return s.transition(ctx, userID, chargeID, "cancel",
		[]domain.RecurringStatus{domain.RecurringActive, domain.RecurringPaused}, domain.RecurringCancelled)
}

func (s *BillingService) transition(ctx context.Context, userID, chargeID, action string, from []domain.RecurringStatus, to domain.RecurringStatus) (*domain.RecurringCharge, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.TransitionRecurringCharge")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("recurring_charge.id", chargeID),
		attribute.String("action", action),
	)

	rc, err := s.store.TransitionRecurringCharge(ctx, userID, chargeID, from, to)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		s.logger.Info("recurring charge transitioned",
			zap.String("recurring_charge_id", chargeID),
			zap.String("user_id", userID),
			zap.String("status", string(to)),
		)
		return rc, nil
	}

	current, err := s.store.GetRecurringCharge(ctx, userID, chargeID)
	if err != nil {
		return nil, err
	}
	return nil, &domain.ErrConflict{
		Message: fmt.Sprintf("cannot %s recurring charge in status %s", action, current.Status),
	}
}

// ChargeHistory lists the paid cycles of a charge owned by userID.
func (s *BillingService) ChargeHistory(ctx context.Context, userID, chargeID string) ([]domain.ChargeHistoryEntry, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.ChargeHistory")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	if _, err := s.store.GetRecurringCharge(ctx, userID, chargeID); err != nil {
		return nil, err
	}
	return s.store.ListChargeHistory(ctx, chargeID)
}

// ============================================================
// Dashboard
// ============================================================

// Summary loads balance and open-item counts concurrently.
func (s *BillingService) Summary(ctx context.Context, userID string) (*domain.UserSummary, error) {
	ctx, span := billingTracer.Start(ctx, "BillingService.Summary")
	defer span.End()

	if err := requireOwner(userID); err != nil {
		return nil, err
	}

	var (
		user      *domain.User
		payments  int
		recurring int
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := s.store.GetUser(gCtx, userID)
		if err != nil {
			return fmt.Errorf("user fetch: %w", err)
		}
		user = u
		return nil
	})

	g.Go(func() error {
		n, err := s.store.CountActivePayments(gCtx, userID)
		if err != nil {
			return fmt.Errorf("payments count: %w", err)
		}
		payments = n
		return nil
	})

	g.Go(func() error {
		n, err := s.store.CountActiveRecurringCharges(gCtx, userID)
		if err != nil {
			return fmt.Errorf("recurring charges count: %w", err)
		}
		recurring = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.UserSummary{
		User:                   *user,
		ActivePayments:         payments,
		ActiveRecurringCharges: recurring,
	}, nil
}
