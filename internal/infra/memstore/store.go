// Package memstore is an in-process ledger backend. It applies the same
// conditional-update semantics as the SQL backends under a single mutex and
// is used for local development and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps every table in maps guarded by one mutex, which makes each
// settlement trivially atomic.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	users      map[string]*domain.User
	payments   map[string]*domain.Payment // by id
	byCorr     map[string]string          // correlation id -> payment id
	links      map[string]*domain.PaymentLink
	recurring  map[string]*domain.RecurringCharge
	history    map[string][]domain.ChargeHistoryEntry
	deliveries []*domain.WebhookDeliveryLog

	// FailCredit makes the next balance credit fail, for exercising
	// rollback paths.
	FailCredit error
	// FailDeliveryInsert makes every delivery log insert fail.
	FailDeliveryInsert error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:       time.Now,
		users:     make(map[string]*domain.User),
		payments:  make(map[string]*domain.Payment),
		byCorr:    make(map[string]string),
		links:     make(map[string]*domain.PaymentLink),
		recurring: make(map[string]*domain.RecurringCharge),
		history:   make(map[string][]domain.ChargeHistoryEntry),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// PutUser inserts or replaces a user row.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// PutRecurringCharge inserts or replaces a recurring charge row as-is.
func (s *Store) PutRecurringCharge(c domain.RecurringCharge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurring[c.ID] = &c
}

// Deliveries returns a copy of every delivery log row.
func (s *Store) Deliveries() []domain.WebhookDeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WebhookDeliveryLog, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, *d)
	}
	return out
}

// ============================================================
// LedgerStore
// ============================================================

func (s *Store) SettlePayment(_ context.Context, req domain.SettlementRequest) (*domain.PaymentSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCorr[req.CorrelationID]
	if !ok {
		return nil, nil
	}
	p := s.payments[id]
	if p.Status != domain.PaymentActive {
		return nil, nil
	}

	credited := req.CreditAmount(p.Amount)
	user, err := s.creditLocked(p.UserID, credited)
	if err != nil {
		return nil, &domain.ErrSettlement{Stage: domain.StageBalanceCredit, CorrelationID: req.CorrelationID, Err: err}
	}

	paidAt := req.PaidAt
	p.Status = domain.PaymentCompleted
	p.TransactionID = req.TransactionID
	p.PaidAt = &paidAt
	p.UpdatedAt = paidAt

	if p.PaymentLinkID != "" {
		if l, ok := s.links[p.PaymentLinkID]; ok {
			l.PaymentsCount++
			l.TotalReceived = l.TotalReceived.Add(credited)
			l.UpdatedAt = paidAt
		}
	}

	return &domain.PaymentSettlement{Payment: *p, Credited: credited, Balance: user.Balance}, nil
}

func (s *Store) SettleRecurringCharge(_ context.Context, req domain.RecurringSettlementRequest) (*domain.RecurringSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.recurring[req.ChargeID]
	if !ok || c.Status != domain.RecurringActive {
		return nil, nil
	}

	if req.TransactionID != "" {
		for _, e := range s.history[c.ID] {
			if e.TransactionID == req.TransactionID {
				return &domain.RecurringSettlement{Charge: *c, Entry: e, Replay: true}, nil
			}
		}
	}

	next, err := domain.NextChargeDate(req.PaidAt, c.Frequency)
	if err != nil {
		return nil, &domain.ErrSettlement{Stage: domain.StageSchedule, CorrelationID: req.CorrelationID, Err: err}
	}

	credited := req.CreditAmount(c.Amount)
	user, err := s.creditLocked(c.UserID, credited)
	if err != nil {
		return nil, &domain.ErrSettlement{Stage: domain.StageBalanceCredit, CorrelationID: req.CorrelationID, Err: err}
	}

	paidAt := req.PaidAt
	c.LastChargeDate = &paidAt
	c.NextChargeDate = next
	c.TotalCharged++
	c.LastTransactionID = req.TransactionID
	c.UpdatedAt = paidAt

	entry := domain.ChargeHistoryEntry{
		ID:                uuid.NewString(),
		RecurringChargeID: c.ID,
		Amount:            credited,
		Status:            domain.ChargeHistoryPaid,
		TransactionID:     req.TransactionID,
		ChargeDate:        paidAt,
	}
	s.history[c.ID] = append(s.history[c.ID], entry)

	return &domain.RecurringSettlement{Charge: *c, Entry: entry, Credited: credited, Balance: user.Balance}, nil
}

func (s *Store) creditLocked(userID string, amount decimal.Decimal) (*domain.User, error) {
	if s.FailCredit != nil {
		err := s.FailCredit
		s.FailCredit = nil
		return nil, err
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	u.Balance = u.Balance.Add(amount)
	u.TotalReceived = u.TotalReceived.Add(amount)
	u.UpdatedAt = s.now()
	return u, nil
}

// ============================================================
// BillingStore
// ============================================================

func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreatePayment(_ context.Context, p *domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byCorr[p.CorrelationID]; dup {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("correlation id already used: %s", p.CorrelationID)}
	}
	cp := *p
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = domain.PaymentActive
	}
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.payments[cp.ID] = &cp
	s.byCorr[cp.CorrelationID] = cp.ID
	out := cp
	return &out, nil
}

func (s *Store) GetPayment(_ context.Context, userID, paymentID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.UserID != userID {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: paymentID}
	}
	cp := *p
	return &cp, nil
}

// PaymentByCorrelation looks a payment up by correlation id.
func (s *Store) PaymentByCorrelation(correlationID string) (*domain.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCorr[correlationID]
	if !ok {
		return nil, false
	}
	cp := *s.payments[id]
	return &cp, true
}

func (s *Store) CountActivePayments(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.payments {
		if p.UserID == userID && p.Status == domain.PaymentActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreatePaymentLink(_ context.Context, l *domain.PaymentLink) (*domain.PaymentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = domain.PaymentLinkActive
	}
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.links[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetPaymentLink(_ context.Context, linkID string) (*domain.PaymentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment_link", ID: linkID}
	}
	cp := *l
	return &cp, nil
}

func (s *Store) CreateRecurringCharge(_ context.Context, c *domain.RecurringCharge) (*domain.RecurringCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = domain.RecurringActive
	}
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.recurring[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetRecurringCharge(_ context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.recurring[chargeID]
	if !ok || c.UserID != userID {
		return nil, &domain.ErrNotFound{Resource: "recurring_charge", ID: chargeID}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CountActiveRecurringCharges(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.recurring {
		if c.UserID == userID && c.Status == domain.RecurringActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionRecurringCharge(_ context.Context, userID, chargeID string, from []domain.RecurringStatus, to domain.RecurringStatus) (*domain.RecurringCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.recurring[chargeID]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = s.now()
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListChargeHistory(_ context.Context, chargeID string) ([]domain.ChargeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]domain.ChargeHistoryEntry(nil), s.history[chargeID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChargeDate.After(out[j].ChargeDate) })
	return out, nil
}

// ============================================================
// DeliveryLogStore
// ============================================================

func (s *Store) InsertDeliveryLog(_ context.Context, log *domain.WebhookDeliveryLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailDeliveryInsert != nil {
		return "", s.FailDeliveryInsert
	}
	cp := *log
	cp.ID = uuid.NewString()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.deliveries = append(s.deliveries, &cp)
	return cp.ID, nil
}

func (s *Store) UpdateDeliveryLog(_ context.Context, id string, upd domain.DeliveryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.deliveries {
		if d.ID == id {
			at := upd.ProcessedAt
			d.Processed = upd.Processed
			d.Outcome = upd.Outcome
			d.ErrorMessage = upd.ErrorMessage
			d.ProcessedAt = &at
			return nil
		}
	}
	return &domain.ErrNotFound{Resource: "webhook_delivery", ID: id}
}

func (s *Store) ListDeliveryLogs(_ context.Context, filter domain.DeliveryLogFilter) ([]domain.WebhookDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.WebhookDeliveryLog, 0)
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if filter.Processed != nil && d.Processed != *filter.Processed {
			continue
		}
		if filter.CorrelationID != "" && d.CorrelationID != filter.CorrelationID {
			continue
		}
		out = append(out, *d)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
