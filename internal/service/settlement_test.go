package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/cache"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/memstore"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/resilience"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"
	"github.com/boddenberg/pixgw-settlement-go/internal/webhook"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var paidAt = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

const userID = "11111111-1111-1111-1111-111111111111"

type harness struct {
	store   *memstore.Store
	metrics *observability.Metrics
	svc     *service.SettlementService
}

func newHarness(t *testing.T, store *memstore.Store, cfg service.SettlementConfig) *harness {
	t.Helper()
	replay := cache.New[bool](time.Minute)
	t.Cleanup(replay.Close)

	m := observability.NewMetrics()
	svc := service.NewSettlementService(store, store, replay, resilience.NewBulkhead(8), cfg, m, zap.NewNop()).
		WithClock(func() time.Time { return paidAt })
	return &harness{store: store, metrics: m, svc: svc}
}

func seededStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	s.PutUser(domain.User{ID: userID, Balance: decimal.NewFromInt(100)})
	return s
}

func seedPayment(t *testing.T, s *memstore.Store, correlationID, amount string) *domain.Payment {
	t.Helper()
	p, err := s.CreatePayment(context.Background(), &domain.Payment{
		UserID:        userID,
		CorrelationID: correlationID,
		Amount:        decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return p
}

func seedRecurring(t *testing.T, s *memstore.Store, id string, status domain.RecurringStatus) {
	t.Helper()
	s.PutRecurringCharge(domain.RecurringCharge{
		ID:             id,
		UserID:         userID,
		Amount:         decimal.RequireFromString("25.00"),
		Frequency:      domain.FrequencyMonthly,
		Status:         status,
		NextChargeDate: paidAt,
	})
}

func chargeCompleted(correlationID, transactionID string, value int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": webhook.EventChargeCompleted,
		"charge": map[string]any{
			"correlationID": correlationID,
			"transactionID": transactionID,
			"value":         value,
			"status":        "COMPLETED",
		},
	})
	return body
}

func balance(t *testing.T, s *memstore.Store) decimal.Decimal {
	t.Helper()
	u, err := s.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got)
}

// --- Payments ---

func TestHandleDelivery_SettlesPaymentOnce(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-1", "10.50")
	h := newHarness(t, store, service.SettlementConfig{})
	ctx := context.Background()

	first, err := h.svc.HandleDelivery(ctx, chargeCompleted("corr-1", "tx-1", 1050), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledPayment, first.Outcome)

	second, err := h.svc.HandleDelivery(ctx, chargeCompleted("corr-1", "tx-1", 1050), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReplay, second.Outcome)

	// A fresh process has no replay cache; the conditional update still holds.
	other := newHarness(t, store, service.SettlementConfig{})
	third, err := other.svc.HandleDelivery(ctx, chargeCompleted("corr-1", "tx-1", 1050), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoMatch, third.Outcome)

	assertMoney(t, "110.50", balance(t, store))

	p, ok := store.PaymentByCorrelation("corr-1")
	require.True(t, ok)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, "tx-1", p.TransactionID)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(paidAt))
}

func TestHandleDelivery_ConvertsCentsToMajorUnits(t *testing.T) {
	store := seededStore(t)
	store.PutUser(domain.User{ID: userID})
	seedPayment(t, store, "corr-cents", "10.50")
	h := newHarness(t, store, service.SettlementConfig{})

	_, err := h.svc.HandleDelivery(context.Background(), chargeCompleted("corr-cents", "tx-1", 1050), "")
	require.NoError(t, err)

	assertMoney(t, "10.50", balance(t, store))
	assert.InDelta(t, 10.50, h.svc.Stats().CreditedPayments, 0.0001)
}

func TestHandleDelivery_ZeroValueCreditsStoredAmount(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-zero", "42.00")
	h := newHarness(t, store, service.SettlementConfig{})

	res, err := h.svc.HandleDelivery(context.Background(), chargeCompleted("corr-zero", "tx-1", 0), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledPayment, res.Outcome)
	assertMoney(t, "142.00", balance(t, store))
}

func TestHandleDelivery_PaymentLinkCounters(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	link, err := store.CreatePaymentLink(ctx, &domain.PaymentLink{UserID: userID, Title: "Coffee", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	_, err = store.CreatePayment(ctx, &domain.Payment{UserID: userID, CorrelationID: "corr-link", PaymentLinkID: link.ID, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	h := newHarness(t, store, service.SettlementConfig{})
	_, err = h.svc.HandleDelivery(ctx, chargeCompleted("corr-link", "tx-1", 500), "")
	require.NoError(t, err)

	got, err := store.GetPaymentLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PaymentsCount)
	assertMoney(t, "5", got.TotalReceived)
}

func TestHandleDelivery_UnknownCorrelationIsAcknowledged(t *testing.T) {
	for _, corr := range []string{"not-a-uuid", uuid.NewString()} {
		t.Run(corr, func(t *testing.T) {
			store := seededStore(t)
			h := newHarness(t, store, service.SettlementConfig{})

			res, err := h.svc.HandleDelivery(context.Background(), chargeCompleted(corr, "tx-1", 1000), "")
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeNoMatch, res.Outcome)
			assertMoney(t, "100", balance(t, store))

			rows := store.Deliveries()
			require.Len(t, rows, 1)
			assert.True(t, rows[0].Processed)
			assert.Equal(t, domain.OutcomeNoMatch, rows[0].Outcome)
			require.NotNil(t, rows[0].ProcessedAt)
		})
	}
}

func TestHandleDelivery_PaymentTakesPriorityOverRecurring(t *testing.T) {
	store := seededStore(t)
	shared := uuid.NewString()
	seedPayment(t, store, shared, "10.00")
	seedRecurring(t, store, shared, domain.RecurringActive)
	h := newHarness(t, store, service.SettlementConfig{})

	res, err := h.svc.HandleDelivery(context.Background(), chargeCompleted(shared, "tx-1", 1000), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledPayment, res.Outcome)

	rc, err := store.GetRecurringCharge(context.Background(), userID, shared)
	require.NoError(t, err)
	assert.Equal(t, 0, rc.TotalCharged)
	assertMoney(t, "110", balance(t, store))
}

func TestHandleDelivery_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-race", "1.00")
	h := newHarness(t, store, service.SettlementConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.HandleDelivery(context.Background(), chargeCompleted("corr-race", "tx-1", 100), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertMoney(t, "101", balance(t, store))
	rows := store.Deliveries()
	assert.Len(t, rows, 20)

	settled := 0
	for _, row := range rows {
		if row.Outcome == domain.OutcomeSettledPayment {
			settled++
		}
	}
	assert.Equal(t, 1, settled, "only the delivery that applied the credit is audited as settled")
}

// gatedLedger holds SettlePayment until release is closed, then fails if
// the context it was given has been cancelled.
type gatedLedger struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLedger) SettlePayment(ctx context.Context, req domain.SettlementRequest) (*domain.PaymentSettlement, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Store.SettlePayment(ctx, req)
}

func TestHandleDelivery_SharedSettlementOutlivesCancelledLeader(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-shared", "5.00")
	ledger := &gatedLedger{Store: store, entered: make(chan struct{}), release: make(chan struct{})}

	replay := cache.New[bool](time.Minute)
	t.Cleanup(replay.Close)
	svc := service.NewSettlementService(ledger, store, replay, resilience.NewBulkhead(8),
		service.SettlementConfig{}, observability.NewMetrics(), zap.NewNop())

	body := chargeCompleted("corr-shared", "tx-1", 500)
	leaderCtx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		res *domain.DeliveryResult
		err error
	}
	leader := make(chan outcome, 1)
	go func() {
		res, err := svc.HandleDelivery(leaderCtx, body, "")
		leader <- outcome{res, err}
	}()
	<-ledger.entered

	joiner := make(chan outcome, 1)
	go func() {
		res, err := svc.HandleDelivery(context.Background(), body, "")
		joiner <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	close(ledger.release)

	got := <-leader
	require.NoError(t, got.err)
	assert.Equal(t, domain.OutcomeSettledPayment, got.res.Outcome)

	dup := <-joiner
	require.NoError(t, dup.err)
	assert.NotEqual(t, domain.OutcomeSettledPayment, dup.res.Outcome)

	assertMoney(t, "105", balance(t, store))
}

// --- Authenticity ---

func TestHandleDelivery_Signature(t *testing.T) {
	const secret = "s3cret"
	body := chargeCompleted("corr-sig", "tx-1", 1050)

	tests := []struct {
		name      string
		cfg       service.SettlementConfig
		signature string
		wantErr   bool
	}{
		{name: "no secret accepts unsigned", cfg: service.SettlementConfig{}, signature: ""},
		{name: "no secret ignores garbage header", cfg: service.SettlementConfig{}, signature: "garbage"},
		{name: "valid signature", cfg: service.SettlementConfig{WebhookSecret: secret}, signature: webhook.Sign(body, secret)},
		{name: "tampered signature", cfg: service.SettlementConfig{WebhookSecret: secret}, signature: webhook.Sign(body, "other"), wantErr: true},
		{name: "missing signature tolerated", cfg: service.SettlementConfig{WebhookSecret: secret}, signature: ""},
		{name: "missing signature required", cfg: service.SettlementConfig{WebhookSecret: secret, RequireSignature: true}, signature: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore(t)
			seedPayment(t, store, "corr-sig", "10.50")
			h := newHarness(t, store, tt.cfg)

			res, err := h.svc.HandleDelivery(context.Background(), body, tt.signature)
			rows := store.Deliveries()
			require.Len(t, rows, 1)

			if tt.wantErr {
				var sigErr *domain.ErrInvalidSignature
				require.ErrorAs(t, err, &sigErr)
				assertMoney(t, "100", balance(t, store))
				assert.False(t, rows[0].SignatureValid)
				assert.False(t, rows[0].Processed)
				assert.Equal(t, domain.OutcomeRejected, rows[0].Outcome)
				assert.Equal(t, "invalid signature", rows[0].ErrorMessage)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeSettledPayment, res.Outcome)
			assertMoney(t, "110.50", balance(t, store))
			assert.True(t, rows[0].SignatureValid)
		})
	}
}

// --- Classification ---

func TestHandleDelivery_IgnoresIrrelevantEvents(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-exp", "10.00")
	h := newHarness(t, store, service.SettlementConfig{})

	body := []byte(`{"event":"OPENPIX:CHARGE_EXPIRED","charge":{"correlationID":"corr-exp","value":1000}}`)
	res, err := h.svc.HandleDelivery(context.Background(), body, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)
	assertMoney(t, "100", balance(t, store))

	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Processed)
	assert.Equal(t, "OPENPIX:CHARGE_EXPIRED", rows[0].EventType)
}

func TestHandleDelivery_IgnoredEventWithUnexpectedTypes(t *testing.T) {
	store := seededStore(t)
	h := newHarness(t, store, service.SettlementConfig{})

	body := []byte(`{"event":"OPENPIX:CHARGE_EXPIRED","charge":{"correlationID":12345,"value":"n/a"}}`)
	res, err := h.svc.HandleDelivery(context.Background(), body, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)

	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Processed)
	assert.Equal(t, domain.OutcomeIgnored, rows[0].Outcome)
}

func TestHandleDelivery_OutOfRangeValueIsMalformed(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-huge", "10.00")
	h := newHarness(t, store, service.SettlementConfig{})

	body := []byte(`{"event":"OPENPIX:CHARGE_COMPLETED","charge":{"correlationID":"corr-huge","value":1e30}}`)
	_, err := h.svc.HandleDelivery(context.Background(), body, "")
	var malformed *domain.ErrMalformedPayload
	require.ErrorAs(t, err, &malformed)

	assertMoney(t, "100", balance(t, store))
	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.Equal(t, webhook.EventChargeCompleted, rows[0].EventType)
	assert.Equal(t, domain.OutcomeError, rows[0].Outcome)
}

func TestRecordUnreadable_WritesOneTruncatedRow(t *testing.T) {
	store := seededStore(t)
	h := newHarness(t, store, service.SettlementConfig{})

	prefix := make([]byte, 64<<10)
	for i := range prefix {
		prefix[i] = 'x'
	}
	h.svc.RecordUnreadable(context.Background(), prefix, domain.OutcomeRejected, "payload too large")

	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Processed)
	assert.Equal(t, domain.OutcomeRejected, rows[0].Outcome)
	assert.Equal(t, "payload too large", rows[0].ErrorMessage)

	var stored string
	require.NoError(t, json.Unmarshal(rows[0].Payload, &stored))
	assert.Len(t, stored, 4<<10)
	assert.Equal(t, int64(1), h.metrics.SettlementSnapshot().Rejected)
}

func TestHandleDelivery_MalformedPayload(t *testing.T) {
	store := seededStore(t)
	h := newHarness(t, store, service.SettlementConfig{})

	_, err := h.svc.HandleDelivery(context.Background(), []byte("not json"), "")
	var malformed *domain.ErrMalformedPayload
	require.ErrorAs(t, err, &malformed)

	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.JSONEq(t, `"not json"`, string(rows[0].Payload))
	assert.False(t, rows[0].Processed)
	assert.Equal(t, domain.OutcomeError, rows[0].Outcome)
}

func TestHandleDelivery_MissingCorrelationID(t *testing.T) {
	store := seededStore(t)
	h := newHarness(t, store, service.SettlementConfig{})

	_, err := h.svc.HandleDelivery(context.Background(), chargeCompleted("", "tx-1", 100), "")
	var malformed *domain.ErrMalformedPayload
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "correlation")
}

// --- Recurring ---

func TestHandleDelivery_RecurringAdvancesSchedule(t *testing.T) {
	store := seededStore(t)
	chargeID := uuid.NewString()
	seedRecurring(t, store, chargeID, domain.RecurringActive)
	h := newHarness(t, store, service.SettlementConfig{})
	ctx := context.Background()

	res, err := h.svc.HandleDelivery(ctx, chargeCompleted(chargeID, "tx-r1", 2500), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledRecurring, res.Outcome)

	rc, err := store.GetRecurringCharge(ctx, userID, chargeID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecurringActive, rc.Status)
	assert.Equal(t, 1, rc.TotalCharged)
	assert.Equal(t, "tx-r1", rc.LastTransactionID)
	require.NotNil(t, rc.LastChargeDate)
	assert.True(t, rc.LastChargeDate.Equal(paidAt))
	assert.True(t, rc.NextChargeDate.Equal(time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)))

	history, err := store.ListChargeHistory(ctx, chargeID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ChargeHistoryPaid, history[0].Status)
	assertMoney(t, "25.00", history[0].Amount)

	assertMoney(t, "125.00", balance(t, store))
}

func TestHandleDelivery_RecurringReplayByTransactionID(t *testing.T) {
	store := seededStore(t)
	chargeID := uuid.NewString()
	seedRecurring(t, store, chargeID, domain.RecurringActive)
	ctx := context.Background()

	first, err := newHarness(t, store, service.SettlementConfig{}).svc.HandleDelivery(ctx, chargeCompleted(chargeID, "tx-r1", 2500), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledRecurring, first.Outcome)

	second, err := newHarness(t, store, service.SettlementConfig{}).svc.HandleDelivery(ctx, chargeCompleted(chargeID, "tx-r1", 2500), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReplay, second.Outcome)

	// The next cycle carries a new transaction id and settles again.
	third, err := newHarness(t, store, service.SettlementConfig{}).svc.HandleDelivery(ctx, chargeCompleted(chargeID, "tx-r2", 2500), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledRecurring, third.Outcome)

	assertMoney(t, "150.00", balance(t, store))
}

func TestHandleDelivery_InactiveRecurringIsNotSettled(t *testing.T) {
	for _, status := range []domain.RecurringStatus{domain.RecurringPaused, domain.RecurringCancelled} {
		t.Run(string(status), func(t *testing.T) {
			store := seededStore(t)
			chargeID := uuid.NewString()
			seedRecurring(t, store, chargeID, status)
			h := newHarness(t, store, service.SettlementConfig{})

			res, err := h.svc.HandleDelivery(context.Background(), chargeCompleted(chargeID, "tx-1", 2500), "")
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeNoMatch, res.Outcome)
			assertMoney(t, "100", balance(t, store))
		})
	}
}

func TestHandleDelivery_RecurringCreditUnits(t *testing.T) {
	tests := []struct {
		name        string
		creditCents bool
		want        string
	}{
		{name: "major units", creditCents: false, want: "125.00"},
		{name: "legacy cents", creditCents: true, want: "2600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore(t)
			chargeID := uuid.NewString()
			seedRecurring(t, store, chargeID, domain.RecurringActive)
			h := newHarness(t, store, service.SettlementConfig{RecurringCreditInCents: tt.creditCents})

			_, err := h.svc.HandleDelivery(context.Background(), chargeCompleted(chargeID, "tx-1", 2500), "")
			require.NoError(t, err)
			assertMoney(t, tt.want, balance(t, store))
		})
	}
}

// --- Failure handling ---

func TestHandleDelivery_AuditFailureDoesNotBlock(t *testing.T) {
	store := seededStore(t)
	store.FailDeliveryInsert = errors.New("disk full")
	seedPayment(t, store, "corr-audit", "10.00")
	h := newHarness(t, store, service.SettlementConfig{})

	res, err := h.svc.HandleDelivery(context.Background(), chargeCompleted("corr-audit", "tx-1", 1000), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledPayment, res.Outcome)
	assert.Empty(t, res.DeliveryID)
	assertMoney(t, "110", balance(t, store))
	assert.Equal(t, int64(1), h.svc.Stats().AuditLogFailures)
}

func TestHandleDelivery_CreditFailureRollsBack(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-fail", "10.00")
	store.FailCredit = errors.New("connection reset")
	h := newHarness(t, store, service.SettlementConfig{})
	ctx := context.Background()

	_, err := h.svc.HandleDelivery(ctx, chargeCompleted("corr-fail", "tx-1", 1000), "")
	var settleErr *domain.ErrSettlement
	require.ErrorAs(t, err, &settleErr)
	assert.Equal(t, domain.StageBalanceCredit, settleErr.Stage)

	p, ok := store.PaymentByCorrelation("corr-fail")
	require.True(t, ok)
	assert.Equal(t, domain.PaymentActive, p.Status)
	assertMoney(t, "100", balance(t, store))

	rows := store.Deliveries()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Processed)
	assert.Equal(t, domain.OutcomeError, rows[0].Outcome)
	assert.Contains(t, rows[0].ErrorMessage, "balance_credit")

	// The processor retries; the payment is still ACTIVE and settles now.
	res, err := h.svc.HandleDelivery(ctx, chargeCompleted("corr-fail", "tx-1", 1000), "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettledPayment, res.Outcome)
	assertMoney(t, "110", balance(t, store))
}

func TestHandleDelivery_CancelledContextWaitingForCapacity(t *testing.T) {
	store := seededStore(t)
	seedPayment(t, store, "corr-busy", "1.00")

	replay := cache.New[bool](time.Minute)
	defer replay.Close()
	bulkhead := resilience.NewBulkhead(1)
	require.NoError(t, bulkhead.Acquire(context.Background()))
	defer bulkhead.Release()

	svc := service.NewSettlementService(store, store, replay, bulkhead, service.SettlementConfig{}, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.HandleDelivery(ctx, chargeCompleted("corr-busy", "tx-1", 100), "")
	var timeout *domain.ErrTimeout
	require.ErrorAs(t, err, &timeout)
	assertMoney(t, "100", balance(t, store))
}

// --- Operator views ---

func TestListDeliveries_FiltersAndLimits(t *testing.T) {
	store := seededStore(t)
	h := newHarness(t, store, service.SettlementConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.HandleDelivery(ctx, chargeCompleted(fmt.Sprintf("corr-%d", i), "tx", 100), "")
		require.NoError(t, err)
	}
	_, _ = h.svc.HandleDelivery(ctx, []byte("{"), "")

	processed := false
	pending, err := h.svc.ListDeliveries(ctx, domain.DeliveryLogFilter{Processed: &processed})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutcomeError, pending[0].Outcome)

	limited, err := h.svc.ListDeliveries(ctx, domain.DeliveryLogFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stats := h.svc.Stats()
	assert.Equal(t, int64(4), stats.DeliveriesTotal)
	assert.Equal(t, int64(3), stats.NoMatch)
	assert.Equal(t, int64(1), stats.Errors)
}
