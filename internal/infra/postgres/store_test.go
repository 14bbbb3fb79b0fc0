package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/postgres"
	"github.com/boddenberg/pixgw-settlement-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ port.Store = (*postgres.Store)(nil)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, postgres.RunMigrations(s.Pool()))
	return s
}

func seedUser(t *testing.T, s *postgres.Store) string {
	t.Helper()
	id := uuid.NewString()
	_, err := s.Pool().Exec(context.Background(), `INSERT INTO users (id) VALUES ($1)`, id)
	require.NoError(t, err)
	return id
}

func TestStore_SettlePaymentOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	corr := uuid.NewString()
	_, err := s.CreatePayment(ctx, &domain.Payment{
		UserID:        userID,
		CorrelationID: corr,
		Amount:        decimal.RequireFromString("10.50"),
	})
	require.NoError(t, err)

	req := domain.SettlementRequest{
		CorrelationID: corr,
		TransactionID: "tx-1",
		Amount:        domain.MinorToMajor(1050),
		PaidAt:        time.Now().UTC(),
	}

	first, err := s.SettlePayment(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.PaymentCompleted, first.Payment.Status)
	assert.True(t, first.Balance.Equal(decimal.RequireFromString("10.50")))

	second, err := s.SettlePayment(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, second)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("10.50")))
}

func TestStore_SettleRecurringChargeReplay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	c, err := s.CreateRecurringCharge(ctx, &domain.RecurringCharge{
		UserID:         userID,
		Amount:         decimal.NewFromInt(25),
		Frequency:      domain.FrequencyMonthly,
		NextChargeDate: start,
	})
	require.NoError(t, err)

	req := domain.RecurringSettlementRequest{
		SettlementRequest: domain.SettlementRequest{
			CorrelationID: c.ID,
			TransactionID: "tx-r1",
			Amount:        domain.MinorToMajor(2500),
			PaidAt:        start,
		},
		ChargeID: c.ID,
	}

	first, err := s.SettleRecurringCharge(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, first.Replay)
	assert.Equal(t, 1, first.Charge.TotalCharged)
	assert.True(t, first.Charge.NextChargeDate.Equal(time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)))

	second, err := s.SettleRecurringCharge(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Replay)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(25)))

	history, err := s.ListChargeHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStore_TransitionRecurringCharge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	c, err := s.CreateRecurringCharge(ctx, &domain.RecurringCharge{
		UserID:         userID,
		Amount:         decimal.NewFromInt(9),
		Frequency:      domain.FrequencyWeekly,
		NextChargeDate: time.Now(),
	})
	require.NoError(t, err)

	paused, err := s.TransitionRecurringCharge(ctx, userID, c.ID,
		[]domain.RecurringStatus{domain.RecurringActive}, domain.RecurringPaused)
	require.NoError(t, err)
	require.NotNil(t, paused)
	assert.Equal(t, domain.RecurringPaused, paused.Status)

	again, err := s.TransitionRecurringCharge(ctx, userID, c.ID,
		[]domain.RecurringStatus{domain.RecurringActive}, domain.RecurringPaused)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestStore_DeliveryLogLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	corr := uuid.NewString()
	id, err := s.InsertDeliveryLog(ctx, &domain.WebhookDeliveryLog{
		EventType:      "OPENPIX:CHARGE_COMPLETED",
		CorrelationID:  corr,
		Payload:        []byte(`{"event":"OPENPIX:CHARGE_COMPLETED"}`),
		SignatureValid: true,
	})
	require.NoError(t, err)

	processed := false
	pending, err := s.ListDeliveryLogs(ctx, domain.DeliveryLogFilter{Processed: &processed, CorrelationID: corr})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutcomePending, pending[0].Outcome)

	require.NoError(t, s.UpdateDeliveryLog(ctx, id, domain.DeliveryUpdate{
		Processed:   true,
		Outcome:     domain.OutcomeNoMatch,
		ProcessedAt: time.Now(),
	}))

	pending, err = s.ListDeliveryLogs(ctx, domain.DeliveryLogFilter{Processed: &processed, CorrelationID: corr})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_CreditFailureRollsBackStatusFlip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	// numeric(14,2) cannot hold this balance plus the credit.
	_, err := s.Pool().Exec(ctx, `UPDATE users SET balance = 999999999999.99 WHERE id = $1`, userID)
	require.NoError(t, err)

	corr := uuid.NewString()
	p, err := s.CreatePayment(ctx, &domain.Payment{
		UserID:        userID,
		CorrelationID: corr,
		Amount:        decimal.RequireFromString("10.50"),
	})
	require.NoError(t, err)

	req := domain.SettlementRequest{CorrelationID: corr, TransactionID: "tx-1", Amount: domain.MinorToMajor(1050), PaidAt: time.Now().UTC()}
	_, err = s.SettlePayment(ctx, req)
	var settleErr *domain.ErrSettlement
	require.ErrorAs(t, err, &settleErr)
	assert.Equal(t, domain.StageBalanceCredit, settleErr.Stage)

	still, err := s.GetPayment(ctx, userID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentActive, still.Status, "status flip must roll back with the failed credit")

	_, err = s.Pool().Exec(ctx, `UPDATE users SET balance = 0 WHERE id = $1`, userID)
	require.NoError(t, err)

	retried, err := s.SettlePayment(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.True(t, retried.Balance.Equal(decimal.RequireFromString("10.50")))
}

func TestStore_OwnedReadsNeverUseEmptyOwnerAsWildcard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	p, err := s.CreatePayment(ctx, &domain.Payment{
		UserID:        userID,
		CorrelationID: uuid.NewString(),
		Amount:        decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	_, err = s.GetPayment(ctx, "", p.ID)
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
