// Package postgres is the ledger backend for a directly reachable Postgres.
// Every settlement runs inside one pgx transaction so that the status flip,
// the history entry and the balance credit commit or roll back together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

const uniqueViolation = "23505"

// Store implements port.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// New connects a pool to dsn.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, logger), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger, now: time.Now}
}

// Pool exposes the underlying pool, e.g. for RunMigrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// ============================================================
// Row mapping
// ============================================================

const paymentColumns = `id::text, user_id::text, correlation_id, coalesce(payment_link_id::text, ''),
	amount, description, status, coalesce(transaction_id, ''), coalesce(br_code, ''),
	coalesce(qr_code_image, ''), expires_at, paid_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.CorrelationID, &p.PaymentLinkID,
		&p.Amount, &p.Description, &p.Status, &p.TransactionID, &p.BRCode,
		&p.QRCodeImage, &p.ExpiresAt, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const linkColumns = `id::text, user_id::text, title, description, amount, status,
	payments_count, total_received, created_at, updated_at`

func scanLink(row pgx.Row) (*domain.PaymentLink, error) {
	var l domain.PaymentLink
	err := row.Scan(&l.ID, &l.UserID, &l.Title, &l.Description, &l.Amount, &l.Status,
		&l.PaymentsCount, &l.TotalReceived, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const recurringColumns = `id::text, user_id::text, amount, description, frequency, status,
	next_charge_date, last_charge_date, total_charged, coalesce(last_transaction_id, ''),
	customer_name, customer_email, customer_phone, customer_tax_id, created_at, updated_at`

func scanRecurring(row pgx.Row) (*domain.RecurringCharge, error) {
	var c domain.RecurringCharge
	err := row.Scan(&c.ID, &c.UserID, &c.Amount, &c.Description, &c.Frequency, &c.Status,
		&c.NextChargeDate, &c.LastChargeDate, &c.TotalCharged, &c.LastTransactionID,
		&c.CustomerName, &c.CustomerEmail, &c.CustomerPhone, &c.CustomerTaxID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const historyColumns = `id::text, recurring_charge_id::text, amount, status,
	coalesce(transaction_id, ''), charge_date`

func scanHistory(row pgx.Row) (*domain.ChargeHistoryEntry, error) {
	var e domain.ChargeHistoryEntry
	err := row.Scan(&e.ID, &e.RecurringChargeID, &e.Amount, &e.Status, &e.TransactionID, &e.ChargeDate)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const deliveryColumns = `id::text, event_type, coalesce(correlation_id, ''), coalesce(transaction_id, ''),
	coalesce(status, ''), value, payload, signature_valid, processed, outcome,
	coalesce(error_message, ''), created_at, processed_at`

func scanDelivery(row pgx.Row) (*domain.WebhookDeliveryLog, error) {
	var d domain.WebhookDeliveryLog
	var payload []byte
	err := row.Scan(&d.ID, &d.EventType, &d.CorrelationID, &d.TransactionID,
		&d.Status, &d.Value, &payload, &d.SignatureValid, &d.Processed, &d.Outcome,
		&d.ErrorMessage, &d.CreatedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

// nullIfEmpty maps "" to SQL NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ============================================================
// LedgerStore
// ============================================================

// SettlePayment flips the ACTIVE payment, credits its owner and bumps the
// payment link counters in one transaction.
func (s *Store) SettlePayment(ctx context.Context, req domain.SettlementRequest) (*domain.PaymentSettlement, error) {
	ctx, span := tracer.Start(ctx, "Postgres.SettlePayment")
	defer span.End()
	span.SetAttributes(attribute.String("correlation.id", req.CorrelationID))

	fail := func(stage string, err error) (*domain.PaymentSettlement, error) {
		span.RecordError(err)
		return nil, &domain.ErrSettlement{Stage: stage, CorrelationID: req.CorrelationID, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(domain.StageStatusUpdate, err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments
		   SET status = 'COMPLETED', transaction_id = $2, paid_at = $3, updated_at = $3
		 WHERE correlation_id = $1 AND status = 'ACTIVE'
		RETURNING `+paymentColumns,
		req.CorrelationID, nullIfEmpty(req.TransactionID), req.PaidAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return fail(domain.StageStatusUpdate, err)
	}

	credited := req.CreditAmount(p.Amount)
	balance, err := creditUser(ctx, tx, p.UserID, credited, req.PaidAt)
	if err != nil {
		return fail(domain.StageBalanceCredit, err)
	}

	if p.PaymentLinkID != "" {
		_, err := tx.Exec(ctx, `
			UPDATE payment_links
			   SET payments_count = payments_count + 1,
			       total_received = total_received + $2,
			       updated_at = $3
			 WHERE id = $1`,
			p.PaymentLinkID, credited, req.PaidAt,
		)
		if err != nil {
			return fail(domain.StageLinkCounters, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(domain.StageCommit, err)
	}

	return &domain.PaymentSettlement{Payment: *p, Credited: credited, Balance: balance}, nil
}

// SettleRecurringCharge locks the ACTIVE charge, records the paid cycle,
// advances the schedule and credits the owner in one transaction. A
// transaction id already present in the history is a replay.
func (s *Store) SettleRecurringCharge(ctx context.Context, req domain.RecurringSettlementRequest) (*domain.RecurringSettlement, error) {
	ctx, span := tracer.Start(ctx, "Postgres.SettleRecurringCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("correlation.id", req.CorrelationID),
		attribute.String("recurring_charge.id", req.ChargeID),
	)

	fail := func(stage string, err error) (*domain.RecurringSettlement, error) {
		span.RecordError(err)
		return nil, &domain.ErrSettlement{Stage: stage, CorrelationID: req.CorrelationID, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(domain.StageSchedule, err)
	}
	defer tx.Rollback(ctx)

	charge, err := scanRecurring(tx.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_charges WHERE id = $1 AND status = 'ACTIVE' FOR UPDATE`,
		req.ChargeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return fail(domain.StageSchedule, err)
	}

	next, err := domain.NextChargeDate(req.PaidAt, charge.Frequency)
	if err != nil {
		return fail(domain.StageSchedule, err)
	}
	credited := req.CreditAmount(charge.Amount)

	entry, err := scanHistory(tx.QueryRow(ctx, `
		INSERT INTO charge_history (id, recurring_charge_id, amount, status, transaction_id, charge_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recurring_charge_id, transaction_id) DO NOTHING
		RETURNING `+historyColumns,
		uuid.NewString(), charge.ID, credited, domain.ChargeHistoryPaid, nullIfEmpty(req.TransactionID), req.PaidAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanHistory(tx.QueryRow(ctx,
			`SELECT `+historyColumns+` FROM charge_history WHERE recurring_charge_id = $1 AND transaction_id = $2`,
			charge.ID, req.TransactionID,
		))
		if err != nil {
			return fail(domain.StageHistory, err)
		}
		return &domain.RecurringSettlement{Charge: *charge, Entry: *existing, Replay: true}, nil
	}
	if err != nil {
		return fail(domain.StageHistory, err)
	}

	updated, err := scanRecurring(tx.QueryRow(ctx, `
		UPDATE recurring_charges
		   SET last_charge_date = $2, next_charge_date = $3, total_charged = total_charged + 1,
		       last_transaction_id = $4, updated_at = $2
		 WHERE id = $1
		RETURNING `+recurringColumns,
		charge.ID, req.PaidAt, next, nullIfEmpty(req.TransactionID),
	))
	if err != nil {
		return fail(domain.StageSchedule, err)
	}

	balance, err := creditUser(ctx, tx, charge.UserID, credited, req.PaidAt)
	if err != nil {
		return fail(domain.StageBalanceCredit, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(domain.StageCommit, err)
	}

	return &domain.RecurringSettlement{Charge: *updated, Entry: *entry, Credited: credited, Balance: balance}, nil
}

func creditUser(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE users
		   SET balance = balance + $2, total_received = total_received + $2, updated_at = $3
		 WHERE id = $1
		RETURNING balance`,
		userID, amount, at,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	return balance, err
}

// ============================================================
// BillingStore
// ============================================================

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetUser")
	defer span.End()

	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, balance, total_received, total_withdrawn, updated_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Balance, &u.TotalReceived, &u.TotalWithdrawn, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreatePayment")
	defer span.End()

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := p.Status
	if status == "" {
		status = domain.PaymentActive
	}
	now := s.now()

	out, err := scanPayment(s.pool.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, correlation_id, payment_link_id, amount, description, status,
		                      br_code, qr_code_image, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+paymentColumns,
		id, p.UserID, p.CorrelationID, nullIfEmpty(p.PaymentLinkID), p.Amount, p.Description, status,
		nullIfEmpty(p.BRCode), nullIfEmpty(p.QRCodeImage), p.ExpiresAt, now,
	))
	if isUniqueViolation(err) {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("correlation id already used: %s", p.CorrelationID)}
	}
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

func (s *Store) GetPayment(ctx context.Context, userID, paymentID string) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetPayment")
	defer span.End()

	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 AND user_id::text = $2`,
		paymentID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *Store) CountActivePayments(ctx context.Context, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CountActivePayments")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM payments WHERE user_id = $1 AND status = 'ACTIVE'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

func (s *Store) CreatePaymentLink(ctx context.Context, l *domain.PaymentLink) (*domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreatePaymentLink")
	defer span.End()

	id := l.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := l.Status
	if status == "" {
		status = domain.PaymentLinkActive
	}
	now := s.now()

	out, err := scanLink(s.pool.QueryRow(ctx, `
		INSERT INTO payment_links (id, user_id, title, description, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+linkColumns,
		id, l.UserID, l.Title, l.Description, l.Amount, status, now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert payment link: %w", err)
	}
	return out, nil
}

func (s *Store) GetPaymentLink(ctx context.Context, linkID string) (*domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetPaymentLink")
	defer span.End()

	l, err := scanLink(s.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM payment_links WHERE id = $1`, linkID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "payment_link", ID: linkID}
	}
	if err != nil {
		return nil, fmt.Errorf("get payment link: %w", err)
	}
	return l, nil
}

func (s *Store) CreateRecurringCharge(ctx context.Context, c *domain.RecurringCharge) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreateRecurringCharge")
	defer span.End()

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := c.Status
	if status == "" {
		status = domain.RecurringActive
	}
	now := s.now()

	out, err := scanRecurring(s.pool.QueryRow(ctx, `
		INSERT INTO recurring_charges (id, user_id, amount, description, frequency, status, next_charge_date,
		                               customer_name, customer_email, customer_phone, customer_tax_id,
		                               created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+recurringColumns,
		id, c.UserID, c.Amount, c.Description, c.Frequency, status, c.NextChargeDate,
		c.CustomerName, c.CustomerEmail, c.CustomerPhone, c.CustomerTaxID, now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert recurring charge: %w", err)
	}
	return out, nil
}

func (s *Store) GetRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetRecurringCharge")
	defer span.End()

	c, err := scanRecurring(s.pool.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_charges WHERE id = $1 AND user_id::text = $2`,
		chargeID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "recurring_charge", ID: chargeID}
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring charge: %w", err)
	}
	return c, nil
}

func (s *Store) CountActiveRecurringCharges(ctx context.Context, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CountActiveRecurringCharges")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM recurring_charges WHERE user_id = $1 AND status = 'ACTIVE'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recurring charges: %w", err)
	}
	return n, nil
}

func (s *Store) TransitionRecurringCharge(ctx context.Context, userID, chargeID string, from []domain.RecurringStatus, to domain.RecurringStatus) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Postgres.TransitionRecurringCharge")
	defer span.End()
	span.SetAttributes(attribute.String("recurring_charge.id", chargeID), attribute.String("to", string(to)))

	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}

	c, err := scanRecurring(s.pool.QueryRow(ctx, `
		UPDATE recurring_charges
		   SET status = $3, updated_at = $5
		 WHERE id = $1 AND user_id = $2 AND status = ANY($4)
		RETURNING `+recurringColumns,
		chargeID, userID, string(to), allowed, s.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition recurring charge: %w", err)
	}
	return c, nil
}

func (s *Store) ListChargeHistory(ctx context.Context, chargeID string) ([]domain.ChargeHistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListChargeHistory")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM charge_history WHERE recurring_charge_id = $1 ORDER BY charge_date DESC`,
		chargeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list charge history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChargeHistoryEntry, 0)
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge history: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ============================================================
// DeliveryLogStore
// ============================================================

func (s *Store) InsertDeliveryLog(ctx context.Context, log *domain.WebhookDeliveryLog) (string, error) {
	ctx, span := tracer.Start(ctx, "Postgres.InsertDeliveryLog")
	defer span.End()

	id := uuid.NewString()
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	outcome := log.Outcome
	if outcome == "" {
		outcome = domain.OutcomePending
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_logs (id, event_type, correlation_id, transaction_id, status, value, payload,
		                          signature_valid, processed, outcome, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, log.EventType, nullIfEmpty(log.CorrelationID), nullIfEmpty(log.TransactionID), nullIfEmpty(log.Status),
		log.Value, []byte(log.Payload), log.SignatureValid, log.Processed, string(outcome),
		nullIfEmpty(log.ErrorMessage), createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert delivery log: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateDeliveryLog(ctx context.Context, id string, upd domain.DeliveryUpdate) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateDeliveryLog")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_logs
		   SET processed = $2, outcome = $3, error_message = $4, processed_at = $5
		 WHERE id = $1`,
		id, upd.Processed, string(upd.Outcome), nullIfEmpty(upd.ErrorMessage), upd.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "webhook_delivery", ID: id}
	}
	return nil
}

func (s *Store) ListDeliveryLogs(ctx context.Context, filter domain.DeliveryLogFilter) ([]domain.WebhookDeliveryLog, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListDeliveryLogs")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		where = append(where, fmt.Sprintf("processed = $%d", len(args)))
	}
	if filter.CorrelationID != "" {
		args = append(args, filter.CorrelationID)
		where = append(where, fmt.Sprintf("correlation_id = $%d", len(args)))
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WebhookDeliveryLog, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
