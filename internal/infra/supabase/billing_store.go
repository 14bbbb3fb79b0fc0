package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Users, payments, payment links and recurring charges via PostgREST
// ============================================================

// getOne fetches the first row matching path, or ErrNotFound.
func getOne[T any](ctx context.Context, c *Client, path, resource, id string) (*T, error) {
	var row *T
	err := c.execute(ctx, true, func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		row, err = decodeFirst[T](body)
		return err
	})
	if err != nil {
		return nil, externalErr(resource, err)
	}
	if row == nil {
		return nil, &domain.ErrNotFound{Resource: resource, ID: id}
	}
	return row, nil
}

// insertOne posts a row and decodes the representation PostgREST returns.
// Inserts are not retried.
func insertOne[T any](ctx context.Context, c *Client, table string, row map[string]any) (*T, error) {
	var out *T
	err := c.execute(ctx, false, func() error {
		body, err := c.doPost(ctx, table, row)
		if err != nil {
			return err
		}
		out, err = decodeFirst[T](body)
		return err
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUniqueViolation {
			return nil, &domain.ErrConflict{Message: fmt.Sprintf("%s already exists", table)}
		}
		return nil, externalErr(table, err)
	}
	if out == nil {
		return nil, &domain.ErrExternalService{Service: "supabase/" + table, Err: fmt.Errorf("no result from %s insert", table)}
	}
	return out, nil
}

func (c *Client) count(ctx context.Context, path, resource string) (int, error) {
	var n int
	err := c.execute(ctx, true, func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		var rows []json.RawMessage
		if len(body) > 0 {
			if err := json.Unmarshal(body, &rows); err != nil {
				return fmt.Errorf("decode %s: %w", resource, err)
			}
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		return 0, externalErr(resource, err)
	}
	return n, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUser")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	return getOne[domain.User](ctx, c, "users?"+eq("id", userID)+"&limit=1", "user", userID)
}

// --- Payments ---

func (c *Client) CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("correlation.id", p.CorrelationID))

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := p.Status
	if status == "" {
		status = domain.PaymentActive
	}

	row := map[string]any{
		"id":              id,
		"user_id":         p.UserID,
		"correlation_id":  p.CorrelationID,
		"payment_link_id": nullable(p.PaymentLinkID),
		"amount":          p.Amount,
		"description":     p.Description,
		"status":          status,
		"br_code":         nullable(p.BRCode),
		"qr_code_image":   nullable(p.QRCodeImage),
		"expires_at":      p.ExpiresAt,
	}
	return insertOne[domain.Payment](ctx, c, "payments", row)
}

func (c *Client) GetPayment(ctx context.Context, userID, paymentID string) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetPayment")
	defer span.End()

	path := "payments?" + eq("id", paymentID) + "&" + eq("user_id", userID)
	return getOne[domain.Payment](ctx, c, path+"&limit=1", "payment", paymentID)
}

func (c *Client) CountActivePayments(ctx context.Context, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CountActivePayments")
	defer span.End()

	return c.count(ctx, "payments?select=id&status=eq.ACTIVE&"+eq("user_id", userID), "payments")
}

// --- Payment links ---

func (c *Client) CreatePaymentLink(ctx context.Context, l *domain.PaymentLink) (*domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreatePaymentLink")
	defer span.End()

	id := l.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := l.Status
	if status == "" {
		status = domain.PaymentLinkActive
	}

	row := map[string]any{
		"id":          id,
		"user_id":     l.UserID,
		"title":       l.Title,
		"description": l.Description,
		"amount":      l.Amount,
		"status":      status,
	}
	return insertOne[domain.PaymentLink](ctx, c, "payment_links", row)
}

func (c *Client) GetPaymentLink(ctx context.Context, linkID string) (*domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetPaymentLink")
	defer span.End()

	return getOne[domain.PaymentLink](ctx, c, "payment_links?"+eq("id", linkID)+"&limit=1", "payment_link", linkID)
}

// --- Recurring charges ---

func (c *Client) CreateRecurringCharge(ctx context.Context, rc *domain.RecurringCharge) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateRecurringCharge")
	defer span.End()

	id := rc.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := rc.Status
	if status == "" {
		status = domain.RecurringActive
	}

	row := map[string]any{
		"id":               id,
		"user_id":          rc.UserID,
		"amount":           rc.Amount,
		"description":      rc.Description,
		"frequency":        rc.Frequency,
		"status":           status,
		"next_charge_date": timestamp(rc.NextChargeDate),
		"customer_name":    rc.CustomerName,
		"customer_email":   rc.CustomerEmail,
		"customer_phone":   rc.CustomerPhone,
		"customer_tax_id":  rc.CustomerTaxID,
	}
	return insertOne[domain.RecurringCharge](ctx, c, "recurring_charges", row)
}

func (c *Client) GetRecurringCharge(ctx context.Context, userID, chargeID string) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetRecurringCharge")
	defer span.End()

	path := "recurring_charges?" + eq("id", chargeID) + "&" + eq("user_id", userID)
	return getOne[domain.RecurringCharge](ctx, c, path+"&limit=1", "recurring_charge", chargeID)
}

func (c *Client) CountActiveRecurringCharges(ctx context.Context, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CountActiveRecurringCharges")
	defer span.End()

	return c.count(ctx, "recurring_charges?select=id&status=eq.ACTIVE&"+eq("user_id", userID), "recurring_charges")
}

// TransitionRecurringCharge issues a PATCH filtered on the allowed source
// statuses; an empty representation means the transition did not apply.
func (c *Client) TransitionRecurringCharge(ctx context.Context, userID, chargeID string, from []domain.RecurringStatus, to domain.RecurringStatus) (*domain.RecurringCharge, error) {
	ctx, span := tracer.Start(ctx, "Supabase.TransitionRecurringCharge")
	defer span.End()
	span.SetAttributes(attribute.String("recurring_charge.id", chargeID), attribute.String("to", string(to)))

	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	path := fmt.Sprintf("recurring_charges?%s&%s&status=in.(%s)",
		eq("id", chargeID), eq("user_id", userID), strings.Join(allowed, ","))

	var out *domain.RecurringCharge
	err := c.execute(ctx, true, func() error {
		body, err := c.doPatch(ctx, path, map[string]any{
			"status":     to,
			"updated_at": timestamp(timeNow()),
		})
		if err != nil {
			return err
		}
		out, err = decodeFirst[domain.RecurringCharge](body)
		return err
	})
	if err != nil {
		return nil, externalErr("recurring_charges", err)
	}
	return out, nil
}

func (c *Client) ListChargeHistory(ctx context.Context, chargeID string) ([]domain.ChargeHistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListChargeHistory")
	defer span.End()

	path := "charge_history?" + eq("recurring_charge_id", chargeID) + "&order=charge_date.desc"

	rows := make([]domain.ChargeHistoryEntry, 0)
	err := c.execute(ctx, true, func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil || len(body) == 0 {
			return err
		}
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, externalErr("charge_history", err)
	}
	return rows, nil
}
