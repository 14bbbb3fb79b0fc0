package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/handler"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/cache"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/memstore"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/openpix"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/resilience"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"
	"github.com/boddenberg/pixgw-settlement-go/internal/webhook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TestFullFlow creates a payment through a mock OpenPix, settles it with the
// processor's webhook and reads the credited balance back.
func TestFullFlow(t *testing.T) {
	// --- Mock OpenPix API ---
	openPixServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CorrelationID string `json:"correlationID"`
			Value         int64  `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"charge": map[string]any{
				"correlationID": req.CorrelationID,
				"value":         req.Value,
				"brCode":        "00020101021226br",
				"expiresDate":   "2030-01-01T00:00:00Z",
			},
		})
	}))
	defer openPixServer.Close()

	// --- Build services ---
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 10}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	store := memstore.New()
	store.PutUser(domain.User{ID: userID})
	replay := cache.New[bool](time.Minute)
	defer replay.Close()

	charges := openpix.NewClient(httpClient, openPixServer.URL, "app-id", resilience.NewCircuitBreaker("openpix"), cfg, logger)
	settle := service.NewSettlementService(store, store, replay, resilience.NewBulkhead(cfg.MaxConcurrency),
		service.SettlementConfig{WebhookSecret: webhookSecret, RequireSignature: true}, metrics, logger)
	billing := service.NewBillingService(store, charges, metrics, logger)
	srv := &testServer{
		router: handler.NewRouter(settle, billing, service.NewTokenVerifier(jwtSecret), store, metrics, logger),
		store:  store,
	}
	user := token(t, userID, service.RoleAuthenticated)

	// --- Create payment ---
	rec := srv.do(t, http.MethodPost, "/v1/payments", user, map[string]any{
		"amount":      "49.90",
		"description": "Invoice 42",
		"customer":    map[string]any{"name": "Empresa Teste", "tax_id": "12345678000190"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payment := decode[domain.Payment](t, rec)
	if payment.BRCode != "00020101021226br" || payment.ExpiresAt == nil {
		t.Errorf("expected charge details on payment, got %+v", payment)
	}

	// --- Processor delivers the signed webhook ---
	body := completedBody(payment.CorrelationID, "E2E-0001", 4990)
	rec = srv.deliver(t, "/v1/webhooks/openpix", body, signed(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.SuccessResponse](t, rec).Outcome; got != domain.OutcomeSettledPayment {
		t.Errorf("expected settled_payment, got %s", got)
	}

	// --- Owner sees it paid ---
	rec = srv.do(t, http.MethodGet, "/v1/payments/"+payment.ID, user, nil)
	if got := decode[domain.Payment](t, rec); got.Status != domain.PaymentCompleted || got.TransactionID != "E2E-0001" {
		t.Errorf("expected COMPLETED with transaction id, got %s/%s", got.Status, got.TransactionID)
	}

	rec = srv.do(t, http.MethodGet, "/v1/me/summary", user, nil)
	summary := decode[domain.UserSummary](t, rec)
	if !summary.User.Balance.Equal(decimal.RequireFromString("49.90")) {
		t.Errorf("expected balance 49.90, got %s", summary.User.Balance)
	}
	if summary.ActivePayments != 0 {
		t.Errorf("expected no active payments, got %d", summary.ActivePayments)
	}

	// --- Operator view ---
	rec = srv.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?processed=true", token(t, "", service.RoleServiceRole), nil)
	var listing struct {
		Deliveries []domain.WebhookDeliveryLog `json:"deliveries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode deliveries: %v", err)
	}
	if len(listing.Deliveries) != 1 || listing.Deliveries[0].Outcome != domain.OutcomeSettledPayment {
		t.Errorf("expected one settled delivery, got %+v", listing.Deliveries)
	}
}

func signed(body string) string {
	return webhook.Sign([]byte(body), webhookSecret)
}

func TestCreatePayment_Validation(t *testing.T) {
	srv := newTestServer(t, service.SettlementConfig{})
	user := token(t, userID, service.RoleAuthenticated)

	tests := []struct {
		name string
		body any
	}{
		{name: "zero amount", body: map[string]any{"amount": 0}},
		{name: "unknown field", body: map[string]any{"amount": 1, "currency": "BRL"}},
		{name: "not json", body: "amount=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/v1/payments", user, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPaymentLinkFlow(t *testing.T) {
	srv := newTestServer(t, service.SettlementConfig{})
	owner := token(t, userID, service.RoleAuthenticated)

	rec := srv.do(t, http.MethodPost, "/v1/payment-links", owner, map[string]any{"title": "Workshop", "amount": 150})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	link := decode[domain.PaymentLink](t, rec)

	// Someone else's token does not see the link.
	rec = srv.do(t, http.MethodGet, "/v1/payment-links/"+link.ID, token(t, "other-user", service.RoleAuthenticated), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign link, got %d", rec.Code)
	}

	// The payer needs no token.
	rec = srv.do(t, http.MethodPost, "/v1/public/payment-links/"+link.ID+"/charges", "", map[string]any{
		"customer": map[string]any{"name": "Joana"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	charge := decode[domain.Charge](t, rec)
	if charge.BRCode == "" {
		t.Fatalf("expected a BR code")
	}

	srv.deliver(t, "/v1/webhooks/openpix", completedBody(charge.CorrelationID, "tx-link", 15000), "")

	rec = srv.do(t, http.MethodGet, "/v1/payment-links/"+link.ID, owner, nil)
	got := decode[domain.PaymentLink](t, rec)
	if got.PaymentsCount != 1 || !got.TotalReceived.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected link counters 1/150, got %d/%s", got.PaymentsCount, got.TotalReceived)
	}
}

func TestRecurringChargeLifecycle(t *testing.T) {
	srv := newTestServer(t, service.SettlementConfig{})
	user := token(t, userID, service.RoleAuthenticated)

	rec := srv.do(t, http.MethodPost, "/v1/recurring-charges", user, map[string]any{
		"amount":    "25.00",
		"frequency": "monthly",
		"customer":  map[string]any{"name": "Cliente Mensal"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[domain.RecurringChargeCreated](t, rec)
	id := created.RecurringCharge.ID
	if created.FirstCharge.CorrelationID != id {
		t.Errorf("expected first charge to correlate on %s, got %s", id, created.FirstCharge.CorrelationID)
	}

	srv.deliver(t, "/v1/webhooks/openpix", completedBody(id, "tx-cycle-1", 2500), "")

	rec = srv.do(t, http.MethodGet, "/v1/recurring-charges/"+id+"/history", user, nil)
	var history struct {
		History []domain.ChargeHistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 1 {
		t.Fatalf("expected one paid cycle, got %d", len(history.History))
	}

	steps := []struct {
		action string
		want   int
		status domain.RecurringStatus
	}{
		{action: "resume", want: http.StatusConflict},
		{action: "pause", want: http.StatusOK, status: domain.RecurringPaused},
		{action: "pause", want: http.StatusConflict},
		{action: "resume", want: http.StatusOK, status: domain.RecurringActive},
		{action: "cancel", want: http.StatusOK, status: domain.RecurringCancelled},
		{action: "resume", want: http.StatusConflict},
	}
	for i, step := range steps {
		rec := srv.do(t, http.MethodPost, "/v1/recurring-charges/"+id+"/"+step.action, user, nil)
		if rec.Code != step.want {
			t.Fatalf("step %d (%s): expected %d, got %d: %s", i, step.action, step.want, rec.Code, rec.Body.String())
		}
		if step.status != "" {
			if got := decode[domain.RecurringCharge](t, rec).Status; got != step.status {
				t.Errorf("step %d (%s): expected %s, got %s", i, step.action, step.status, got)
			}
		}
	}

	rec = srv.do(t, http.MethodPost, "/v1/recurring-charges/"+id+"/pause", token(t, "other-user", service.RoleAuthenticated), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign charge, got %d", rec.Code)
	}
}
