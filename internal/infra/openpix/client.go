// Package openpix creates PIX charges at the OpenPix processor.
package openpix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("openpix")

// Client calls the OpenPix charge API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a new Client.
func NewClient(httpClient *http.Client, baseURL, appID string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		appID:      appID,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

type customerBody struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	TaxID string `json:"taxID,omitempty"`
}

type chargeRequestBody struct {
	CorrelationID string        `json:"correlationID"`
	Value         int64         `json:"value"`
	Comment       string        `json:"comment,omitempty"`
	Customer      *customerBody `json:"customer,omitempty"`
}

type chargeResponseBody struct {
	Charge struct {
		CorrelationID string `json:"correlationID"`
		BRCode        string `json:"brCode"`
		QRCodeImage   string `json:"qrCodeImage"`
		ExpiresDate   string `json:"expiresDate"`
	} `json:"charge"`
	BRCode string `json:"brCode"`
}

// CreateCharge registers a charge. Value is in cents; the processor echoes
// the correlation id back on every webhook about this charge.
func (c *Client) CreateCharge(ctx context.Context, req *domain.ChargeRequest) (*domain.Charge, error) {
	ctx, span := tracer.Start(ctx, "OpenPix.CreateCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("correlation.id", req.CorrelationID),
		attribute.Int64("charge.value", req.Value),
	)

	payload := chargeRequestBody{
		CorrelationID: req.CorrelationID,
		Value:         req.Value,
		Comment:       req.Comment,
	}
	if req.Customer != nil {
		payload.Customer = &customerBody{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
			TaxID: req.Customer.TaxID,
		}
	}

	var chargeResp chargeResponseBody

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := json.Marshal(payload)
			if err != nil {
				return resilience.Permanent(err)
			}

			url := fmt.Sprintf("%s/api/v1/charge", c.baseURL)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Authorization", c.appID)

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				c.logger.Warn("openpix: non-2xx response",
					zap.String("correlation_id", req.CorrelationID),
					zap.Int("status", resp.StatusCode),
					zap.String("body", string(raw)),
				)
				statusErr := fmt.Errorf("openpix API returned status %d", resp.StatusCode)
				if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return resilience.Permanent(statusErr)
				}
				return statusErr
			}

			return json.NewDecoder(resp.Body).Decode(&chargeResp)
		})
	})

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ErrCircuitOpen{Service: "openpix"}
		}
		return nil, &domain.ErrExternalService{Service: "openpix", Err: err}
	}

	out := &domain.Charge{
		CorrelationID: chargeResp.Charge.CorrelationID,
		BRCode:        chargeResp.Charge.BRCode,
		QRCodeImage:   chargeResp.Charge.QRCodeImage,
	}
	if out.CorrelationID == "" {
		out.CorrelationID = req.CorrelationID
	}
	if out.BRCode == "" {
		out.BRCode = chargeResp.BRCode
	}
	if chargeResp.Charge.ExpiresDate != "" {
		if t, err := time.Parse(time.RFC3339, chargeResp.Charge.ExpiresDate); err == nil {
			out.ExpiresAt = &t
		}
	}

	c.logger.Debug("openpix: charge created", zap.String("correlation_id", out.CorrelationID))
	return out, nil
}
