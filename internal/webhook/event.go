package webhook

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
)

// OpenPix event names that move money.
const (
	EventChargeCompleted     = "OPENPIX:CHARGE_COMPLETED"
	EventTransactionReceived = "OPENPIX:TRANSACTION_RECEIVED"
)

// payload mirrors the parts of the OpenPix delivery we read. The processor
// nests fields differently per event, so most of it is optional.
type payload struct {
	Event  string      `json:"event"`
	Charge *chargeBody `json:"charge"`
	Pix    *pixBody    `json:"pix"`
}

type chargeBody struct {
	CorrelationID string      `json:"correlationID"`
	TransactionID string      `json:"transactionID"`
	Value         json.Number `json:"value"`
	Status        string      `json:"status"`
}

type pixBody struct {
	Charge        *chargeBody `json:"charge"`
	TransactionID string      `json:"transactionID"`
	Value         json.Number `json:"value"`
	EndToEndID    string      `json:"endToEndId"`
}

// Event is the classified view of a delivery.
type Event struct {
	Name          string
	CorrelationID string
	TransactionID string
	Status        string
	Value         int64 // cents
}

// Relevant reports whether the event should trigger settlement.
func (e Event) Relevant() bool {
	return e.Name == EventChargeCompleted || e.Name == EventTransactionReceived
}

// envelope reads only the event name, so deliveries that do not settle are
// acknowledged whatever shape the rest of the body has.
type envelope struct {
	Event json.RawMessage `json:"event"`
}

// Parse decodes a raw delivery body and extracts the settlement fields.
// Only bodies that are not a JSON object, and settling events whose fields
// cannot be read, are malformed. Other events are parsed best effort for
// the audit trail.
func Parse(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, &domain.ErrMalformedPayload{Reason: err.Error()}
	}

	var name string
	_ = json.Unmarshal(env.Event, &name)
	name = strings.TrimSpace(name)

	var p payload
	err := json.Unmarshal(body, &p)
	ev := Event{Name: name}
	if err == nil {
		ev.CorrelationID = correlationID(p)
		ev.TransactionID = transactionID(p)
		ev.Status = status(p)
	}

	if !ev.Relevant() {
		if err == nil {
			ev.Value, _ = value(p)
		}
		return ev, nil
	}

	if err != nil {
		return ev, &domain.ErrMalformedPayload{Reason: err.Error()}
	}
	v, err := value(p)
	if err != nil {
		return ev, &domain.ErrMalformedPayload{Reason: err.Error()}
	}
	ev.Value = v
	return ev, nil
}

// correlationID tries charge.correlationID, then pix.charge.correlationID.
func correlationID(p payload) string {
	if p.Charge != nil {
		if v := strings.TrimSpace(p.Charge.CorrelationID); v != "" {
			return v
		}
	}
	if p.Pix != nil && p.Pix.Charge != nil {
		return strings.TrimSpace(p.Pix.Charge.CorrelationID)
	}
	return ""
}

// transactionID tries charge.transactionID, pix.transactionID, then the
// end-to-end id of the PIX movement.
func transactionID(p payload) string {
	if p.Charge != nil {
		if v := strings.TrimSpace(p.Charge.TransactionID); v != "" {
			return v
		}
	}
	if p.Pix != nil {
		if v := strings.TrimSpace(p.Pix.TransactionID); v != "" {
			return v
		}
		return strings.TrimSpace(p.Pix.EndToEndID)
	}
	return ""
}

func status(p payload) string {
	if p.Charge != nil && p.Charge.Status != "" {
		return p.Charge.Status
	}
	if p.Pix != nil && p.Pix.Charge != nil {
		return p.Pix.Charge.Status
	}
	return ""
}

// value tries charge.value, then pix.value. A missing value yields zero;
// a present value must be a whole, non-negative number of cents.
func value(p payload) (int64, error) {
	if p.Charge != nil && p.Charge.Value != "" {
		return cents(p.Charge.Value)
	}
	if p.Pix != nil && p.Pix.Value != "" {
		return cents(p.Pix.Value)
	}
	return 0, nil
}

// maxCents is the first float64 past the int64 range.
const maxCents = float64(1 << 63)

func cents(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("negative value %s", n)
		}
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid value %s", n)
	}
	f = math.Round(f)
	if f < 0 || f >= maxCents {
		return 0, fmt.Errorf("value %s out of range", n)
	}
	return int64(f), nil
}

// RawJSON returns body when it is valid JSON, otherwise body encoded as a
// JSON string, so it can always be stored in a json column.
func RawJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}
