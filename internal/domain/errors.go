package domain

import "fmt"

// Error types for consistent error handling across the gateway.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrForbidden indicates the caller lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrConflict indicates the request conflicts with the current state of a
// resource, e.g. an illegal recurring charge transition.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrInvalidSignature indicates a webhook whose HMAC did not match.
type ErrInvalidSignature struct {
	Missing bool
}

func (e *ErrInvalidSignature) Error() string {
	if e.Missing {
		return "missing webhook signature"
	}
	return "invalid webhook signature"
}

// ErrMalformedPayload indicates a webhook body we cannot act on.
type ErrMalformedPayload struct {
	Reason string
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("malformed webhook payload: %s", e.Reason)
}

// Settlement stages reported by ErrSettlement.
const (
	StageStatusUpdate  = "status_update"
	StageBalanceCredit = "balance_credit"
	StageHistory       = "charge_history"
	StageSchedule      = "schedule_update"
	StageLinkCounters  = "payment_link_counters"
	StageCommit        = "commit"
)

// ErrSettlement indicates a persistence failure inside a settlement.
// Stage tells operators which write failed; a balance_credit failure means
// the entity would have looked paid without funds had the writes not been
// rolled back together.
type ErrSettlement struct {
	Stage         string
	CorrelationID string
	Err           error
}

func (e *ErrSettlement) Error() string {
	return fmt.Sprintf("settlement failed at %s for %s: %v", e.Stage, e.CorrelationID, e.Err)
}

func (e *ErrSettlement) Unwrap() error {
	return e.Err
}
