package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the campaign or owner record vanished.
	ErrNotFound = errors.New("record not found")
	// ErrResourceExhausted means a proxy or account pool had nothing to lease.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInsufficientFunds means the owner cannot pay for the remaining steps.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDataIntegrity means a conditional update did not match exactly one document.
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrLedgerWrite means a payment intent or debit record was not written.
	ErrLedgerWrite = errors.New("ledger write failed")
	// ErrConflict means a compare-and-swap kept losing to concurrent writers.
	ErrConflict = errors.New("revision conflict")
	// ErrInvalidCampaign means a stored campaign failed load-time validation.
	ErrInvalidCampaign = errors.New("invalid campaign")
)

// StepError ties a fatal step failure to its campaign and the phase of the
// step in which it happened.
type StepError struct {
	CampaignID string
	Phase      string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("campaign %s: %s: %v", e.CampaignID, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Error codes rendered by the admin API.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnavailable    = "unavailable"
)

// APIError is the structured error envelope returned over HTTP.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeInvalidRequest, Message: message, Details: details}
}

// NewNotFoundError creates a not found error for a resource.
func NewNotFoundError(resourceType, resourceID string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewUnavailableError reports a backing service that cannot be reached.
func NewUnavailableError(service string, err error) *APIError {
	return &APIError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("%s unavailable: %v", service, err),
		Details: map[string]any{"service": service},
	}
}
