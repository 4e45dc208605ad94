package types

import (
	"errors"
	"fmt"
)

// PaymentError is the structured error returned by every payment-path
// component. Code is one of the Err* constants below.
type PaymentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a PaymentError with a formatted message.
func NewPaymentError(code, format string, args ...interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error codes
const (
	ErrUnknownOperation         = "UNKNOWN_OPERATION"
	ErrRecipientMismatch        = "RECIPIENT_MISMATCH"
	ErrInsufficientAmount       = "INSUFFICIENT_AMOUNT"
	ErrInvalidSignature         = "INVALID_SIGNATURE"
	ErrAuthorizationExpired     = "AUTHORIZATION_EXPIRED"
	ErrNonceReused              = "NONCE_REUSED"
	ErrSettlementRejected       = "SETTLEMENT_REJECTED"
	ErrSettlementTimeout        = "SETTLEMENT_TIMEOUT"
	ErrOperationExecutionFailed = "OPERATION_EXECUTION_FAILED"
	ErrLedgerWriteFailed        = "LEDGER_WRITE_FAILED"
	ErrInvalidPayload           = "INVALID_PAYLOAD"
	ErrInvalidRequirements      = "INVALID_REQUIREMENTS"
	ErrConfigError              = "CONFIG_ERROR"
)

// CodeOf extracts the payment error code from err, or "" if err is not a
// PaymentError.
func CodeOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a PaymentError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
