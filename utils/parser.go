package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/toolpay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ParsePaymentRequirement parses and validates a PaymentRequirement from
// JSON.
func ParsePaymentRequirement(data []byte) (*types.PaymentRequirement, error) {
	var req types.PaymentRequirement

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidRequirements,
			"failed to parse payment requirement: %v", err)
	}

	if err := req.Validate(); err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidRequirements, "%v", err)
	}

	return &req, nil
}

// ParseAuthorization parses and validates a PaymentAuthorization from JSON.
func ParseAuthorization(data []byte) (*types.PaymentAuthorization, error) {
	var auth types.PaymentAuthorization

	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload,
			"failed to parse authorization: %v", err)
	}

	if err := auth.Validate(); err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload, "%v", err)
	}

	return &auth, nil
}

// ValidateStruct runs go-playground struct-tag validation on a
// configuration value and converts failures into a CONFIG_ERROR.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return types.NewPaymentError(types.ErrConfigError, "validation failed: %v", err)
	}
	return nil
}

// SerializeReceipt converts a SettlementReceipt to JSON.
func SerializeReceipt(receipt *types.SettlementReceipt) ([]byte, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize receipt: %w", err)
	}
	return data, nil
}
