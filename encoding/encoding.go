// Package encoding converts payment protocol values to and from the opaque
// base64 JSON strings carried in transport headers (X-Payment and
// X-Payment-Response style).
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vitwit/toolpay/types"
)

// EncodeAuthorization converts a PaymentAuthorization to a base64-encoded
// JSON string suitable for an X-Payment header value.
func EncodeAuthorization(auth *types.PaymentAuthorization) (string, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeAuthorization converts a base64-encoded JSON string back to a
// PaymentAuthorization.
func DecodeAuthorization(encoded string) (*types.PaymentAuthorization, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var auth types.PaymentAuthorization
	if err := json.Unmarshal(decoded, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization: %w", err)
	}

	return &auth, nil
}

// EncodeReceipt converts a SettlementReceipt to a base64-encoded JSON
// string suitable for an X-Payment-Response header value.
func EncodeReceipt(receipt *types.SettlementReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt converts a base64-encoded JSON string back to a
// SettlementReceipt.
func DecodeReceipt(encoded string) (*types.SettlementReceipt, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var receipt types.SettlementReceipt
	if err := json.Unmarshal(decoded, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return &receipt, nil
}

// EncodeRequirement converts a PaymentRequirement to base64 JSON.
func EncodeRequirement(req *types.PaymentRequirement) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequirement converts base64 JSON back to a PaymentRequirement.
func DecodeRequirement(encoded string) (*types.PaymentRequirement, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var req types.PaymentRequirement
	if err := json.Unmarshal(decoded, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirement: %w", err)
	}

	return &req, nil
}
