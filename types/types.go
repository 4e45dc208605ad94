// Package types defines the wire-level data model for the toolpay x402
// payment protocol: requirements, signed authorizations, settlement
// receipts and the shared error taxonomy.
package types

import (
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// X402Version is the protocol version carried on every payment payload.
const X402Version = 1

// SchemeExact is the only payment scheme supported by this library:
// a signed authorization for an exact amount.
const SchemeExact = "exact"

// Settlement receipt events.
const (
	EventSettled = "payment.settled"
	EventFailed  = "payment.failed"
)

// PaymentRequirement describes what a payer must satisfy before a priced
// operation is executed. Amounts are atomic units of the asset, base-10
// encoded; represented as a string because Go does not support uint256.
type PaymentRequirement struct {
	// Scheme of the payment protocol to use. Only "exact" is supported.
	Scheme string `json:"scheme"`

	// Network identifier of the chain to pay on (e.g. "base-sepolia").
	Network string `json:"network"`

	// PayTo is the address the payment must be sent to.
	PayTo string `json:"payTo"`

	// Asset is the address of the token contract the payment is made in.
	Asset string `json:"asset"`

	// Amount required, in atomic units of the asset.
	Amount string `json:"amount"`

	// Description of the operation being purchased.
	Description string `json:"description,omitempty"`

	// MaxTimeoutSeconds bounds both the authorization validity window and
	// the settlement deadline.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`
}

// Validate checks that the PaymentRequirement contains all required fields.
func (r *PaymentRequirement) Validate() error {
	if r.Scheme != SchemeExact {
		return fmt.Errorf("paymentRequirement.scheme must be %q", SchemeExact)
	}

	if r.Network == "" {
		return fmt.Errorf("paymentRequirement.network is required")
	}

	if r.PayTo == "" {
		return fmt.Errorf("paymentRequirement.payTo is required")
	}

	if r.Asset == "" {
		return fmt.Errorf("paymentRequirement.asset is required")
	}

	if _, err := r.AmountBig(); err != nil {
		return err
	}

	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirement.maxTimeoutSeconds must be greater than 0")
	}

	return nil
}

// AmountBig parses the required amount as a non-negative integer.
func (r *PaymentRequirement) AmountBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("paymentRequirement.amount %q is not a non-negative integer", r.Amount)
	}
	return v, nil
}

// ExactAuthorization is the signed message body of an exact-scheme payment:
// a time-bounded, single-use commitment to transfer Value from From to To.
// Field layout follows EIP-3009 TransferWithAuthorization.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256, atomic units
	ValidAfter  string `json:"validAfter"`  // unix seconds
	ValidBefore string `json:"validBefore"` // unix seconds
	Nonce       string `json:"nonce"`       // 0x-prefixed bytes32
}

// ValueBig parses the authorized value as a non-negative integer.
func (a *ExactAuthorization) ValueBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("authorization.value %q is not a non-negative integer", a.Value)
	}
	return v, nil
}

// ValidBeforeUnix parses the expiry timestamp.
func (a *ExactAuthorization) ValidBeforeUnix() (int64, error) {
	return strconv.ParseInt(a.ValidBefore, 10, 64)
}

// ValidAfterUnix parses the not-before timestamp.
func (a *ExactAuthorization) ValidAfterUnix() (int64, error) {
	return strconv.ParseInt(a.ValidAfter, 10, 64)
}

// AuthorizationPayload couples an ExactAuthorization with the payer's
// signature over its typed-data digest.
type AuthorizationPayload struct {
	Authorization ExactAuthorization `json:"authorization"`

	// Signature is the 65-byte ECDSA signature (r||s||v), 0x-prefixed hex.
	Signature string `json:"signature"`
}

// PaymentAuthorization is the full transport unit a payer submits to unlock
// a priced operation. It is bound to exactly one requirement via the signed
// digest over (from, to, value, validAfter, validBefore, nonce) with the
// asset contract and chain in the signing domain.
type PaymentAuthorization struct {
	X402Version int                  `json:"x402Version"`
	Scheme      string               `json:"scheme"`
	Network     string               `json:"network"`
	Asset       string               `json:"asset"`
	Payload     AuthorizationPayload `json:"payload"`
}

// Validate checks that the PaymentAuthorization contains all required fields.
func (p *PaymentAuthorization) Validate() error {
	if p.X402Version <= 0 {
		return fmt.Errorf("authorization.x402Version must be greater than 0")
	}

	if p.Scheme != SchemeExact {
		return fmt.Errorf("authorization.scheme must be %q", SchemeExact)
	}

	if p.Network == "" {
		return fmt.Errorf("authorization.network is required")
	}

	if p.Asset == "" {
		return fmt.Errorf("authorization.asset is required")
	}

	auth := p.Payload.Authorization
	if auth.From == "" || auth.To == "" {
		return fmt.Errorf("authorization.from and authorization.to are required")
	}

	if _, err := auth.ValueBig(); err != nil {
		return err
	}

	if _, err := auth.ValidBeforeUnix(); err != nil {
		return fmt.Errorf("authorization.validBefore is not a unix timestamp: %w", err)
	}

	if auth.Nonce == "" {
		return fmt.Errorf("authorization.nonce is required")
	}

	if p.Payload.Signature == "" {
		return fmt.Errorf("authorization signature is required")
	}

	return nil
}

// SettlementReceipt records the outcome of exactly one settled
// authorization. SettlementID is unique per settlement and doubles as the
// ledger idempotency key.
type SettlementReceipt struct {
	Event        string    `json:"event"` // payment.settled or payment.failed
	TransferRef  string    `json:"transferRef"`
	SettlementID string    `json:"settlementId"`
	Amount       string    `json:"amount"`
	Asset        string    `json:"asset"`
	Network      string    `json:"network"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	BlockRef     string    `json:"blockRef,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Settled reports whether the receipt records a successful settlement.
func (r *SettlementReceipt) Settled() bool {
	return r.Event == EventSettled
}

// PaymentRequiredResponse is the 402-style demand for payment returned when
// a priced operation is invoked without an authorization and the caller
// must obtain one out of band.
type PaymentRequiredResponse struct {
	Status              int                `json:"status"` // always 402
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
	Operation           string             `json:"operation"`
	EstimatedAmount     string             `json:"estimatedAmount"`
}
