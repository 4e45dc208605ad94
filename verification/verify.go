// Package verification checks received payment authorizations against the
// requirement they claim to satisfy. Verification is purely cryptographic:
// no network I/O happens here.
package verification

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/toolpay/types"
	"github.com/vitwit/toolpay/utils"
)

// Verifier validates authorizations for one network. Checks run in a fixed
// order and short-circuit on the first failure, each with a specific
// reason: recipient, amount, signature, expiry, nonce reuse.
type Verifier struct {
	chainID       *big.Int
	tokenName     string
	tokenVersion  string
	now           func() time.Time
	mu            sync.Mutex
	consumedNonce map[string]struct{}
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTokenDomain overrides the EIP-712 name/version of the asset contract.
func WithTokenDomain(name, version string) Option {
	return func(v *Verifier) {
		v.tokenName = name
		v.tokenVersion = version
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier bound to a chain ID.
func NewVerifier(chainID int64, opts ...Option) *Verifier {
	v := &Verifier{
		chainID:       big.NewInt(chainID),
		tokenName:     "USDC",
		tokenVersion:  "2",
		now:           time.Now,
		consumedNonce: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify checks an authorization against a requirement. A nil return means
// the authorization is acceptable for settlement. On success the nonce is
// marked consumed, so presenting the same authorization twice fails with
// NONCE_REUSED; the settlement layer's own transaction uniqueness remains
// the authoritative replay guard.
func (v *Verifier) Verify(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) error {
	if err := auth.Validate(); err != nil {
		return types.NewPaymentError(types.ErrInvalidPayload, "%v", err)
	}

	if err := req.Validate(); err != nil {
		return types.NewPaymentError(types.ErrInvalidRequirements, "%v", err)
	}

	payload := auth.Payload.Authorization

	// 1. Recipient must match the requirement exactly.
	if !strings.EqualFold(payload.To, req.PayTo) {
		return types.NewPaymentError(types.ErrRecipientMismatch,
			"authorization pays %s, requirement demands %s", payload.To, req.PayTo)
	}

	// 2. Authorized value may exceed the requirement but never undercut it.
	value, err := payload.ValueBig()
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidPayload, "%v", err)
	}
	required, err := req.AmountBig()
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidRequirements, "%v", err)
	}
	if value.Cmp(required) < 0 {
		return types.NewPaymentError(types.ErrInsufficientAmount,
			"authorized %s, required %s", payload.Value, req.Amount)
	}

	// 3. Recompute the digest and recover the signer.
	signerAddr, err := utils.RecoverAuthorizationSigner(payload, auth.Payload.Signature, utils.SigningDomain{
		Name:    v.tokenName,
		Version: v.tokenVersion,
		ChainID: v.chainID,
		Asset:   req.Asset,
	})
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidSignature,
			"signature recovery failed: %v", err)
	}
	if !strings.EqualFold(signerAddr, payload.From) {
		return types.NewPaymentError(types.ErrInvalidSignature,
			"signature recovers to %s, authorization claims %s", signerAddr, payload.From)
	}

	// 4. Time window.
	now := v.now().Unix()
	validBefore, err := payload.ValidBeforeUnix()
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidPayload, "%v", err)
	}
	if now > validBefore {
		return types.NewPaymentError(types.ErrAuthorizationExpired,
			"authorization expired at %d, now %d", validBefore, now)
	}
	if validAfter, err := payload.ValidAfterUnix(); err == nil && now < validAfter {
		return types.NewPaymentError(types.ErrAuthorizationExpired,
			"authorization not valid until %d, now %d", validAfter, now)
	}

	// 5. Local replay tracking.
	if err := v.consume(payload.Nonce); err != nil {
		return err
	}

	return nil
}

func (v *Verifier) consume(nonce string) error {
	key := strings.ToLower(nonce)

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, seen := v.consumedNonce[key]; seen {
		return types.NewPaymentError(types.ErrNonceReused,
			"authorization nonce %s already consumed", nonce)
	}
	v.consumedNonce[key] = struct{}{}
	return nil
}

// Release forgets a consumed nonce, allowing a caller that re-presents the
// same authorization after a failed settlement to verify it again.
func (v *Verifier) Release(nonce string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.consumedNonce, strings.ToLower(nonce))
}
