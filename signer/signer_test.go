package signer

import (
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vitwit/toolpay/types"
	"github.com/vitwit/toolpay/utils"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279f5d3c330b6a0b8c8e7"

func testRequirement() *types.PaymentRequirement {
	return &types.PaymentRequirement{
		Scheme:            types.SchemeExact,
		Network:           "base-sepolia",
		PayTo:             "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "10000",
		MaxTimeoutSeconds: 300,
	}
}

func newTestSigner(t *testing.T) *EVMSigner {
	t.Helper()
	s, err := NewEVMSigner(Config{PrivateKeyHex: testKeyHex, ChainID: 84532})
	if err != nil {
		t.Fatalf("NewEVMSigner() error = %v", err)
	}
	return s
}

func TestSignProducesVerifiableAuthorization(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirement()

	auth, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := auth.Validate(); err != nil {
		t.Fatalf("signed authorization invalid: %v", err)
	}

	payload := auth.Payload.Authorization
	if !strings.EqualFold(payload.From, s.Address()) {
		t.Errorf("From = %s; want signer address %s", payload.From, s.Address())
	}
	if !strings.EqualFold(payload.To, req.PayTo) {
		t.Errorf("To = %s; want %s", payload.To, req.PayTo)
	}
	if payload.Value != req.Amount {
		t.Errorf("Value = %s; want %s", payload.Value, req.Amount)
	}

	// The signature must recover to the payer under the same domain.
	recovered, err := utils.RecoverAuthorizationSigner(payload, auth.Payload.Signature, utils.SigningDomain{
		Name:    "USDC",
		Version: "2",
		ChainID: big.NewInt(84532),
		Asset:   req.Asset,
	})
	if err != nil {
		t.Fatalf("RecoverAuthorizationSigner() error = %v", err)
	}
	if !strings.EqualFold(recovered, s.Address()) {
		t.Errorf("recovered signer = %s; want %s", recovered, s.Address())
	}
}

func TestSignValidityWindow(t *testing.T) {
	s := newTestSigner(t)
	fixed := time.Unix(1763450292, 0)
	s.now = func() time.Time { return fixed }

	auth, err := s.Sign(testRequirement())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	payload := auth.Payload.Authorization
	validAfter, _ := strconv.ParseInt(payload.ValidAfter, 10, 64)
	validBefore, _ := strconv.ParseInt(payload.ValidBefore, 10, 64)

	if validBefore != fixed.Unix()+300 {
		t.Errorf("validBefore = %d; want now+300 = %d", validBefore, fixed.Unix()+300)
	}
	if validAfter != fixed.Unix()-clockSkewSeconds {
		t.Errorf("validAfter = %d; want now-%d = %d", validAfter, clockSkewSeconds, fixed.Unix()-clockSkewSeconds)
	}
}

func TestSignFreshNoncePerCall(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirement()

	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		auth, err := s.Sign(req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		nonce := auth.Payload.Authorization.Nonce
		if seen[nonce] {
			t.Fatalf("nonce %s reused on call %d", nonce, i)
		}
		seen[nonce] = true
	}
}

func TestSignRejectsInvalidRequirement(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirement()
	req.Amount = "0.01" // not atomic units

	if _, err := s.Sign(req); !types.IsCode(err, types.ErrInvalidRequirements) {
		t.Errorf("Sign() error = %v; want code %s", err, types.ErrInvalidRequirements)
	}
}

func TestNewEVMSignerRejectsBadKey(t *testing.T) {
	if _, err := NewEVMSigner(Config{PrivateKeyHex: "zz", ChainID: 1}); err == nil {
		t.Error("NewEVMSigner() = nil error for invalid key")
	}
}
