// Package signer constructs signed payment authorizations from a payer
// identity. Each authorization carries a fresh random nonce and a validity
// window derived from the requirement's timeout, and is signed over an
// EIP-712 digest bound to the target asset and chain so it cannot be
// replayed elsewhere.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/toolpay/types"
	"github.com/vitwit/toolpay/utils"
)

// clockSkewSeconds is subtracted from validAfter so an authorization is
// usable immediately even when the verifier's clock runs slightly behind.
const clockSkewSeconds = 10

// Signer produces a verifiable authorization for a payment requirement.
type Signer interface {
	// Address returns the payer address authorizations are signed from.
	Address() string

	// Sign creates a fresh authorization satisfying the requirement.
	Sign(req *types.PaymentRequirement) (*types.PaymentAuthorization, error)
}

// Config configures an EVMSigner.
type Config struct {
	// PrivateKeyHex is the payer's secp256k1 key. Never logged.
	PrivateKeyHex string `json:"privateKeyHex" validate:"required"`

	// ChainID of the network authorizations are bound to.
	ChainID int64 `json:"chainId" validate:"required"`

	// TokenName and TokenVersion are the EIP-712 domain fields of the
	// asset contract. Default to "USDC" / "2".
	TokenName    string `json:"tokenName"`
	TokenVersion string `json:"tokenVersion"`
}

// EVMSigner signs EIP-3009 style authorizations with a local ECDSA key.
type EVMSigner struct {
	key          *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	tokenName    string
	tokenVersion string
	now          func() time.Time
}

// NewEVMSigner creates a signer from hex key material.
func NewEVMSigner(cfg Config) (*EVMSigner, error) {
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, err
	}

	key, err := utils.PrivateKeyFromHex(cfg.PrivateKeyHex)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "invalid payer key: %v", err)
	}

	name := cfg.TokenName
	if name == "" {
		name = "USDC"
	}
	version := cfg.TokenVersion
	if version == "" {
		version = "2"
	}

	return &EVMSigner{
		key:          key,
		address:      utils.AddressFromPrivateKey(key),
		chainID:      big.NewInt(cfg.ChainID),
		tokenName:    name,
		tokenVersion: version,
		now:          time.Now,
	}, nil
}

// Address returns the payer address.
func (s *EVMSigner) Address() string {
	return s.address.Hex()
}

// Sign creates and signs an authorization for the requirement. The nonce is
// 32 bytes of cryptographic randomness and is never reused; validBefore is
// now plus the requirement's timeout.
func (s *EVMSigner) Sign(req *types.PaymentRequirement) (*types.PaymentAuthorization, error) {
	if err := req.Validate(); err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidRequirements, "%v", err)
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidSignature,
			"failed to generate nonce: %v", err)
	}

	now := s.now().Unix()
	auth := types.ExactAuthorization{
		From:        s.address.Hex(),
		To:          utils.NormalizeAddress(req.PayTo),
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now-clockSkewSeconds, 10),
		ValidBefore: strconv.FormatInt(now+int64(req.MaxTimeoutSeconds), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	digest, err := utils.AuthorizationDigest(auth, utils.SigningDomain{
		Name:    s.tokenName,
		Version: s.tokenVersion,
		ChainID: s.chainID,
		Asset:   req.Asset,
	})
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidSignature,
			"failed to compute signing digest: %v", err)
	}

	signature, err := utils.SignHash(digest, s.key)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidSignature,
			"failed to sign authorization: %v", err)
	}

	return &types.PaymentAuthorization{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     req.Network,
		Asset:       req.Asset,
		Payload: types.AuthorizationPayload{
			Authorization: auth,
			Signature:     signature,
		},
	}, nil
}

func generateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}
