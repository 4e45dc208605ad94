// Package utils provides cryptographic and parsing helpers shared by the
// signer, verifier and settlement clients.
package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vitwit/toolpay/types"
)

// SigningDomain identifies the EIP-712 domain an authorization is bound to.
// Name and Version come from the asset contract; ChainID and the asset
// address separate signatures across networks and assets.
type SigningDomain struct {
	Name    string
	Version string
	ChainID *big.Int
	Asset   string
}

// transferTypes is the EIP-3009 TransferWithAuthorization type set.
var transferTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// AuthorizationDigest computes the EIP-712 digest of an ExactAuthorization
// under the given signing domain. Both signing and verification derive the
// digest through this function so the two can never disagree on encoding.
func AuthorizationDigest(auth types.ExactAuthorization, domain SigningDomain) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value %q", auth.Value)
	}

	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}

	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}

	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("authorization nonce must be 32 hex bytes")
	}

	typedData := apitypes.TypedData{
		Types:       transferTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: common.HexToAddress(domain.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       common.BytesToHash(nonce).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverAuthorizationSigner recovers the address that signed an
// ExactAuthorization under the given domain.
func RecoverAuthorizationSigner(auth types.ExactAuthorization, signature string, domain SigningDomain) (string, error) {
	digest, err := AuthorizationDigest(auth, domain)
	if err != nil {
		return "", err
	}
	addr, err := RecoverAddressFromSignature(digest, signature)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// RecoverAddressFromSignature recovers the Ethereum address from a 65-byte
// (r||s||v) signature over the given hash.
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	signature = strings.TrimPrefix(signature, "0x")

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[64] >= 27 {
		sigBytes = append([]byte(nil), sigBytes...)
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// SplitSignature splits a 65-byte hex signature into its v, r, s components
// for on-chain transferWithAuthorization calls.
func SplitSignature(signature string) (v uint8, r, s [32]byte, err error) {
	signature = strings.TrimPrefix(signature, "0x")

	sigBytes, decErr := hex.DecodeString(signature)
	if decErr != nil {
		return 0, r, s, fmt.Errorf("failed to decode signature: %w", decErr)
	}

	if len(sigBytes) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	copy(r[:], sigBytes[0:32])
	copy(s[:], sigBytes[32:64])
	v = sigBytes[64]
	if v < 27 {
		v += 27
	}

	return v, r, s, nil
}

// PrivateKeyFromHex creates a private key from a hex string.
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	return crypto.HexToECDSA(hexKey)
}

// AddressFromPrivateKey derives the Ethereum address from a private key.
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a hash with the given private key, returning the hex
// signature with the recovery ID in Ethereum's 27/28 form.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}

	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// ValidateAddress checks if a string is a valid Ethereum address.
func ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress ensures an address is properly checksummed. Returns ""
// for invalid input.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}
