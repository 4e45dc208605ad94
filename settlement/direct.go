package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/toolpay/types"
	"github.com/vitwit/toolpay/utils"
)

// transferWithAuthorizationABI is the single EIP-3009 entry point the
// direct client needs.
const transferWithAuthorizationABI = `[{
	"type": "function",
	"name": "transferWithAuthorization",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": [],
	"constant": false
}]`

// EthClient is the subset of the Ethereum RPC client the direct settlement
// path uses. Narrowed to an interface so tests can substitute a fake.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// NewEthClient dials an Ethereum RPC endpoint. Overridable in tests.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// DirectConfig configures a DirectClient.
type DirectConfig struct {
	// RPCURL of the chain to broadcast on.
	RPCURL string `json:"rpcUrl" validate:"required"`

	// ChainID of the network.
	ChainID int64 `json:"chainId" validate:"required"`

	// RelayerKeyHex is the key that pays gas for the
	// transferWithAuthorization call. This is not the payer's key.
	RelayerKeyHex string `json:"relayerKeyHex" validate:"required"`

	// ConfirmInterval is the receipt polling interval. Defaults to 2s.
	ConfirmInterval time.Duration `json:"confirmInterval"`
}

// DirectClient settles by broadcasting transferWithAuthorization itself and
// waiting for inclusion. Selected at configuration time for assets where no
// facilitator is available.
type DirectClient struct {
	client          EthClient
	chainID         *big.Int
	relayerKey      *ecdsa.PrivateKey
	relayerAddress  common.Address
	contractABI     abi.ABI
	confirmInterval time.Duration
}

var _ Client = (*DirectClient)(nil)

// NewDirectClient creates a direct settlement client.
func NewDirectClient(cfg DirectConfig) (*DirectClient, error) {
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, err
	}

	client, err := NewEthClient(cfg.RPCURL)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrConfigError,
			"failed to dial RPC %s: %v", cfg.RPCURL, err)
	}

	relayerKey, err := utils.PrivateKeyFromHex(cfg.RelayerKeyHex)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "invalid relayer key: %v", err)
	}

	contractABI, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	interval := cfg.ConfirmInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &DirectClient{
		client:          client,
		chainID:         big.NewInt(cfg.ChainID),
		relayerKey:      relayerKey,
		relayerAddress:  utils.AddressFromPrivateKey(relayerKey),
		contractABI:     contractABI,
		confirmInterval: interval,
	}, nil
}

// Settle broadcasts the authorized transfer and waits for inclusion. One
// attempt per call; the authorization nonce is the on-chain idempotency
// guard, so re-submitting the same authorization after a timeout either
// confirms the original transfer or reverts without moving funds twice.
func (c *DirectClient) Settle(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) (*types.SettlementReceipt, error) {
	settleCtx, cancel := settlementDeadline(ctx, req)
	defer cancel()

	txData, err := c.packTransfer(auth)
	if err != nil {
		return nil, err
	}

	contractAddress := common.HexToAddress(req.Asset)

	txNonce, err := c.client.PendingNonceAt(settleCtx, c.relayerAddress)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	gasTipCap, err := c.client.SuggestGasTipCap(settleCtx)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	header, err := c.client.HeaderByNumber(settleCtx, nil)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if header.BaseFee == nil {
		return nil, types.NewPaymentError(types.ErrSettlementRejected,
			"network does not support EIP-1559 fees")
	}

	// 2x base fee plus tip keeps the tx includable across a few blocks.
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := c.client.EstimateGas(settleCtx, ethereum.CallMsg{
		From: c.relayerAddress,
		To:   &contractAddress,
		Data: txData,
	})
	if err != nil {
		return nil, types.NewPaymentError(types.ErrSettlementRejected,
			"gas estimation failed, transfer would revert: %v", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contractAddress,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(c.chainID), c.relayerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(settleCtx, signedTx); err != nil {
		return nil, classifyTransportError(err)
	}

	receipt, err := c.waitForReceipt(settleCtx, signedTx.Hash())
	if err != nil {
		return nil, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.NewPaymentError(types.ErrSettlementRejected,
			"transfer reverted in tx %s", signedTx.Hash().Hex())
	}

	return &types.SettlementReceipt{
		Event:        types.EventSettled,
		TransferRef:  signedTx.Hash().Hex(),
		SettlementID: signedTx.Hash().Hex(),
		Amount:       auth.Payload.Authorization.Value,
		Asset:        req.Asset,
		Network:      req.Network,
		From:         auth.Payload.Authorization.From,
		To:           auth.Payload.Authorization.To,
		BlockRef:     receipt.BlockNumber.String(),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (c *DirectClient) packTransfer(auth *types.PaymentAuthorization) ([]byte, error) {
	payload := auth.Payload.Authorization

	value, err := payload.ValueBig()
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload, "%v", err)
	}

	validAfter, err := payload.ValidAfterUnix()
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload,
			"invalid validAfter: %v", err)
	}

	validBefore, err := payload.ValidBeforeUnix()
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload,
			"invalid validBefore: %v", err)
	}

	nonceBytes, err := hexutil.Decode(payload.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, types.NewPaymentError(types.ErrInvalidPayload,
			"authorization nonce must be 32 hex bytes")
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	v, r, s, err := utils.SplitSignature(auth.Payload.Signature)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidSignature, "%v", err)
	}

	txData, err := c.contractABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(payload.From),
		common.HexToAddress(payload.To),
		value,
		big.NewInt(validAfter),
		big.NewInt(validBefore),
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidPayload,
			"failed to pack transfer calldata: %v", err)
	}

	return txData, nil
}

func (c *DirectClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.NewPaymentError(types.ErrSettlementTimeout,
				"timed out waiting for inclusion of %s", txHash.Hex())
		case <-ticker.C:
		}
	}
}
