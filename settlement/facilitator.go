package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/toolpay/types"
)

// FacilitatorClient delegates verification and settlement to a remote
// facilitator over HTTP. Requests are idempotent per authorization: the
// facilitator deduplicates on the authorization nonce, so re-sending the
// same authorization after a timeout cannot double-spend.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL.
	BaseURL string

	// HTTPClient to use for requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Authorization is an optional Authorization header value.
	Authorization string
}

var _ Client = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a client for the given facilitator URL.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// facilitatorRequest is the body of both /verify and /settle calls.
type facilitatorRequest struct {
	X402Version         int                         `json:"x402Version"`
	Authorization       *types.PaymentAuthorization `json:"authorization"`
	PaymentRequirements *types.PaymentRequirement   `json:"paymentRequirements"`
}

// verifyResponse is the facilitator's verification result.
type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// settleResponse is the facilitator's settlement result.
type settleResponse struct {
	Event        string `json:"event"`
	TransferRef  string `json:"transferRef"`
	SettlementID string `json:"settlementId"`
	Value        string `json:"value"`
	From         string `json:"from"`
	To           string `json:"to"`
	BlockRef     string `json:"blockRef,omitempty"`
	ErrorReason  string `json:"errorReason,omitempty"`
}

// Verify asks the facilitator to validate an authorization. A non-2xx
// status or an isValid:false response maps onto the local verification
// error taxonomy.
func (c *FacilitatorClient) Verify(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) error {
	var resp verifyResponse
	if err := c.post(ctx, "/verify", auth, req, &resp); err != nil {
		return err
	}

	if !resp.IsValid {
		return mapInvalidReason(resp.InvalidReason)
	}

	return nil
}

// Settle asks the facilitator to execute the transfer. Anything other than
// a payment.settled event is a rejection carrying the facilitator's reason.
func (c *FacilitatorClient) Settle(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) (*types.SettlementReceipt, error) {
	settleCtx, cancel := settlementDeadline(ctx, req)
	defer cancel()

	var resp settleResponse
	if err := c.post(settleCtx, "/settle", auth, req, &resp); err != nil {
		return nil, err
	}

	if resp.Event != types.EventSettled {
		reason := resp.ErrorReason
		if reason == "" {
			reason = resp.Event
		}
		return nil, types.NewPaymentError(types.ErrSettlementRejected,
			"facilitator rejected settlement: %s", reason)
	}

	settlementID := resp.SettlementID
	if settlementID == "" {
		settlementID = resp.TransferRef
	}

	amount := resp.Value
	if amount == "" {
		amount = auth.Payload.Authorization.Value
	}

	return &types.SettlementReceipt{
		Event:        types.EventSettled,
		TransferRef:  resp.TransferRef,
		SettlementID: settlementID,
		Amount:       amount,
		Asset:        req.Asset,
		Network:      req.Network,
		From:         auth.Payload.Authorization.From,
		To:           auth.Payload.Authorization.To,
		BlockRef:     resp.BlockRef,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, auth *types.PaymentAuthorization, req *types.PaymentRequirement, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         types.X402Version,
		Authorization:       auth,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Authorization != "" {
		httpReq.Header.Set("Authorization", c.Authorization)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return classifyTransportError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return types.NewPaymentError(types.ErrSettlementRejected,
			"facilitator returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return types.NewPaymentError(types.ErrSettlementRejected,
			"facilitator returned malformed response: %v", err)
	}

	return nil
}

// mapInvalidReason translates facilitator reason strings into the local
// verification error taxonomy.
func mapInvalidReason(reason string) *types.PaymentError {
	switch strings.ToLower(reason) {
	case "recipient_mismatch", "invalid_recipient":
		return types.NewPaymentError(types.ErrRecipientMismatch, "facilitator: %s", reason)
	case "insufficient_amount", "invalid_amount":
		return types.NewPaymentError(types.ErrInsufficientAmount, "facilitator: %s", reason)
	case "invalid_signature", "signature_mismatch":
		return types.NewPaymentError(types.ErrInvalidSignature, "facilitator: %s", reason)
	case "authorization_expired", "expired":
		return types.NewPaymentError(types.ErrAuthorizationExpired, "facilitator: %s", reason)
	case "nonce_reused", "nonce_already_used":
		return types.NewPaymentError(types.ErrNonceReused, "facilitator: %s", reason)
	default:
		return types.NewPaymentError(types.ErrInvalidPayload,
			"facilitator marked payment invalid: %s", reason)
	}
}
