package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/toolpay/types"
)

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

func testAuthorization() *types.PaymentAuthorization {
	return &types.PaymentAuthorization{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     "base-sepolia",
		Asset:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Payload: types.AuthorizationPayload{
			Authorization: types.ExactAuthorization{
				From:        "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1",
				To:          "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
				Value:       "10000",
				ValidAfter:  "1763450282",
				ValidBefore: "1763451182",
				Nonce:       "0xf408d6d1f1d1bca7c6396ed30f00a46ca4e5b073fff983e42b348776a5aa651c",
			},
			Signature: "0x2e8818a233e2e802c953aed477858957ff85a4b91e047181e17ef4b096108e66409119a4c3fac7867b2c2b799b32a0aac108c524cffb3bf0ea6e0906f63d80271b",
		},
	}
}

func TestFacilitatorSettleSuccess(t *testing.T) {
	var gotBody facilitatorRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(settleResponse{
			Event:        types.EventSettled,
			TransferRef:  "0xdeadbeef",
			SettlementID: "stl-1",
			Value:        "10000",
			From:         gotBody.Authorization.Payload.Authorization.From,
			To:           gotBody.Authorization.Payload.Authorization.To,
			BlockRef:     "12345",
		})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	receipt, err := client.Settle(context.Background(), testAuthorization(), testRequirement())
	require.NoError(t, err)

	assert.True(t, receipt.Settled())
	assert.Equal(t, "0xdeadbeef", receipt.TransferRef)
	assert.Equal(t, "stl-1", receipt.SettlementID)
	assert.Equal(t, "10000", receipt.Amount)
	assert.Equal(t, "12345", receipt.BlockRef)
	assert.Equal(t, types.X402Version, gotBody.X402Version)
}

func TestFacilitatorSettleRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settleResponse{
			Event:       types.EventFailed,
			ErrorReason: "insufficient_funds",
		})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	_, err := client.Settle(context.Background(), testAuthorization(), testRequirement())

	require.Error(t, err)
	assert.Equal(t, types.ErrSettlementRejected, types.CodeOf(err))
	assert.Contains(t, err.Error(), "insufficient_funds")
}

func TestFacilitatorSettleNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	_, err := client.Settle(context.Background(), testAuthorization(), testRequirement())

	require.Error(t, err)
	assert.Equal(t, types.ErrSettlementRejected, types.CodeOf(err))
}

func TestFacilitatorSettleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		json.NewEncoder(w).Encode(settleResponse{Event: types.EventSettled})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Settle(ctx, testAuthorization(), testRequirement())
	require.Error(t, err)
	assert.Equal(t, types.ErrSettlementTimeout, types.CodeOf(err))
}

func TestFacilitatorVerifyValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		json.NewEncoder(w).Encode(verifyResponse{IsValid: true, Payer: "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	err := client.Verify(context.Background(), testAuthorization(), testRequirement())
	assert.NoError(t, err)
}

func TestFacilitatorVerifyReasonMapping(t *testing.T) {
	tests := []struct {
		reason   string
		wantCode string
	}{
		{"recipient_mismatch", types.ErrRecipientMismatch},
		{"insufficient_amount", types.ErrInsufficientAmount},
		{"invalid_signature", types.ErrInvalidSignature},
		{"authorization_expired", types.ErrAuthorizationExpired},
		{"nonce_reused", types.ErrNonceReused},
		{"something_else", types.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(verifyResponse{IsValid: false, InvalidReason: tt.reason})
			}))
			defer server.Close()

			client := NewFacilitatorClient(server.URL)
			err := client.Verify(context.Background(), testAuthorization(), testRequirement())

			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.CodeOf(err))
		})
	}
}

func TestFacilitatorSettleDefaultsFromAuthorization(t *testing.T) {
	// A sparse facilitator response still yields a usable receipt.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settleResponse{
			Event:       types.EventSettled,
			TransferRef: "0xabc",
		})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	receipt, err := client.Settle(context.Background(), testAuthorization(), testRequirement())
	require.NoError(t, err)

	assert.Equal(t, "0xabc", receipt.SettlementID, "settlementId falls back to transferRef")
	assert.Equal(t, "10000", receipt.Amount, "amount falls back to authorized value")
	assert.Equal(t, "base-sepolia", receipt.Network)
}
