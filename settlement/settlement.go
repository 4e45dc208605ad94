// Package settlement executes the economic transfer for a verified
// authorization, either by delegating to a remote facilitator service or by
// broadcasting a transferWithAuthorization call directly.
package settlement

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vitwit/toolpay/types"
)

// Client performs exactly one settlement attempt per call. Retry policy
// belongs to the caller, and a retry must reuse the same authorization:
// settling a fresh authorization for the same logical charge risks double
// payment.
type Client interface {
	Settle(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) (*types.SettlementReceipt, error)
}

// settlementDeadline derives a context deadline from the requirement's
// timeout. Settlement must never hang past it.
func settlementDeadline(ctx context.Context, req *types.PaymentRequirement) (context.Context, context.CancelFunc) {
	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	return context.WithTimeout(ctx, timeout)
}

// classifyTransportError maps transport failures onto the payment error
// taxonomy: deadline expiry is a settlement timeout, everything else a
// rejection.
func classifyTransportError(err error) *types.PaymentError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewPaymentError(types.ErrSettlementTimeout, "settlement timed out: %v", err)
	}
	return types.NewPaymentError(types.ErrSettlementRejected, "settlement transport failed: %v", err)
}
