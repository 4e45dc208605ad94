// Package toolpay mediates paid invocation of priced operations using the
// x402 challenge/response protocol: a caller either supplies a signed
// payment authorization or, when configured with a payer identity, the
// orchestrator constructs one itself, clears it through verification and
// settlement, executes the operation, and records the attempt in an
// append-only ledger.
package toolpay

import (
	"context"
	"fmt"
	"time"

	"github.com/vitwit/toolpay/encoding"
	"github.com/vitwit/toolpay/ledger"
	"github.com/vitwit/toolpay/logger"
	"github.com/vitwit/toolpay/metrics"
	"github.com/vitwit/toolpay/pricing"
	"github.com/vitwit/toolpay/settlement"
	"github.com/vitwit/toolpay/signer"
	"github.com/vitwit/toolpay/types"
)

// Executor runs the business logic of a priced operation. The orchestrator
// treats it as opaque: it either returns a result value or an error.
type Executor interface {
	Execute(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error) {
	return f(ctx, operation, args)
}

// Verifier checks an authorization against a requirement. The local
// cryptographic verifier and the remote facilitator client both satisfy it
// and report failures through the same error taxonomy.
type Verifier interface {
	Verify(ctx context.Context, auth *types.PaymentAuthorization, req *types.PaymentRequirement) error
}

// FailurePolicy selects the fallback when payment fails.
type FailurePolicy int

const (
	// AbortOnPaymentFailure surfaces the payment error without executing
	// the operation. The production default.
	AbortOnPaymentFailure FailurePolicy = iota

	// ExecuteDegraded runs the operation anyway and marks the result
	// unpaid. Intended for non-production use; every degraded execution
	// emits an observer event and a failed ledger entry.
	ExecuteDegraded
)

func (p FailurePolicy) String() string {
	if p == ExecuteDegraded {
		return "execute-degraded"
	}
	return "abort"
}

// Config wires an Orchestrator's collaborators. There are no process-wide
// registries: everything the orchestrator touches arrives here.
type Config struct {
	// Registry resolves operation prices. Required.
	Registry *pricing.Registry

	// Executor runs operations. Required.
	Executor Executor

	// Verifier clears authorizations before settlement. Required.
	Verifier Verifier

	// Settler executes the transfer. Required.
	Settler settlement.Client

	// Signer enables auto-pay for invocations that arrive without an
	// authorization. Optional; without it such invocations get a
	// PaymentRequiredError.
	Signer signer.Signer

	// Ledger records payment attempts. Optional; ledger write failures
	// never change an invocation's outcome.
	Ledger ledger.Ledger
}

// InvocationResult is the terminal outcome of one invocation. It always
// distinguishes payment problems from operation problems: an operation
// failure after settlement still carries the receipt, because the payment
// did happen.
type InvocationResult struct {
	Operation string `json:"operation"`

	Paid   bool   `json:"paid"`
	Amount string `json:"amount"` // atomic units; "0" when unpaid

	Receipt *types.SettlementReceipt `json:"receipt,omitempty"`

	// Degraded is set when the operation ran despite a payment failure.
	Degraded bool   `json:"degraded,omitempty"`
	Note     string `json:"note,omitempty"`

	OperationResult interface{} `json:"operationResult,omitempty"`
	OperationError  error       `json:"operationError,omitempty"`
}

// PaymentRequiredError signals that the caller must obtain an authorization
// and retry. It carries the requirement to satisfy.
type PaymentRequiredError struct {
	Operation   string
	Requirement *types.PaymentRequirement
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required for operation %s: %s %s to %s",
		e.Operation, e.Requirement.Amount, e.Requirement.Asset, e.Requirement.PayTo)
}

// Response renders the error as a 402-style payment demand.
func (e *PaymentRequiredError) Response() *types.PaymentRequiredResponse {
	return &types.PaymentRequiredResponse{
		Status:              402,
		PaymentRequirements: *e.Requirement,
		Operation:           e.Operation,
		EstimatedAmount:     e.Requirement.Amount,
	}
}

// Orchestrator drives the paid-invocation state machine. Invocations are
// independent units of work; concurrent invocations share only the ledger.
type Orchestrator struct {
	registry *pricing.Registry
	executor Executor
	verifier Verifier
	settler  settlement.Client
	signer   signer.Signer
	ledger   ledger.Ledger

	policy   FailurePolicy
	observer Observer
	logger   logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// New creates an Orchestrator from required collaborators and options.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "registry is required")
	}
	if cfg.Executor == nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "executor is required")
	}
	if cfg.Verifier == nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "verifier is required")
	}
	if cfg.Settler == nil {
		return nil, types.NewPaymentError(types.ErrConfigError, "settlement client is required")
	}

	o := &Orchestrator{
		registry: cfg.Registry,
		executor: cfg.Executor,
		verifier: cfg.Verifier,
		settler:  cfg.Settler,
		signer:   cfg.Signer,
		ledger:   cfg.Ledger,
		policy:   AbortOnPaymentFailure,
		observer: noopObserver{},
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Invoke runs one operation at the default pricing tier. encodedAuth is an
// optional base64 authorization as carried in an X-Payment header; when
// empty and a signer is configured the orchestrator pays for itself.
func (o *Orchestrator) Invoke(ctx context.Context, operation string, args map[string]interface{}, encodedAuth string) (*InvocationResult, error) {
	return o.InvokeTier(ctx, operation, pricing.DefaultTier, args, encodedAuth)
}

// InvokeTier is Invoke with an explicit pricing tier.
func (o *Orchestrator) InvokeTier(ctx context.Context, operation, tier string, args map[string]interface{}, encodedAuth string) (*InvocationResult, error) {
	req, err := o.registry.RequirementFor(operation, tier)
	if err != nil {
		// Unknown operations are fatal, reported immediately.
		return nil, err
	}

	labels := map[string]string{"operation": operation}

	if req == nil {
		// Free path: never touches sign, verify or settle, and leaves no
		// ledger entries.
		o.metrics.IncCounter(metrics.CounterFreeExecuted, labels)
		result := &InvocationResult{Operation: operation, Amount: "0"}
		return o.execute(ctx, operation, args, result), nil
	}

	if encodedAuth == "" && o.signer == nil {
		o.emit(Event{Type: EventPaymentRequired, Operation: operation, Amount: req.Amount, Requirement: req})
		o.metrics.IncCounter(metrics.CounterPaymentRequired, labels)
		return nil, &PaymentRequiredError{Operation: operation, Requirement: req}
	}

	// A payment attempt begins here; record it before any of it can fail.
	entryID := o.recordPending(operation, req)

	var auth *types.PaymentAuthorization
	if encodedAuth != "" {
		auth, err = encoding.DecodeAuthorization(encodedAuth)
		if err != nil {
			cause := types.NewPaymentError(types.ErrInvalidPayload,
				"failed to decode authorization: %v", err)
			return o.paymentFailed(ctx, operation, args, entryID, cause)
		}
	} else {
		auth, err = o.signer.Sign(req)
		if err != nil {
			return o.paymentFailed(ctx, operation, args, entryID, err)
		}
	}

	verifyStart := o.now()
	verifyErr := o.verifier.Verify(ctx, auth, req)
	o.metrics.ObserveLatency("verify", o.now().Sub(verifyStart), labels)
	if verifyErr != nil {
		return o.paymentFailed(ctx, operation, args, entryID, verifyErr)
	}

	receipt, err := o.settle(ctx, operation, auth, req)
	if err != nil {
		// The authorization was verified but settlement did not complete.
		// Free its nonce so the caller can re-present the SAME authorization
		// instead of signing a fresh one, which could pay twice.
		o.releaseNonce(auth)
		return o.paymentFailed(ctx, operation, args, entryID, err)
	}

	o.updateLedger(entryID, ledger.StatusCompleted, receipt.TransferRef, receipt.SettlementID)
	o.emit(Event{Type: EventPaymentSettled, Operation: operation, Amount: receipt.Amount, Receipt: receipt})
	o.metrics.IncCounter(metrics.CounterPaymentSettled, labels)
	o.logger.Info("payment settled", map[string]any{
		"operation":    operation,
		"amount":       receipt.Amount,
		"transferRef":  receipt.TransferRef,
		"settlementId": receipt.SettlementID,
	})

	result := &InvocationResult{
		Operation: operation,
		Paid:      true,
		Amount:    req.Amount,
		Receipt:   receipt,
	}
	return o.execute(ctx, operation, args, result), nil
}

// settle runs settlement with the double-spend guards the protocol
// demands: the caller's cancellation is detached once the request is in
// flight, and a timeout is retried exactly once by re-presenting the SAME
// authorization. The settlement layer deduplicates on the authorization
// nonce, so the retry either confirms the original transfer or fails
// without moving funds twice. A fresh authorization is never created here.
func (o *Orchestrator) settle(ctx context.Context, operation string, auth *types.PaymentAuthorization, req *types.PaymentRequirement) (*types.SettlementReceipt, error) {
	settleCtx := context.WithoutCancel(ctx)
	labels := map[string]string{"operation": operation}

	start := o.now()
	receipt, err := o.settler.Settle(settleCtx, auth, req)
	o.metrics.ObserveLatency("settle", o.now().Sub(start), labels)

	if types.IsCode(err, types.ErrSettlementTimeout) {
		o.logger.Warn("settlement timed out, retrying the same authorization once", map[string]any{
			"operation": operation,
			"nonce":     auth.Payload.Authorization.Nonce,
		})
		receipt, err = o.settler.Settle(settleCtx, auth, req)
	}

	return receipt, err
}

// nonceReleaser is implemented by verifiers that track consumed nonces
// locally.
type nonceReleaser interface {
	Release(nonce string)
}

// releaseNonce forgets a locally consumed nonce after a settlement-stage
// failure. The settlement backend's own nonce deduplication remains the
// authoritative replay guard.
func (o *Orchestrator) releaseNonce(auth *types.PaymentAuthorization) {
	if r, ok := o.verifier.(nonceReleaser); ok {
		r.Release(auth.Payload.Authorization.Nonce)
	}
}

// paymentFailed closes out a failed payment attempt and applies the
// configured fallback policy. The fallback is explicit and observable:
// either the failure is surfaced without executing, or the operation runs
// degraded with an event and an unpaid result.
func (o *Orchestrator) paymentFailed(ctx context.Context, operation string, args map[string]interface{}, entryID string, cause error) (*InvocationResult, error) {
	labels := map[string]string{"operation": operation}

	o.updateLedger(entryID, ledger.StatusFailed, "", "")
	o.emit(Event{Type: EventPaymentFailed, Operation: operation, Err: cause})
	o.metrics.IncCounter(metrics.CounterPaymentFailed, labels)
	o.logger.Warn("payment failed", map[string]any{
		"operation": operation,
		"code":      types.CodeOf(cause),
		"error":     cause.Error(),
		"policy":    o.policy.String(),
	})

	if o.policy != ExecuteDegraded {
		return nil, cause
	}

	o.emit(Event{Type: EventDegradedExecution, Operation: operation, Err: cause})
	o.metrics.IncCounter(metrics.CounterDegradedExecuted, labels)

	result := &InvocationResult{
		Operation: operation,
		Paid:      false,
		Amount:    "0",
		Degraded:  true,
		Note:      fmt.Sprintf("payment failed: %v", cause),
	}
	return o.execute(ctx, operation, args, result), nil
}

// execute runs the operation and folds its outcome into the result. An
// execution failure never discards an attached receipt: the caller already
// paid, and hiding that would be worse than the failure itself.
func (o *Orchestrator) execute(ctx context.Context, operation string, args map[string]interface{}, result *InvocationResult) *InvocationResult {
	start := o.now()
	out, err := o.executor.Execute(ctx, operation, args)
	o.metrics.ObserveLatency("execute", o.now().Sub(start), map[string]string{"operation": operation})

	if err != nil {
		result.OperationError = types.NewPaymentError(types.ErrOperationExecutionFailed,
			"operation %s failed: %v", operation, err)
		return result
	}

	result.OperationResult = out
	return result
}

func (o *Orchestrator) recordPending(operation string, req *types.PaymentRequirement) string {
	if o.ledger == nil {
		return ""
	}

	id, err := o.ledger.Record(&ledger.Entry{
		Timestamp: o.now().UTC(),
		Operation: operation,
		Recipient: req.PayTo,
		Amount:    req.Amount,
		Currency:  req.Asset,
		Status:    ledger.StatusPending,
	})
	if err != nil {
		o.ledgerError(operation, err)
		return ""
	}
	return id
}

func (o *Orchestrator) updateLedger(id string, status ledger.Status, transferRef, settlementID string) {
	if o.ledger == nil || id == "" {
		return
	}
	if err := o.ledger.UpdateStatus(id, status, transferRef, settlementID); err != nil {
		o.ledgerError("", err)
	}
}

// ledgerError surfaces a failed ledger write without failing the
// invocation: the payment outcome still reaches the caller.
func (o *Orchestrator) ledgerError(operation string, err error) {
	o.emit(Event{Type: EventLedgerError, Operation: operation, Err: err})
	o.logger.Error("ledger write failed", map[string]any{
		"operation": operation,
		"error":     err.Error(),
	})
}

func (o *Orchestrator) emit(e Event) {
	e.Timestamp = o.now().UTC()
	o.observer.OnEvent(e)
}

// InvokeRequest is one unit of work for InvokeAll.
type InvokeRequest struct {
	Operation   string
	Tier        string
	Args        map[string]interface{}
	EncodedAuth string
}

// InvokeOutcome pairs an InvokeAll result with its error.
type InvokeOutcome struct {
	Result *InvocationResult
	Err    error
}

// InvokeAll runs independent invocations concurrently. Outcomes are
// returned in request order; invocations share nothing but the ledger.
func (o *Orchestrator) InvokeAll(ctx context.Context, requests []InvokeRequest) []InvokeOutcome {
	outcomes := make([]InvokeOutcome, len(requests))

	type indexed struct {
		index   int
		outcome InvokeOutcome
	}

	resultChan := make(chan indexed, len(requests))

	for i, request := range requests {
		go func(index int, r InvokeRequest) {
			tier := r.Tier
			if tier == "" {
				tier = pricing.DefaultTier
			}
			result, err := o.InvokeTier(ctx, r.Operation, tier, r.Args, r.EncodedAuth)
			resultChan <- indexed{index: index, outcome: InvokeOutcome{Result: result, Err: err}}
		}(i, request)
	}

	for range requests {
		res := <-resultChan
		outcomes[res.index] = res.outcome
	}

	return outcomes
}
