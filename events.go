package toolpay

import (
	"time"

	"github.com/vitwit/toolpay/types"
)

// EventType tags progress events emitted during an invocation.
type EventType string

const (
	// EventPaymentRequired fires when a priced operation is invoked with
	// no authorization and no signer to produce one.
	EventPaymentRequired EventType = "payment.required"

	// EventPaymentSettled fires once per successful settlement.
	EventPaymentSettled EventType = "payment.settled"

	// EventPaymentFailed fires when signing, verification or settlement
	// fails.
	EventPaymentFailed EventType = "payment.failed"

	// EventDegradedExecution fires when the configured policy executes an
	// operation despite a payment failure. Degraded mode is never silent.
	EventDegradedExecution EventType = "execution.degraded"

	// EventLedgerError fires when a ledger write fails. The invocation
	// outcome is unaffected but the gap must be visible somewhere.
	EventLedgerError EventType = "ledger.error"
)

// Event is one progress notification. Consumers such as UIs subscribe via
// an Observer; the orchestrator itself never depends on any particular
// consumer.
type Event struct {
	Type        EventType
	Operation   string
	Amount      string
	Requirement *types.PaymentRequirement
	Receipt     *types.SettlementReceipt
	Err         error
	Timestamp   time.Time
}

// Observer receives invocation progress events. Implementations must not
// block; the orchestrator calls OnEvent synchronously.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type noopObserver struct{}

func (noopObserver) OnEvent(Event) {}
