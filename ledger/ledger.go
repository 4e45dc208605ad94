// Package ledger keeps a durable, append-only record of payment attempts
// and outcomes. Entries are created Pending when payment is attempted and
// transition exactly once to Completed or Failed; nothing is ever deleted
// or rewritten beyond that transition.
package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one payment attempt.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	Recipient    string    `json:"recipient"`
	Amount       string    `json:"amount"` // atomic units
	Currency     string    `json:"currency"`
	Status       Status    `json:"status"`
	TransferRef  string    `json:"transferRef,omitempty"`
	SettlementID string    `json:"settlementId,omitempty"`
}

// Filter selects entries in Query. Zero values match everything.
type Filter struct {
	Operation string
	Status    Status
	From      time.Time
	To        time.Time
}

// Matches reports whether an entry passes the filter.
func (f Filter) Matches(e *Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Summary aggregates an operation's payment history for reporting.
type Summary struct {
	Operation    string `json:"operation"`
	Pending      int    `json:"pending"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	TotalSettled string `json:"totalSettled"` // atomic units
}

// Ledger is the append-only payment record. Implementations must allow
// concurrent appends without interleaving a single entry's write.
type Ledger interface {
	// Record appends a new entry and returns its ID. Recording an entry
	// whose SettlementID has already been recorded is a no-op returning
	// the existing entry's ID.
	Record(entry *Entry) (string, error)

	// UpdateStatus performs the single permitted status transition of the
	// entry with the given ID, optionally attaching the transfer reference
	// and settlement ID produced by settlement.
	UpdateStatus(id string, status Status, transferRef, settlementID string) error

	// Query returns entries matching the filter, oldest first.
	Query(filter Filter) ([]Entry, error)

	// Summary aggregates entries for one operation.
	Summary(operation string) (*Summary, error)

	Close() error
}

// newEntryID generates a random 128-bit hex identifier.
func newEntryID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// summarize folds entries into a Summary using integer arithmetic.
func summarize(operation string, entries []Entry) *Summary {
	s := &Summary{Operation: operation}
	total := new(big.Int)

	for i := range entries {
		e := &entries[i]
		switch e.Status {
		case StatusPending:
			s.Pending++
		case StatusCompleted:
			s.Completed++
			if amount, ok := new(big.Int).SetString(e.Amount, 10); ok {
				total.Add(total, amount)
			}
		case StatusFailed:
			s.Failed++
		}
	}

	s.TotalSettled = total.String()
	return s
}
