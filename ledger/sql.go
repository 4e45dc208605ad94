package ledger

import (
	"database/sql"
	"time"

	"github.com/vitwit/toolpay/types"
)

// SQLLedger persists entries in a relational table. The schema keeps one
// row per attempt; UpdateStatus is the single permitted in-place write and
// only moves rows out of the pending state.
type SQLLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLLedger)(nil)

const createPaymentsTable = `CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	ts TIMESTAMP NOT NULL,
	operation TEXT NOT NULL,
	recipient TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	transfer_ref TEXT,
	settlement_id TEXT UNIQUE
)`

// NewSQLLedger wraps an open database handle. The caller owns connection
// configuration; Migrate must be called once before use.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// Migrate creates the payments table if it does not exist.
func (l *SQLLedger) Migrate() error {
	if _, err := l.db.Exec(createPaymentsTable); err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed, "migration failed: %v", err)
	}
	return nil
}

// Record inserts a new entry. Idempotent on SettlementID.
func (l *SQLLedger) Record(entry *Entry) (string, error) {
	if entry.SettlementID != "" {
		var existing string
		err := l.db.QueryRow(
			`SELECT id FROM payments WHERE settlement_id = ?`, entry.SettlementID,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", types.NewPaymentError(types.ErrLedgerWriteFailed,
				"settlement lookup failed: %v", err)
		}
	}

	id := entry.ID
	if id == "" {
		var err error
		id, err = newEntryID()
		if err != nil {
			return "", types.NewPaymentError(types.ErrLedgerWriteFailed,
				"failed to generate entry id: %v", err)
		}
	}

	_, err := l.db.Exec(
		`INSERT INTO payments (id, ts, operation, recipient, amount, currency, status, transfer_ref, settlement_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.Timestamp, entry.Operation, entry.Recipient, entry.Amount,
		entry.Currency, string(entry.Status), nullable(entry.TransferRef), nullable(entry.SettlementID),
	)
	if err != nil {
		return "", types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to insert ledger entry: %v", err)
	}

	return id, nil
}

// UpdateStatus transitions a pending entry to its terminal status. Updating
// an already-terminal entry is a no-op; an unknown ID is an error.
func (l *SQLLedger) UpdateStatus(id string, status Status, transferRef, settlementID string) error {
	result, err := l.db.Exec(
		`UPDATE payments
		 SET status = ?, transfer_ref = COALESCE(?, transfer_ref), settlement_id = COALESCE(?, settlement_id)
		 WHERE id = ? AND status = ?`,
		string(status), nullable(transferRef), nullable(settlementID), id, string(StatusPending),
	)
	if err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to update ledger entry %s: %v", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to update ledger entry %s: %v", id, err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing matched: either the entry is already terminal or the ID does
	// not exist. Only the latter is an error.
	var existing string
	err = l.db.QueryRow(`SELECT status FROM payments WHERE id = ?`, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"ledger entry %s not found", id)
	}
	if err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to update ledger entry %s: %v", id, err)
	}
	return nil
}

// Query returns matching entries, oldest first.
func (l *SQLLedger) Query(filter Filter) ([]Entry, error) {
	query := `SELECT id, ts, operation, recipient, amount, currency, status, transfer_ref, settlement_id
	          FROM payments WHERE 1=1`
	var args []interface{}

	if filter.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, filter.Operation)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, filter.To)
	}
	query += ` ORDER BY ts ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrLedgerWriteFailed, "ledger query failed: %v", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts time.Time
		var status string
		var transferRef, settlementID sql.NullString

		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.Recipient, &e.Amount,
			&e.Currency, &status, &transferRef, &settlementID); err != nil {
			return nil, types.NewPaymentError(types.ErrLedgerWriteFailed,
				"ledger scan failed: %v", err)
		}

		e.Timestamp = ts
		e.Status = Status(status)
		e.TransferRef = transferRef.String
		e.SettlementID = settlementID.String
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, types.NewPaymentError(types.ErrLedgerWriteFailed, "ledger query failed: %v", err)
	}

	return out, nil
}

// Summary aggregates entries for one operation.
func (l *SQLLedger) Summary(operation string) (*Summary, error) {
	entries, err := l.Query(Filter{Operation: operation})
	if err != nil {
		return nil, err
	}
	return summarize(operation, entries), nil
}

// Close closes the underlying database handle.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
