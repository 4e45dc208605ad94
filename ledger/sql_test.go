package ledger

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	return NewSQLLedger(db), mock
}

func TestSQLLedgerMigrate(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS payments")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Migrate())
}

func TestSQLLedgerRecordInsert(t *testing.T) {
	l, mock := newMockLedger(t)

	entry := pendingEntry("summarize")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs(sqlmock.AnyArg(), entry.Timestamp, "summarize", entry.Recipient,
			"10000", "USDC", "pending", nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := l.Record(entry)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSQLLedgerRecordIdempotent(t *testing.T) {
	l, mock := newMockLedger(t)

	entry := pendingEntry("summarize")
	entry.Status = StatusCompleted
	entry.SettlementID = "stl-1"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM payments WHERE settlement_id = ?")).
		WithArgs("stl-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := l.Record(entry)
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
}

func TestSQLLedgerUpdateStatus(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("completed", "0xdeadbeef", "stl-1", "entry-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.UpdateStatus("entry-1", StatusCompleted, "0xdeadbeef", "stl-1"))
}

func TestSQLLedgerUpdateStatusTerminalNoOp(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("failed", nil, nil, "entry-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM payments WHERE id = ?")).
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	require.NoError(t, l.UpdateStatus("entry-1", StatusFailed, "", ""),
		"a terminal entry does not transition again")
}

func TestSQLLedgerUpdateStatusUnknownID(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("completed", nil, nil, "missing", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM payments WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	assert.Error(t, l.UpdateStatus("missing", StatusCompleted, "", ""))
}

func TestSQLLedgerQuery(t *testing.T) {
	l, mock := newMockLedger(t)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "ts", "operation", "recipient", "amount", "currency", "status", "transfer_ref", "settlement_id",
	}).AddRow("entry-1", ts, "summarize", "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		"10000", "USDC", "completed", "0xdeadbeef", "stl-1")

	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE 1=1 AND operation = ?")).
		WithArgs("summarize").
		WillReturnRows(rows)

	entries, err := l.Query(Filter{Operation: "summarize"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "entry-1", entries[0].ID)
	assert.Equal(t, StatusCompleted, entries[0].Status)
	assert.Equal(t, "0xdeadbeef", entries[0].TransferRef)
	assert.Equal(t, "stl-1", entries[0].SettlementID)
	assert.True(t, ts.Equal(entries[0].Timestamp))
}

func TestSQLLedgerSummary(t *testing.T) {
	l, mock := newMockLedger(t)

	rows := sqlmock.NewRows([]string{
		"id", "ts", "operation", "recipient", "amount", "currency", "status", "transfer_ref", "settlement_id",
	}).
		AddRow("a", time.Now(), "summarize", "0x1", "10000", "USDC", "completed", "0x1", "stl-1").
		AddRow("b", time.Now(), "summarize", "0x1", "50000", "USDC", "completed", "0x2", "stl-2").
		AddRow("c", time.Now(), "summarize", "0x1", "10000", "USDC", "failed", nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE 1=1 AND operation = ?")).
		WithArgs("summarize").
		WillReturnRows(rows)

	s, err := l.Summary("summarize")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, "60000", s.TotalSettled)
}
