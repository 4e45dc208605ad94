package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingEntry(op string) *Entry {
	return &Entry{
		Timestamp: time.Now().UTC(),
		Operation: op,
		Recipient: "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		Amount:    "10000",
		Currency:  "USDC",
		Status:    StatusPending,
	}
}

func TestFileLedgerRecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.jsonl")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Record(pendingEntry("summarize"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, StatusPending, entries[0].Status)
	assert.Equal(t, "10000", entries[0].Amount)
}

func TestFileLedgerStatusTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.jsonl")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Record(pendingEntry("summarize"))
	require.NoError(t, err)

	require.NoError(t, l.UpdateStatus(id, StatusCompleted, "0xdeadbeef", "stl-1"))

	entries, err := l.Query(Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0xdeadbeef", entries[0].TransferRef)
	assert.Equal(t, "stl-1", entries[0].SettlementID)

	// A terminal entry does not transition again.
	require.NoError(t, l.UpdateStatus(id, StatusFailed, "", ""))
	entries, err = l.Query(Filter{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileLedgerUpdateUnknownID(t *testing.T) {
	l, err := OpenFileLedger(filepath.Join(t.TempDir(), "payments.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	assert.Error(t, l.UpdateStatus("missing", StatusCompleted, "", ""))
}

func TestFileLedgerIdempotentOnSettlementID(t *testing.T) {
	l, err := OpenFileLedger(filepath.Join(t.TempDir(), "payments.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	first := pendingEntry("summarize")
	first.Status = StatusCompleted
	first.SettlementID = "stl-1"
	id1, err := l.Record(first)
	require.NoError(t, err)

	second := pendingEntry("summarize")
	second.Status = StatusCompleted
	second.SettlementID = "stl-1"
	id2, err := l.Record(second)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileLedgerReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.jsonl")

	l, err := OpenFileLedger(path)
	require.NoError(t, err)

	id, err := l.Record(pendingEntry("summarize"))
	require.NoError(t, err)
	_, err = l.Record(pendingEntry("translate"))
	require.NoError(t, err)
	require.NoError(t, l.UpdateStatus(id, StatusCompleted, "0xabc", "stl-1"))
	require.NoError(t, l.Close())

	// The file holds three physical lines but folds to two entries.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))

	reopened, err := OpenFileLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusCompleted, entries[0].Status)
	assert.Equal(t, "stl-1", entries[0].SettlementID)
	assert.Equal(t, StatusPending, entries[1].Status)
}

func TestFileLedgerQueryFilters(t *testing.T) {
	l, err := OpenFileLedger(filepath.Join(t.TempDir(), "payments.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	old := pendingEntry("summarize")
	old.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = l.Record(old)
	require.NoError(t, err)

	id, err := l.Record(pendingEntry("translate"))
	require.NoError(t, err)
	require.NoError(t, l.UpdateStatus(id, StatusFailed, "", ""))

	byOp, err := l.Query(Filter{Operation: "summarize"})
	require.NoError(t, err)
	assert.Len(t, byOp, 1)

	byStatus, err := l.Query(Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "translate", byStatus[0].Operation)

	since, err := l.Query(Filter{From: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestFileLedgerSummary(t *testing.T) {
	l, err := OpenFileLedger(filepath.Join(t.TempDir(), "payments.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	a, err := l.Record(pendingEntry("summarize"))
	require.NoError(t, err)
	require.NoError(t, l.UpdateStatus(a, StatusCompleted, "0x1", "stl-1"))

	b := pendingEntry("summarize")
	b.Amount = "50000"
	bID, err := l.Record(b)
	require.NoError(t, err)
	require.NoError(t, l.UpdateStatus(bID, StatusCompleted, "0x2", "stl-2"))

	c, err := l.Record(pendingEntry("summarize"))
	require.NoError(t, err)
	require.NoError(t, l.UpdateStatus(c, StatusFailed, "", ""))

	_, err = l.Record(pendingEntry("translate"))
	require.NoError(t, err)

	s, err := l.Summary("summarize")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, "60000", s.TotalSettled)
}
