package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vitwit/toolpay/types"
)

// FileLedger persists entries as JSON lines. Appends are serialized under a
// mutex so one entry is always one atomic line; status transitions are
// appended as superseding records and folded on read, keeping the file
// itself strictly append-only.
type FileLedger struct {
	mu      sync.Mutex
	f       *os.File
	entries map[string]*Entry   // id -> latest state
	byStlID map[string]string   // settlementID -> id
	order   []string            // ids in first-seen order
}

var _ Ledger = (*FileLedger)(nil)

// OpenFileLedger opens (or creates) a JSONL ledger at path and replays its
// records to rebuild the in-memory index.
func OpenFileLedger(path string) (*FileLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to open ledger file: %v", err)
	}

	l := &FileLedger{
		f:       f,
		entries: make(map[string]*Entry),
		byStlID: make(map[string]string),
	}

	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

func (l *FileLedger) replay() error {
	if _, err := l.f.Seek(0, 0); err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed, "failed to seek ledger: %v", err)
	}

	scanner := bufio.NewScanner(l.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return types.NewPaymentError(types.ErrLedgerWriteFailed,
				"corrupt ledger record: %v", err)
		}

		if _, seen := l.entries[e.ID]; !seen {
			l.order = append(l.order, e.ID)
		}
		copied := e
		l.entries[e.ID] = &copied
		if e.SettlementID != "" {
			l.byStlID[e.SettlementID] = e.ID
		}
	}

	if err := scanner.Err(); err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed, "failed to read ledger: %v", err)
	}

	// Leave the offset at the end for subsequent appends.
	if _, err := l.f.Seek(0, 2); err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed, "failed to seek ledger: %v", err)
	}

	return nil
}

// Record appends a new entry. Idempotent on SettlementID.
func (l *FileLedger) Record(entry *Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.SettlementID != "" {
		if id, seen := l.byStlID[entry.SettlementID]; seen {
			return id, nil
		}
	}

	e := *entry
	if e.ID == "" {
		id, err := newEntryID()
		if err != nil {
			return "", types.NewPaymentError(types.ErrLedgerWriteFailed,
				"failed to generate entry id: %v", err)
		}
		e.ID = id
	}

	if err := l.append(&e); err != nil {
		return "", err
	}

	l.entries[e.ID] = &e
	l.order = append(l.order, e.ID)
	if e.SettlementID != "" {
		l.byStlID[e.SettlementID] = e.ID
	}

	return e.ID, nil
}

// UpdateStatus appends a superseding record with the new status.
func (l *FileLedger) UpdateStatus(id string, status Status, transferRef, settlementID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[id]
	if !ok {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"ledger entry %s not found", id)
	}

	if current.Status != StatusPending {
		// The pending->terminal transition happens once.
		return nil
	}

	updated := *current
	updated.Status = status
	if transferRef != "" {
		updated.TransferRef = transferRef
	}
	if settlementID != "" {
		updated.SettlementID = settlementID
	}

	if err := l.append(&updated); err != nil {
		return err
	}

	l.entries[id] = &updated
	if updated.SettlementID != "" {
		l.byStlID[updated.SettlementID] = id
	}

	return nil
}

func (l *FileLedger) append(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to marshal ledger entry: %v", err)
	}

	if _, err := fmt.Fprintf(l.f, "%s\n", data); err != nil {
		return types.NewPaymentError(types.ErrLedgerWriteFailed,
			"failed to append ledger entry: %v", err)
	}

	return l.f.Sync()
}

// Query returns matching entries, oldest first.
func (l *FileLedger) Query(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, id := range l.order {
		e := l.entries[id]
		if filter.Matches(e) {
			out = append(out, *e)
		}
	}

	return out, nil
}

// Summary aggregates entries for one operation.
func (l *FileLedger) Summary(operation string) (*Summary, error) {
	entries, err := l.Query(Filter{Operation: operation})
	if err != nil {
		return nil, err
	}
	return summarize(operation, entries), nil
}

// Close flushes and closes the underlying file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
