package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryJournal struct {
	mu           sync.RWMutex
	entries      []Entry
	byPocket     map[string][]int
	byTx         map[string][]int
	transactions map[string]Transaction
	references   map[string]string
	balances     map[string]int64
	now          func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory journal useful for unit tests
// and single-process deployments.
func NewInMemory() Journal {
	return &inMemoryJournal{
		byPocket:     make(map[string][]int),
		byTx:         make(map[string][]int),
		transactions: make(map[string]Transaction),
		references:   make(map[string]string),
		balances:     make(map[string]int64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (j *inMemoryJournal) Append(_ context.Context, txn Transaction, entries []Entry) (Transaction, []Entry, error) {
	if err := Validate(entries); err != nil {
		return Transaction{}, nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	refKey := referenceKey(txn.TenantID, txn.Kind, txn.ReferenceID)
	if txn.ReferenceID != "" {
		if id, exists := j.references[refKey]; exists {
			return j.transactions[id], nil, ErrDuplicateTransaction
		}
	}

	next := make(map[string]int64, len(entries))
	for _, e := range entries {
		current, seen := next[e.PocketID]
		if !seen {
			current = j.balances[e.PocketID]
		}
		sum, ok := AddBalance(current, e.Signed())
		if !ok {
			return Transaction{}, nil, fmt.Errorf("%w: balance of pocket %s would overflow", ErrInvalidEntry, e.PocketID)
		}
		next[e.PocketID] = sum
	}

	now := j.now()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Rate.IsZero() {
		txn.Rate = decimal.NewFromInt(1)
	}
	txn.CreatedAt = now

	stamped := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.ID = uuid.NewString()
		e.TransactionID = txn.ID
		if e.ReferenceID == "" {
			e.ReferenceID = txn.ReferenceID
		}
		e.CreatedAt = now

		idx := len(j.entries)
		j.entries = append(j.entries, e)
		j.byPocket[e.PocketID] = append(j.byPocket[e.PocketID], idx)
		j.byTx[txn.ID] = append(j.byTx[txn.ID], idx)
		stamped = append(stamped, e)
	}

	for id, balance := range next {
		j.balances[id] = balance
	}
	j.transactions[txn.ID] = txn
	if txn.ReferenceID != "" {
		j.references[refKey] = txn.ID
	}
	return txn, stamped, nil
}

func (j *inMemoryJournal) Balance(_ context.Context, pocketID string) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.balances[pocketID], nil
}

func (j *inMemoryJournal) EntriesForPocket(_ context.Context, pocketID string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.collect(j.byPocket[pocketID]), nil
}

func (j *inMemoryJournal) EntriesForTransaction(_ context.Context, transactionID string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.collect(j.byTx[transactionID]), nil
}

func (j *inMemoryJournal) Transaction(_ context.Context, id string) (Transaction, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	txn, ok := j.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (j *inMemoryJournal) TransactionByReference(_ context.Context, tenantID string, kind Kind, referenceID string) (Transaction, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	id, ok := j.references[referenceKey(tenantID, kind, referenceID)]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return j.transactions[id], nil
}

// collect copies entries so callers can never mutate journal history.
func (j *inMemoryJournal) collect(indexes []int) []Entry {
	out := make([]Entry, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, j.entries[idx])
	}
	return out
}
