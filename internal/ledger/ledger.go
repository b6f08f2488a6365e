package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrImbalance indicates a batch whose debits and credits differ for at least
	// one currency. It is an integrity violation and must never be corrected automatically.
	ErrImbalance = errors.New("ledger imbalance")

	// ErrInvalidEntry is returned for entries with a non-positive amount, an unknown
	// direction or a missing pocket/currency.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrDuplicateTransaction indicates the (tenant, kind, reference) triple already
	// exists and therefore the posting should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrTransactionNotFound is returned when no transaction matches the lookup.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Direction is the side of a double-entry posting.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Kind classifies the business operation that produced a transaction.
type Kind string

const (
	KindCommit   Kind = "commit"
	KindCredit   Kind = "credit"
	KindDebit    Kind = "debit"
	KindReversal Kind = "reversal"
)

// Entry is an immutable debit or credit against a single pocket.
type Entry struct {
	ID            string
	TransactionID string
	PocketID      string
	Direction     Direction
	Amount        int64
	Currency      string
	ReferenceID   string
	CreatedAt     time.Time
}

// Signed returns the entry amount as it affects the pocket balance.
func (e Entry) Signed() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// Transaction is the header grouping the entries of one balanced posting.
type Transaction struct {
	ID                  string
	TenantID            string
	Kind                Kind
	ReferenceID         string
	ReservationID       string
	ReversesID          string
	SourcePocketID      string
	DestinationPocketID string
	Amount              int64
	CreditedAmount      int64
	Rate                decimal.Decimal
	CreatedAt           time.Time
}

// Journal is the append-only store of ledger entries. There is deliberately no
// update or delete operation.
type Journal interface {
	// Append validates and persists the transaction and all its entries atomically.
	// It returns the stamped header and entries (ids, timestamps).
	Append(ctx context.Context, txn Transaction, entries []Entry) (Transaction, []Entry, error)
	Balance(ctx context.Context, pocketID string) (int64, error)
	EntriesForPocket(ctx context.Context, pocketID string) ([]Entry, error)
	EntriesForTransaction(ctx context.Context, transactionID string) ([]Entry, error)
	Transaction(ctx context.Context, id string) (Transaction, error)
	TransactionByReference(ctx context.Context, tenantID string, kind Kind, referenceID string) (Transaction, error)
}

// Validate checks every entry and that, per currency, the sum of debits equals the
// sum of credits across the batch.
func Validate(entries []Entry) error {
	if len(entries) < 2 {
		return fmt.Errorf("%w: a posting needs at least two entries", ErrImbalance)
	}
	totals := make(map[string]int64)
	var ok bool
	for i, e := range entries {
		if e.Amount <= 0 {
			return fmt.Errorf("%w: entry %d amount must be positive", ErrInvalidEntry, i)
		}
		if e.PocketID == "" || e.Currency == "" {
			return fmt.Errorf("%w: entry %d missing pocket or currency", ErrInvalidEntry, i)
		}
		if e.Direction != Debit && e.Direction != Credit {
			return fmt.Errorf("%w: entry %d direction %q", ErrInvalidEntry, i, e.Direction)
		}
		if totals[e.Currency], ok = AddBalance(totals[e.Currency], e.Signed()); !ok {
			return fmt.Errorf("%w: entry %d overflows the %s total", ErrInvalidEntry, i, e.Currency)
		}
	}
	for currency, net := range totals {
		if net != 0 {
			return fmt.Errorf("%w: %s debits and credits differ by %d", ErrImbalance, currency, net)
		}
	}
	return nil
}

// AddBalance returns balance+delta and false when the sum does not fit in an int64.
func AddBalance(balance, delta int64) (int64, bool) {
	sum := balance + delta
	if (delta > 0 && sum < balance) || (delta < 0 && sum > balance) {
		return balance, false
	}
	return sum, true
}

// Reversed mirrors entries with every direction flipped, used to build a
// compensating transaction.
func Reversed(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		flipped := Entry{PocketID: e.PocketID, Amount: e.Amount, Currency: e.Currency, Direction: Credit}
		if e.Direction == Credit {
			flipped.Direction = Debit
		}
		out = append(out, flipped)
	}
	return out
}

func referenceKey(tenantID string, kind Kind, referenceID string) string {
	return tenantID + "|" + string(kind) + "|" + referenceID
}
