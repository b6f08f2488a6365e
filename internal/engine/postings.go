package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet-ledger/internal/events"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
)

// PostingRequest moves money between a pocket and the settlement account without a
// prior reservation.
type PostingRequest struct {
	TenantID    string
	PocketID    string
	Amount      int64
	ReferenceID string
}

// PostingResult is the journal write produced by a direct posting or a reversal.
type PostingResult struct {
	Transaction ledger.Transaction
	Entries     []ledger.Entry
	Replayed    bool
}

// Credit adds funds to a pocket from the settlement account (top-ups, refunds).
func (m *Manager) Credit(ctx context.Context, req PostingRequest) (PostingResult, error) {
	return m.post(ctx, ledger.KindCredit, req)
}

// Debit withdraws funds from a pocket to the settlement account. The amount must be
// covered by available balance, so holds are respected.
func (m *Manager) Debit(ctx context.Context, req PostingRequest) (PostingResult, error) {
	return m.post(ctx, ledger.KindDebit, req)
}

func (m *Manager) post(ctx context.Context, kind ledger.Kind, req PostingRequest) (result PostingResult, err error) {
	defer m.observe(string(kind), time.Now(), &err)

	if req.Amount <= 0 {
		return PostingResult{}, ErrInvalidAmount
	}
	if req.ReferenceID == "" {
		return PostingResult{}, fmt.Errorf("%w: reference id required", ErrInvalidRequest)
	}
	p, err := m.pocket(ctx, req.TenantID, req.PocketID)
	if err != nil {
		return PostingResult{}, err
	}
	if p.System() {
		return PostingResult{}, fmt.Errorf("%w: system pockets cannot be posted to directly", ErrInvalidRequest)
	}

	if replay, found, err := m.replayPosting(ctx, kind, req); found || err != nil {
		return replay, err
	}

	settlement, err := m.store.Pockets().GetOrCreate(ctx, req.TenantID, pocket.SettlementAccount, p.Currency)
	if err != nil {
		return PostingResult{}, err
	}
	src, dst := settlement, p
	if kind == ledger.KindDebit {
		src, dst = p, settlement
	}

	err = m.store.WithPocket(ctx, p.ID, func(tx Tx) error {
		if tx.Pocket().Frozen() {
			return pocket.ErrFrozen
		}
		if kind == ledger.KindDebit {
			available, err := availableIn(ctx, tx)
			if err != nil {
				return err
			}
			if available < req.Amount {
				return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, available, req.Amount)
			}
		} else if err := creditFits(ctx, tx.Journal(), p.ID, req.Amount); err != nil {
			return err
		}

		txn, entries, err := tx.Journal().Append(ctx, ledger.Transaction{
			TenantID:            req.TenantID,
			Kind:                kind,
			ReferenceID:         req.ReferenceID,
			SourcePocketID:      src.ID,
			DestinationPocketID: dst.ID,
			Amount:              req.Amount,
			CreditedAmount:      req.Amount,
		}, []ledger.Entry{
			{PocketID: src.ID, Direction: ledger.Debit, Amount: req.Amount, Currency: p.Currency},
			{PocketID: dst.ID, Direction: ledger.Credit, Amount: req.Amount, Currency: p.Currency},
		})
		if err != nil {
			return m.journalFailure(req.ReferenceID, err)
		}
		result = PostingResult{Transaction: txn, Entries: entries}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if replay, found, lookupErr := m.replayPosting(ctx, kind, req); found || lookupErr != nil {
			return replay, lookupErr
		}
	}
	if err != nil {
		return PostingResult{}, err
	}

	m.afterWrite(ctx, src.ID, dst.ID)
	typ := events.TypeCredited
	if kind == ledger.KindDebit {
		typ = events.TypeDebited
	}
	m.publish(ctx, typ, result.Transaction, p.Currency, p.Currency)
	m.logger.InfoContext(ctx, "direct posting recorded",
		slog.String("kind", string(kind)),
		slog.String("tenant_id", req.TenantID),
		slog.String("pocket_id", p.ID),
		slog.String("transaction_id", result.Transaction.ID),
		slog.String("reference_id", req.ReferenceID),
		slog.Int64("amount", req.Amount))
	return result, nil
}

// replayPosting returns the earlier posting for the reference, or
// ErrDuplicateReference when the reference was used with other parameters.
func (m *Manager) replayPosting(ctx context.Context, kind ledger.Kind, req PostingRequest) (PostingResult, bool, error) {
	existing, err := m.store.Journal().TransactionByReference(ctx, req.TenantID, kind, req.ReferenceID)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return PostingResult{}, false, nil
	}
	if err != nil {
		return PostingResult{}, false, err
	}

	target := existing.DestinationPocketID
	if kind == ledger.KindDebit {
		target = existing.SourcePocketID
	}
	if target != req.PocketID || existing.Amount != req.Amount {
		return PostingResult{}, true, fmt.Errorf("%w: reference %q", ErrDuplicateReference, req.ReferenceID)
	}
	return m.replayed(ctx, existing)
}

func (m *Manager) replayed(ctx context.Context, txn ledger.Transaction) (PostingResult, bool, error) {
	entries, err := m.store.Journal().EntriesForTransaction(ctx, txn.ID)
	if err != nil {
		return PostingResult{}, true, err
	}
	return PostingResult{Transaction: txn, Entries: entries, Replayed: true}, true, nil
}

// Reverse appends a compensating transaction that mirrors transactionID with every
// direction flipped. The original entries are never touched. Reversing the same
// transaction twice returns the first reversal.
func (m *Manager) Reverse(ctx context.Context, tenantID, transactionID string) (result PostingResult, err error) {
	defer m.observe("reverse", time.Now(), &err)

	journal := m.store.Journal()
	orig, err := journal.Transaction(ctx, transactionID)
	if err != nil {
		return PostingResult{}, err
	}
	if orig.TenantID != tenantID {
		return PostingResult{}, ledger.ErrTransactionNotFound
	}
	if orig.Kind == ledger.KindReversal {
		return PostingResult{}, fmt.Errorf("%w: a reversal cannot be reversed", ErrInvalidRequest)
	}
	if existing, err := journal.TransactionByReference(ctx, tenantID, ledger.KindReversal, orig.ID); err == nil {
		replay, _, err := m.replayed(ctx, existing)
		return replay, err
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return PostingResult{}, err
	}

	entries, err := journal.EntriesForTransaction(ctx, orig.ID)
	if err != nil {
		return PostingResult{}, err
	}
	mirrored := ledger.Reversed(entries)

	pockets := make(map[string]pocket.Pocket)
	for _, e := range mirrored {
		if _, ok := pockets[e.PocketID]; ok {
			continue
		}
		p, err := m.store.Pockets().Get(ctx, e.PocketID)
		if err != nil {
			return PostingResult{}, err
		}
		pockets[e.PocketID] = p
	}
	lockID, debited := reversalTarget(mirrored, pockets)
	if lockID == "" {
		return PostingResult{}, fmt.Errorf("%w: transaction touches no user pocket", ErrInvalidRequest)
	}

	err = m.store.WithPocket(ctx, lockID, func(tx Tx) error {
		if tx.Pocket().Frozen() {
			return pocket.ErrFrozen
		}
		// Pockets credited back by the reversal are not locked, but a frozen one
		// still refuses the money.
		for id, p := range pockets {
			if id == lockID || p.System() {
				continue
			}
			current, err := tx.LookupPocket(ctx, id)
			if err != nil {
				return err
			}
			if current.Frozen() {
				return fmt.Errorf("%w: pocket %s", pocket.ErrFrozen, id)
			}
		}
		if debited > 0 {
			available, err := availableIn(ctx, tx)
			if err != nil {
				return err
			}
			if available < debited {
				return fmt.Errorf("%w: available %d, reversal needs %d", ErrInsufficientBalance, available, debited)
			}
		}

		txn, posted, err := tx.Journal().Append(ctx, ledger.Transaction{
			TenantID:            tenantID,
			Kind:                ledger.KindReversal,
			ReferenceID:         orig.ID,
			ReversesID:          orig.ID,
			SourcePocketID:      orig.DestinationPocketID,
			DestinationPocketID: orig.SourcePocketID,
			Amount:              orig.CreditedAmount,
			CreditedAmount:      orig.Amount,
			Rate:                inverse(orig.Rate),
		}, mirrored)
		if err != nil {
			return m.journalFailure(orig.ID, err)
		}
		result = PostingResult{Transaction: txn, Entries: posted}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if existing, lookupErr := journal.TransactionByReference(ctx, tenantID, ledger.KindReversal, orig.ID); lookupErr == nil {
			replay, _, err := m.replayed(ctx, existing)
			return replay, err
		}
	}
	if err != nil {
		return PostingResult{}, err
	}

	touched := make([]string, 0, len(pockets))
	for id := range pockets {
		touched = append(touched, id)
	}
	m.afterWrite(ctx, touched...)
	m.publish(ctx, events.TypeReversed, result.Transaction,
		pockets[orig.DestinationPocketID].Currency, pockets[orig.SourcePocketID].Currency)
	m.logger.InfoContext(ctx, "transaction reversed",
		slog.String("tenant_id", tenantID),
		slog.String("transaction_id", result.Transaction.ID),
		slog.String("reverses_id", orig.ID))
	return result, nil
}

// creditFits rejects a credit that would push the pocket balance past int64.
func creditFits(ctx context.Context, journal ledger.Journal, pocketID string, amount int64) error {
	balance, err := journal.Balance(ctx, pocketID)
	if err != nil {
		return err
	}
	if _, ok := ledger.AddBalance(balance, amount); !ok {
		return fmt.Errorf("%w: balance of pocket %s would overflow", ErrInvalidAmount, pocketID)
	}
	return nil
}

// reversalTarget picks the user pocket whose balance the reversal reduces, and by
// how much. When no user pocket is debited the first user pocket credited is locked.
func reversalTarget(entries []ledger.Entry, pockets map[string]pocket.Pocket) (string, int64) {
	var (
		lockID  string
		debited int64
	)
	for _, e := range entries {
		if pockets[e.PocketID].System() || e.Direction != ledger.Debit {
			continue
		}
		if lockID == "" {
			lockID = e.PocketID
		}
		if e.PocketID == lockID {
			debited += e.Amount
		}
	}
	if lockID != "" {
		return lockID, debited
	}
	for _, e := range entries {
		if !pockets[e.PocketID].System() {
			return e.PocketID, 0
		}
	}
	return "", 0
}

func inverse(rate decimal.Decimal) decimal.Decimal {
	if rate.Sign() <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(1).DivRound(rate, 16)
}
