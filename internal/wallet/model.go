package wallet

import (
	"time"

	"github.com/congo-pay/wallet-ledger/internal/engine"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// Destination names the pocket a commit pays into.
type Destination struct {
	AccountID string
	Currency  string
}

// ReservationHandle is the caller's view of a hold.
type ReservationHandle struct {
	ID                  string    `json:"id"`
	AccountID           string    `json:"account_id"`
	Currency            string    `json:"currency"`
	PocketID            string    `json:"pocket_id"`
	Amount              int64     `json:"amount"`
	ReferenceID         string    `json:"reference_id"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ResolvedAt          time.Time `json:"resolved_at,omitempty"`
	TransactionID       string    `json:"transaction_id,omitempty"`
	DestinationPocketID string    `json:"destination_pocket_id,omitempty"`
	Replayed            bool      `json:"replayed"`
}

func handleFrom(r reservation.Reservation, p pocket.Pocket, replayed bool) ReservationHandle {
	return ReservationHandle{
		ID:                  r.ID,
		AccountID:           p.AccountID,
		Currency:            r.Currency,
		PocketID:            r.PocketID,
		Amount:              r.Amount,
		ReferenceID:         r.ReferenceID,
		Status:              string(r.Status),
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
		ResolvedAt:          r.ResolvedAt,
		TransactionID:       r.TransactionID,
		DestinationPocketID: r.DestinationPocketID,
		Replayed:            replayed,
	}
}

// EntryView is one journal line.
type EntryView struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	PocketID      string    `json:"pocket_id"`
	Direction     string    `json:"direction"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ReferenceID   string    `json:"reference_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func entryViews(entries []ledger.Entry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryView{
			ID:            e.ID,
			TransactionID: e.TransactionID,
			PocketID:      e.PocketID,
			Direction:     string(e.Direction),
			Amount:        e.Amount,
			Currency:      e.Currency,
			ReferenceID:   e.ReferenceID,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out
}

// TransactionResult describes a journal write.
type TransactionResult struct {
	TransactionID       string      `json:"transaction_id"`
	Kind                string      `json:"kind"`
	ReferenceID         string      `json:"reference_id"`
	ReservationID       string      `json:"reservation_id,omitempty"`
	ReversesID          string      `json:"reverses_id,omitempty"`
	SourcePocketID      string      `json:"source_pocket_id"`
	DestinationPocketID string      `json:"destination_pocket_id"`
	Amount              int64       `json:"amount"`
	CreditedAmount      int64       `json:"credited_amount"`
	Rate                string      `json:"rate"`
	Entries             []EntryView `json:"entries"`
	CreatedAt           time.Time   `json:"created_at"`
	Replayed            bool        `json:"replayed"`
}

func resultFrom(txn ledger.Transaction, entries []ledger.Entry, replayed bool) TransactionResult {
	return TransactionResult{
		TransactionID:       txn.ID,
		Kind:                string(txn.Kind),
		ReferenceID:         txn.ReferenceID,
		ReservationID:       txn.ReservationID,
		ReversesID:          txn.ReversesID,
		SourcePocketID:      txn.SourcePocketID,
		DestinationPocketID: txn.DestinationPocketID,
		Amount:              txn.Amount,
		CreditedAmount:      txn.CreditedAmount,
		Rate:                txn.Rate.String(),
		Entries:             entryViews(entries),
		CreatedAt:           txn.CreatedAt,
		Replayed:            replayed,
	}
}

// BalanceResult is a balance read. Available excludes PENDING holds.
type BalanceResult struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
	PocketID  string `json:"pocket_id"`
	Status    string `json:"status"`
	Balance   int64  `json:"balance"`
	Held      int64  `json:"held"`
	Available int64  `json:"available"`
}

func balanceFrom(v engine.BalanceView) BalanceResult {
	return BalanceResult{
		AccountID: v.Pocket.AccountID,
		Currency:  v.Pocket.Currency,
		PocketID:  v.Pocket.ID,
		Status:    string(v.Pocket.Status),
		Balance:   v.Balance,
		Held:      v.Held,
		Available: v.Available,
	}
}

// PocketView is the caller's view of a pocket.
type PocketView struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}
