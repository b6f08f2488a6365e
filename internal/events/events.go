package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type names the business operation behind an event.
type Type string

const (
	TypeCommitted Type = "wallet.transaction.committed"
	TypeCredited  Type = "wallet.transaction.credited"
	TypeDebited   Type = "wallet.transaction.debited"
	TypeReversed  Type = "wallet.transaction.reversed"
)

// WalletTransaction is the outward view of a journal write. It links the business
// operation to the transaction and, for commits, the reservation it resolved.
type WalletTransaction struct {
	EventID             string    `json:"event_id"`
	Type                Type      `json:"type"`
	TenantID            string    `json:"tenant_id"`
	TransactionID       string    `json:"transaction_id"`
	ReservationID       string    `json:"reservation_id,omitempty"`
	ReversesID          string    `json:"reverses_id,omitempty"`
	ReferenceID         string    `json:"reference_id"`
	SourcePocketID      string    `json:"source_pocket_id,omitempty"`
	DestinationPocketID string    `json:"destination_pocket_id,omitempty"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency"`
	CreditedAmount      int64     `json:"credited_amount"`
	CreditedCurrency    string    `json:"credited_currency"`
	Rate                string    `json:"rate"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Key partitions events so one pocket's history stays ordered downstream.
func (e WalletTransaction) Key() string {
	if e.SourcePocketID != "" {
		return e.SourcePocketID
	}
	return e.DestinationPocketID
}

// Marshal encodes the event as JSON.
func (e WalletTransaction) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to downstream systems. Delivery happens after the
// journal write has committed and can never undo it.
type Publisher interface {
	Publish(ctx context.Context, event WalletTransaction) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, WalletTransaction) error { return nil }
