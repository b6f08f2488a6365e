package engine

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

var (
	// ErrInsufficientBalance is returned when available balance cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateReference is returned when a reference id is reused with different parameters.
	ErrDuplicateReference = errors.New("duplicate reference with different parameters")
	// ErrInvalidAmount rejects non-positive amounts and conversions that round to zero.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidRequest rejects malformed input such as a missing reference or an out-of-range ttl.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrLockTimeout is returned when the pocket critical section could not be entered
	// within the configured bound. Callers may retry with the same reference id.
	ErrLockTimeout = errors.New("pocket busy")
)

// Store is the unit-of-work boundary of the engine. WithPocket runs fn inside the
// critical section of one pocket; everything fn writes through tx becomes visible
// atomically when fn returns nil and is discarded otherwise.
type Store interface {
	Pockets() pocket.Store
	Journal() ledger.Journal
	WithPocket(ctx context.Context, pocketID string, fn func(tx Tx) error) error

	Reservation(ctx context.Context, id string) (reservation.Reservation, error)
	ReservationByReference(ctx context.Context, tenantID, referenceID string) (reservation.Reservation, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error)
	Held(ctx context.Context, pocketID string) (int64, error)
}

// Tx is the view of the store inside a pocket critical section.
type Tx interface {
	// Pocket is the locked pocket as read after the lock was taken.
	Pocket() pocket.Pocket
	LookupPocket(ctx context.Context, id string) (pocket.Pocket, error)
	SetPocketStatus(ctx context.Context, status pocket.Status) (pocket.Pocket, error)

	Balance(ctx context.Context) (int64, error)
	Held(ctx context.Context) (int64, error)

	Reservation(ctx context.Context, id string) (reservation.Reservation, error)
	ReservationByReference(ctx context.Context, tenantID, referenceID string) (reservation.Reservation, error)
	InsertReservation(ctx context.Context, r reservation.Reservation) error
	// TransitionReservation moves a PENDING reservation to res.Status. It is the
	// compare-and-set gate: a reservation no longer PENDING yields reservation.ErrNotPending.
	TransitionReservation(ctx context.Context, id string, res reservation.Resolution) (reservation.Reservation, error)

	// Journal appends within the unit of work. Implementations may apply appends
	// immediately, so Append must be the last write fn performs.
	Journal() ledger.Journal
}
