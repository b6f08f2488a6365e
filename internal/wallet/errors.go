package wallet

import (
	"errors"
	"net/http"

	"github.com/congo-pay/wallet-ledger/internal/engine"
	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// Kind is the stable, externally visible error classification.
type Kind string

const (
	KindPocketNotFound        Kind = "POCKET_NOT_FOUND"
	KindPocketFrozen          Kind = "POCKET_FROZEN"
	KindInsufficientBalance   Kind = "INSUFFICIENT_BALANCE"
	KindReservationNotFound   Kind = "RESERVATION_NOT_FOUND"
	KindReservationNotPending Kind = "RESERVATION_NOT_PENDING"
	KindDuplicateReference    Kind = "DUPLICATE_REFERENCE"
	KindLedgerImbalance       Kind = "LEDGER_IMBALANCE"
	KindTransactionNotFound   Kind = "TRANSACTION_NOT_FOUND"
	KindRateUnavailable       Kind = "RATE_UNAVAILABLE"
	KindPocketBusy            Kind = "POCKET_BUSY"
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindInternal              Kind = "INTERNAL"
)

// Error is the only error type returned by Service.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Status maps the kind to an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindPocketNotFound, KindReservationNotFound, KindTransactionNotFound:
		return http.StatusNotFound
	case KindReservationNotPending, KindDuplicateReference:
		return http.StatusConflict
	case KindInsufficientBalance, KindPocketFrozen:
		return http.StatusUnprocessableEntity
	case KindRateUnavailable, KindPocketBusy:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindInternal
}

func invalid(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// translate maps engine errors onto the stable kinds. Messages of unclassified
// errors never leave the service.
func translate(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	kind := KindInternal
	switch {
	case errors.Is(err, pocket.ErrNotFound):
		kind = KindPocketNotFound
	case errors.Is(err, pocket.ErrFrozen):
		kind = KindPocketFrozen
	case errors.Is(err, engine.ErrInsufficientBalance):
		kind = KindInsufficientBalance
	case errors.Is(err, reservation.ErrNotFound):
		kind = KindReservationNotFound
	case errors.Is(err, reservation.ErrNotPending):
		kind = KindReservationNotPending
	case errors.Is(err, engine.ErrDuplicateReference), errors.Is(err, ledger.ErrDuplicateTransaction):
		kind = KindDuplicateReference
	case errors.Is(err, ledger.ErrImbalance):
		return &Error{Kind: KindLedgerImbalance, Message: "ledger integrity violation, write halted"}
	case errors.Is(err, ledger.ErrTransactionNotFound):
		kind = KindTransactionNotFound
	case errors.Is(err, fx.ErrRateUnavailable):
		return &Error{Kind: KindRateUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, engine.ErrLockTimeout):
		return &Error{Kind: KindPocketBusy, Message: err.Error(), Retryable: true}
	case errors.Is(err, engine.ErrInvalidAmount), errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidEntry):
		kind = KindInvalidRequest
	}
	if kind == KindInternal {
		return &Error{Kind: KindInternal, Message: "internal error", Retryable: true}
	}
	return &Error{Kind: kind, Message: err.Error()}
}
