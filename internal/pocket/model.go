package pocket

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no pocket matches the lookup.
	ErrNotFound = errors.New("pocket not found")
	// ErrFrozen rejects every mutating operation on a frozen pocket.
	ErrFrozen = errors.New("pocket frozen")
)

// Status of a pocket.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFrozen Status = "FROZEN"
)

const (
	systemAccountPrefix = "system:"

	// SettlementAccount is the counterpart of money entering or leaving the wallet
	// system (top-ups, refunds, withdrawals).
	SettlementAccount = systemAccountPrefix + "settlement"
	// FXAccount clears cross-currency commits so each currency stays balanced.
	FXAccount = systemAccountPrefix + "fx"
)

// Pocket is a per-currency balance bucket of an account. Its balance is not stored
// here; it is derived from the ledger journal.
type Pocket struct {
	ID        string
	TenantID  string
	AccountID string
	Currency  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Frozen reports whether the pocket rejects mutations.
func (p Pocket) Frozen() bool { return p.Status == StatusFrozen }

// System reports whether the pocket belongs to an internal clearing account.
// System pockets may carry a negative balance.
func (p Pocket) System() bool { return IsSystemAccount(p.AccountID) }

// IsSystemAccount reports whether accountID is reserved for internal use.
func IsSystemAccount(accountID string) bool {
	return strings.HasPrefix(accountID, systemAccountPrefix)
}
