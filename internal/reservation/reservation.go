package reservation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no reservation matches the lookup.
	ErrNotFound = errors.New("reservation not found")
	// ErrNotPending is returned for any transition the table does not allow, and to
	// the loser of a commit/release/expire race.
	ErrNotPending = errors.New("reservation not pending")
)

// Status is the state of a reservation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
)

// transitions is the complete table of legal moves. Terminal states have no row.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusCommitted: {},
		StatusReleased:  {},
		StatusExpired:   {},
	},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok && s.Valid()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCommitted, StatusReleased, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// CheckTransition returns ErrNotPending wrapped with context when from -> to is illegal.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrNotPending, from, to)
	}
	return nil
}

// Reservation is a time-bounded hold against a pocket's available balance.
type Reservation struct {
	ID                  string
	TenantID            string
	PocketID            string
	Amount              int64
	Currency            string
	ReferenceID         string
	Status              Status
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ResolvedAt          time.Time
	TransactionID       string
	DestinationPocketID string
}

// Active reports whether the hold counts against availability.
func (r Reservation) Active() bool { return r.Status == StatusPending }

// DueAt reports whether the hold has outlived its TTL at now.
func (r Reservation) DueAt(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.After(now)
}

// Resolution carries the data recorded when a reservation leaves PENDING.
type Resolution struct {
	Status              Status
	At                  time.Time
	TransactionID       string
	DestinationPocketID string
}

// Apply returns r moved to the resolution's status, or ErrNotPending if the
// transition table forbids it. r itself is never modified.
func (r Reservation) Apply(res Resolution) (Reservation, error) {
	if err := CheckTransition(r.Status, res.Status); err != nil {
		return r, err
	}
	r.Status = res.Status
	r.ResolvedAt = res.At
	r.TransactionID = res.TransactionID
	r.DestinationPocketID = res.DestinationPocketID
	return r, nil
}
