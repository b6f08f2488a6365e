package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// MemoryStore keeps reservations in process and serialises each pocket with a
// keyed lock. Pockets and the journal are injected so tests can share them.
type MemoryStore struct {
	pockets     pocket.Store
	journal     ledger.Journal
	locks       *keyedLock
	lockTimeout time.Duration

	mu           sync.RWMutex
	reservations map[string]reservation.Reservation
	byReference  map[string]string
	byPocket     map[string][]string
}

// NewMemoryStore builds an in-process store. A zero lockTimeout waits as long as ctx allows.
func NewMemoryStore(pockets pocket.Store, journal ledger.Journal, lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		pockets:      pockets,
		journal:      journal,
		locks:        newKeyedLock(),
		lockTimeout:  lockTimeout,
		reservations: make(map[string]reservation.Reservation),
		byReference:  make(map[string]string),
		byPocket:     make(map[string][]string),
	}
}

func (s *MemoryStore) Pockets() pocket.Store   { return s.pockets }
func (s *MemoryStore) Journal() ledger.Journal { return s.journal }

// WithPocket runs fn holding the pocket's lock. Reservation and status writes are
// staged and applied only when fn succeeds. A journal append through the Tx takes
// the reservation lock and keeps it until the staged writes land, so readers of
// Held never pair a posted debit with the hold it consumed.
func (s *MemoryStore) WithPocket(ctx context.Context, pocketID string, fn func(tx Tx) error) error {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	unlock, err := s.locks.Lock(lockCtx, pocketID)
	if err != nil {
		if ctx.Err() == nil {
			return ErrLockTimeout
		}
		return err
	}
	defer unlock()

	p, err := s.pockets.Get(ctx, pocketID)
	if err != nil {
		return err
	}
	tx := &memoryTx{store: s, pocket: p, staged: make(map[string]reservation.Reservation)}
	defer tx.unlock()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.apply(ctx)
}

func (s *MemoryStore) Reservation(_ context.Context, id string) (reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reservationLocked(id)
}

func (s *MemoryStore) reservationLocked(id string) (reservation.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ReservationByReference(_ context.Context, tenantID, referenceID string) (reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referenceLocked(tenantID, referenceID)
}

func (s *MemoryStore) referenceLocked(tenantID, referenceID string) (reservation.Reservation, error) {
	id, ok := s.byReference[tenantID+"|"+referenceID]
	if !ok {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return s.reservations[id], nil
}

func (s *MemoryStore) DueForExpiry(_ context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	s.mu.RLock()
	var due []reservation.Reservation
	for _, r := range s.reservations {
		if r.DueAt(now) {
			due = append(due, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Held(_ context.Context, pocketID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heldLocked(pocketID, nil), nil
}

func (s *MemoryStore) heldLocked(pocketID string, overlay map[string]reservation.Reservation) int64 {
	var held int64
	for _, id := range s.byPocket[pocketID] {
		r := s.reservations[id]
		if staged, ok := overlay[id]; ok {
			r = staged
		}
		if r.Active() {
			held += r.Amount
		}
	}
	for id, r := range overlay {
		if _, known := s.reservations[id]; !known && r.PocketID == pocketID && r.Active() {
			held += r.Amount
		}
	}
	return held
}

type memoryTx struct {
	store  *MemoryStore
	pocket pocket.Pocket
	status *pocket.Status
	staged map[string]reservation.Reservation
	// locked is set once the tx owns store.mu for writing.
	locked bool
}

func (tx *memoryTx) lock() {
	if !tx.locked {
		tx.store.mu.Lock()
		tx.locked = true
	}
}

func (tx *memoryTx) unlock() {
	if tx.locked {
		tx.locked = false
		tx.store.mu.Unlock()
	}
}

// read runs fn under the store's read lock unless the tx already holds it.
func (tx *memoryTx) read(fn func()) {
	if !tx.locked {
		tx.store.mu.RLock()
		defer tx.store.mu.RUnlock()
	}
	fn()
}

func (tx *memoryTx) Pocket() pocket.Pocket { return tx.pocket }

func (tx *memoryTx) LookupPocket(ctx context.Context, id string) (pocket.Pocket, error) {
	if id == tx.pocket.ID {
		return tx.pocket, nil
	}
	return tx.store.pockets.Get(ctx, id)
}

func (tx *memoryTx) SetPocketStatus(_ context.Context, status pocket.Status) (pocket.Pocket, error) {
	tx.status = &status
	tx.pocket.Status = status
	return tx.pocket, nil
}

func (tx *memoryTx) Balance(ctx context.Context) (int64, error) {
	return tx.store.journal.Balance(ctx, tx.pocket.ID)
}

func (tx *memoryTx) Held(context.Context) (held int64, err error) {
	tx.read(func() { held = tx.store.heldLocked(tx.pocket.ID, tx.staged) })
	return held, nil
}

func (tx *memoryTx) Reservation(_ context.Context, id string) (r reservation.Reservation, err error) {
	if r, ok := tx.staged[id]; ok {
		return r, nil
	}
	tx.read(func() { r, err = tx.store.reservationLocked(id) })
	return r, err
}

func (tx *memoryTx) ReservationByReference(_ context.Context, tenantID, referenceID string) (r reservation.Reservation, err error) {
	for _, r := range tx.staged {
		if r.TenantID == tenantID && r.ReferenceID == referenceID {
			return r, nil
		}
	}
	tx.read(func() { r, err = tx.store.referenceLocked(tenantID, referenceID) })
	return r, err
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	if _, err := tx.ReservationByReference(ctx, r.TenantID, r.ReferenceID); err == nil {
		return ErrDuplicateReference
	}
	tx.staged[r.ID] = r
	return nil
}

func (tx *memoryTx) TransitionReservation(ctx context.Context, id string, res reservation.Resolution) (reservation.Reservation, error) {
	current, err := tx.Reservation(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	next, err := current.Apply(res)
	if err != nil {
		return current, err
	}
	tx.staged[id] = next
	return next, nil
}

func (tx *memoryTx) Journal() ledger.Journal {
	return &txJournal{Journal: tx.store.journal, tx: tx}
}

// txJournal takes the reservation lock ahead of the append so the posting and
// the reservation transitions staged beside it become visible together.
type txJournal struct {
	ledger.Journal
	tx *memoryTx
}

func (j *txJournal) Append(ctx context.Context, txn ledger.Transaction, entries []ledger.Entry) (ledger.Transaction, []ledger.Entry, error) {
	j.tx.lock()
	stamped, posted, err := j.Journal.Append(ctx, txn, entries)
	if err != nil {
		j.tx.unlock()
	}
	return stamped, posted, err
}

func (tx *memoryTx) apply(ctx context.Context) error {
	if tx.status != nil {
		if err := tx.store.pockets.SetStatus(ctx, tx.pocket.ID, *tx.status); err != nil {
			return err
		}
	}
	if len(tx.staged) == 0 {
		return nil
	}

	s := tx.store
	tx.lock()
	// A reference can race across pockets; the first writer keeps it.
	for id, r := range tx.staged {
		if _, known := s.reservations[id]; known {
			continue
		}
		if owner, taken := s.byReference[r.TenantID+"|"+r.ReferenceID]; taken && owner != id {
			return ErrDuplicateReference
		}
	}
	for id, r := range tx.staged {
		if _, known := s.reservations[id]; !known {
			s.byReference[r.TenantID+"|"+r.ReferenceID] = id
			s.byPocket[r.PocketID] = append(s.byPocket[r.PocketID], id)
		}
		s.reservations[id] = r
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

// isNotFound reports lookup misses across the packages the engine reads from.
func isNotFound(err error) bool {
	return errors.Is(err, reservation.ErrNotFound) || errors.Is(err, pocket.ErrNotFound) || errors.Is(err, ledger.ErrTransactionNotFound)
}
