package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet-ledger/internal/events"
	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	OperationCompleted(op, outcome string, elapsed time.Duration)
	ReservationsExpired(n int)
}

type nopRecorder struct{}

func (nopRecorder) OperationCompleted(string, string, time.Duration) {}
func (nopRecorder) ReservationsExpired(int)                          {}

// Config holds the engine policy knobs.
type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Converter  fx.Converter
}

// Manager owns every balance-affecting operation: reservations, their resolution and
// direct postings. All writes to a pocket happen inside that pocket's critical section.
type Manager struct {
	store     Store
	rates     fx.Provider
	balances  *pocket.Balances
	publisher events.Publisher
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithPublisher attaches the event publisher notified after each journal write.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// NewManager wires the engine.
func NewManager(store Store, rates fx.Provider, balances *pocket.Balances, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if balances == nil {
		balances = pocket.NewBalances(store.Journal(), nil, 0, logger)
	}
	m := &Manager{
		store:     store,
		rates:     rates,
		balances:  balances,
		publisher: events.Nop{},
		recorder:  nopRecorder{},
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() Store { return m.store }

// ReserveRequest places a hold on a pocket.
type ReserveRequest struct {
	TenantID    string
	PocketID    string
	Amount      int64
	ReferenceID string
	TTL         time.Duration
}

// Reserve places a PENDING hold. A reference already used by this tenant returns
// the existing reservation unchanged, whatever its state, provided pocket and amount match.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (res reservation.Reservation, replayed bool, err error) {
	defer m.observe("reserve", time.Now(), &err)

	if req.Amount <= 0 {
		return reservation.Reservation{}, false, ErrInvalidAmount
	}
	if req.ReferenceID == "" {
		return reservation.Reservation{}, false, fmt.Errorf("%w: reference id required", ErrInvalidRequest)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl < 0 || ttl > m.cfg.MaxTTL {
		return reservation.Reservation{}, false, fmt.Errorf("%w: ttl must be within (0, %s]", ErrInvalidRequest, m.cfg.MaxTTL)
	}

	if existing, err := m.store.ReservationByReference(ctx, req.TenantID, req.ReferenceID); err == nil {
		r, err := sameReservation(existing, req)
		return r, err == nil, err
	} else if !errors.Is(err, reservation.ErrNotFound) {
		return reservation.Reservation{}, false, err
	}

	var (
		created reservation.Reservation
		raced   bool
	)
	err = m.store.WithPocket(ctx, req.PocketID, func(tx Tx) error {
		p := tx.Pocket()
		if p.TenantID != req.TenantID {
			return pocket.ErrNotFound
		}
		if p.Frozen() {
			return pocket.ErrFrozen
		}
		if existing, err := tx.ReservationByReference(ctx, req.TenantID, req.ReferenceID); err == nil {
			created, raced = existing, true
			return nil
		}
		available, err := availableIn(ctx, tx)
		if err != nil {
			return err
		}
		if available < req.Amount {
			return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, available, req.Amount)
		}

		now := m.now()
		created = reservation.Reservation{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			PocketID:    p.ID,
			Amount:      req.Amount,
			Currency:    p.Currency,
			ReferenceID: req.ReferenceID,
			Status:      reservation.StatusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		return tx.InsertReservation(ctx, created)
	})
	if errors.Is(err, ErrDuplicateReference) {
		// Lost a race on the reference against another pocket; replay the winner.
		existing, lookupErr := m.store.ReservationByReference(ctx, req.TenantID, req.ReferenceID)
		if lookupErr != nil {
			return reservation.Reservation{}, false, err
		}
		r, err := sameReservation(existing, req)
		return r, err == nil, err
	}
	if err != nil {
		return reservation.Reservation{}, false, err
	}
	if raced {
		r, err := sameReservation(created, req)
		return r, err == nil, err
	}

	m.logger.InfoContext(ctx, "reservation created",
		slog.String("tenant_id", created.TenantID),
		slog.String("pocket_id", created.PocketID),
		slog.String("reservation_id", created.ID),
		slog.String("reference_id", created.ReferenceID),
		slog.Int64("amount", created.Amount))
	return created, false, nil
}

func sameReservation(existing reservation.Reservation, req ReserveRequest) (reservation.Reservation, error) {
	if existing.PocketID != req.PocketID || existing.Amount != req.Amount {
		return reservation.Reservation{}, fmt.Errorf("%w: reference %q", ErrDuplicateReference, req.ReferenceID)
	}
	return existing, nil
}

// CommitResult describes the journal write produced by a commit.
type CommitResult struct {
	Reservation reservation.Reservation
	Transaction ledger.Transaction
	Entries     []ledger.Entry
	Replayed    bool
}

// Commit converts a PENDING reservation into journal entries moving the held amount
// to destinationPocketID, converting through the current FX rate when currencies
// differ. Committing an already committed reservation to the same destination
// returns the original result.
func (m *Manager) Commit(ctx context.Context, tenantID, reservationID, destinationPocketID string) (result CommitResult, err error) {
	defer m.observe("commit", time.Now(), &err)

	r, err := m.reservation(ctx, tenantID, reservationID)
	if err != nil {
		return CommitResult{}, err
	}
	if r.Status != reservation.StatusPending {
		return m.resolvedCommit(ctx, r, destinationPocketID)
	}
	if destinationPocketID == r.PocketID {
		return CommitResult{}, fmt.Errorf("%w: destination must differ from source", ErrInvalidRequest)
	}

	dest, err := m.pocket(ctx, tenantID, destinationPocketID)
	if err != nil {
		return CommitResult{}, err
	}

	plan := commitPlan{amount: r.Amount, credited: r.Amount, rate: decimal.NewFromInt(1)}
	if dest.Currency != r.Currency {
		if plan, err = m.crossCurrencyPlan(ctx, tenantID, r, dest); err != nil {
			return CommitResult{}, err
		}
	}

	var expired bool
	err = m.store.WithPocket(ctx, r.PocketID, func(tx Tx) error {
		src := tx.Pocket()
		if src.Frozen() {
			return pocket.ErrFrozen
		}
		current, err := tx.Reservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if current.Status != reservation.StatusPending {
			r = current
			return reservation.ErrNotPending
		}

		now := m.now()
		if current.DueAt(now) {
			if _, err := tx.TransitionReservation(ctx, r.ID, reservation.Resolution{Status: reservation.StatusExpired, At: now}); err != nil {
				return err
			}
			expired = true
			return nil
		}

		destNow, err := tx.LookupPocket(ctx, dest.ID)
		if err != nil {
			return err
		}
		if destNow.Frozen() {
			return pocket.ErrFrozen
		}
		if err := creditFits(ctx, tx.Journal(), dest.ID, plan.credited); err != nil {
			return err
		}

		txnID := uuid.NewString()
		committed, err := tx.TransitionReservation(ctx, r.ID, reservation.Resolution{
			Status:              reservation.StatusCommitted,
			At:                  now,
			TransactionID:       txnID,
			DestinationPocketID: dest.ID,
		})
		if err != nil {
			return err
		}

		txn, entries, err := tx.Journal().Append(ctx, ledger.Transaction{
			ID:                  txnID,
			TenantID:            tenantID,
			Kind:                ledger.KindCommit,
			ReferenceID:         r.ReferenceID,
			ReservationID:       r.ID,
			SourcePocketID:      src.ID,
			DestinationPocketID: dest.ID,
			Amount:              plan.amount,
			CreditedAmount:      plan.credited,
			Rate:                plan.rate,
		}, plan.entries(src, dest))
		if err != nil {
			return m.journalFailure(r.ReferenceID, err)
		}
		result = CommitResult{Reservation: committed, Transaction: txn, Entries: entries}
		return nil
	})
	if errors.Is(err, reservation.ErrNotPending) && r.Status != reservation.StatusPending {
		return m.resolvedCommit(ctx, r, destinationPocketID)
	}
	if err != nil {
		return CommitResult{}, err
	}
	if expired {
		m.logger.InfoContext(ctx, "commit on expired reservation",
			slog.String("reservation_id", r.ID), slog.String("tenant_id", tenantID))
		return CommitResult{}, fmt.Errorf("%w: reservation expired at %s", reservation.ErrNotPending, r.ExpiresAt.Format(time.RFC3339))
	}

	m.afterWrite(ctx, plan.touched(r.PocketID, dest.ID)...)
	m.publish(ctx, events.TypeCommitted, result.Transaction, r.Currency, dest.Currency)
	m.logger.InfoContext(ctx, "reservation committed",
		slog.String("tenant_id", tenantID),
		slog.String("reservation_id", r.ID),
		slog.String("transaction_id", result.Transaction.ID),
		slog.String("pocket_id", r.PocketID))
	return result, nil
}

// resolvedCommit answers a commit against a reservation that already left PENDING.
func (m *Manager) resolvedCommit(ctx context.Context, r reservation.Reservation, destinationPocketID string) (CommitResult, error) {
	if r.Status != reservation.StatusCommitted {
		return CommitResult{}, fmt.Errorf("%w: reservation is %s", reservation.ErrNotPending, r.Status)
	}
	if r.DestinationPocketID != destinationPocketID {
		return CommitResult{}, fmt.Errorf("%w: reservation already committed to another pocket", ErrDuplicateReference)
	}
	txn, err := m.store.Journal().Transaction(ctx, r.TransactionID)
	if err != nil {
		return CommitResult{}, err
	}
	entries, err := m.store.Journal().EntriesForTransaction(ctx, txn.ID)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Reservation: r, Transaction: txn, Entries: entries, Replayed: true}, nil
}

type commitPlan struct {
	amount   int64
	credited int64
	rate     decimal.Decimal
	fxSource pocket.Pocket
	fxDest   pocket.Pocket
}

func (p commitPlan) crossCurrency() bool { return p.fxSource.ID != "" }

// entries builds the balanced posting. A cross-currency move clears through the FX
// pockets so each currency nets to zero on its own.
func (p commitPlan) entries(src, dest pocket.Pocket) []ledger.Entry {
	if !p.crossCurrency() {
		return []ledger.Entry{
			{PocketID: src.ID, Direction: ledger.Debit, Amount: p.amount, Currency: src.Currency},
			{PocketID: dest.ID, Direction: ledger.Credit, Amount: p.amount, Currency: dest.Currency},
		}
	}
	return []ledger.Entry{
		{PocketID: src.ID, Direction: ledger.Debit, Amount: p.amount, Currency: src.Currency},
		{PocketID: p.fxSource.ID, Direction: ledger.Credit, Amount: p.amount, Currency: src.Currency},
		{PocketID: p.fxDest.ID, Direction: ledger.Debit, Amount: p.credited, Currency: dest.Currency},
		{PocketID: dest.ID, Direction: ledger.Credit, Amount: p.credited, Currency: dest.Currency},
	}
}

func (p commitPlan) touched(src, dest string) []string {
	ids := []string{src, dest}
	if p.crossCurrency() {
		ids = append(ids, p.fxSource.ID, p.fxDest.ID)
	}
	return ids
}

func (m *Manager) crossCurrencyPlan(ctx context.Context, tenantID string, r reservation.Reservation, dest pocket.Pocket) (commitPlan, error) {
	rate, err := m.rates.CurrentRate(ctx, r.Currency, dest.Currency)
	if err != nil {
		if errors.Is(err, fx.ErrRateUnavailable) {
			return commitPlan{}, err
		}
		return commitPlan{}, fmt.Errorf("%w: %v", fx.ErrRateUnavailable, err)
	}
	if !rate.ValidAt(m.now()) {
		return commitPlan{}, fmt.Errorf("%w: %s -> %s rate outside validity window", fx.ErrRateUnavailable, r.Currency, dest.Currency)
	}
	credited := m.cfg.Converter.Convert(r.Amount, rate)
	if credited <= 0 {
		return commitPlan{}, fmt.Errorf("%w: %d %s converts to nothing in %s", ErrInvalidAmount, r.Amount, r.Currency, dest.Currency)
	}

	fxSource, err := m.store.Pockets().GetOrCreate(ctx, tenantID, pocket.FXAccount, r.Currency)
	if err != nil {
		return commitPlan{}, err
	}
	fxDest, err := m.store.Pockets().GetOrCreate(ctx, tenantID, pocket.FXAccount, dest.Currency)
	if err != nil {
		return commitPlan{}, err
	}
	return commitPlan{amount: r.Amount, credited: credited, rate: rate.Value, fxSource: fxSource, fxDest: fxDest}, nil
}

// Release cancels a PENDING hold. Releasing a reservation that is already RELEASED
// or EXPIRED is a no-op; releasing a COMMITTED one is rejected.
func (m *Manager) Release(ctx context.Context, tenantID, reservationID string) (res reservation.Reservation, err error) {
	defer m.observe("release", time.Now(), &err)

	r, err := m.reservation(ctx, tenantID, reservationID)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.Status != reservation.StatusPending {
		return releasedOutcome(r)
	}

	var released bool
	err = m.store.WithPocket(ctx, r.PocketID, func(tx Tx) error {
		current, err := tx.Reservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if current.Status != reservation.StatusPending {
			r = current
			return nil
		}
		r, err = tx.TransitionReservation(ctx, r.ID, reservation.Resolution{Status: reservation.StatusReleased, At: m.now()})
		released = err == nil
		return err
	})
	if err != nil {
		return reservation.Reservation{}, err
	}
	if !released {
		return releasedOutcome(r)
	}
	m.logger.InfoContext(ctx, "reservation released",
		slog.String("tenant_id", tenantID),
		slog.String("reservation_id", r.ID),
		slog.String("pocket_id", r.PocketID))
	return r, nil
}

func releasedOutcome(r reservation.Reservation) (reservation.Reservation, error) {
	if r.Status == reservation.StatusCommitted {
		return reservation.Reservation{}, fmt.Errorf("%w: committed reservations must be reversed", reservation.ErrNotPending)
	}
	return r, nil
}

// SweepExpired moves every PENDING reservation with expiresAt <= now to EXPIRED,
// in batches of batchSize. It returns how many it expired.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	total := 0
	for {
		due, err := m.store.DueForExpiry(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		expired := 0
		for _, r := range due {
			ok, err := m.expire(ctx, r, now)
			if err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				m.logger.WarnContext(ctx, "expire reservation failed",
					slog.String("reservation_id", r.ID),
					slog.String("pocket_id", r.PocketID),
					slog.Any("error", err))
				continue
			}
			if ok {
				expired++
			}
		}
		total += expired
		m.recorder.ReservationsExpired(expired)
		if len(due) < batchSize || expired == 0 {
			return total, nil
		}
	}
}

func (m *Manager) expire(ctx context.Context, r reservation.Reservation, now time.Time) (bool, error) {
	var expired bool
	err := m.store.WithPocket(ctx, r.PocketID, func(tx Tx) error {
		current, err := tx.Reservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if !current.DueAt(now) {
			return nil
		}
		if _, err := tx.TransitionReservation(ctx, r.ID, reservation.Resolution{Status: reservation.StatusExpired, At: now}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// SetFrozen freezes or unfreezes a pocket inside its critical section.
func (m *Manager) SetFrozen(ctx context.Context, tenantID, pocketID string, frozen bool) (p pocket.Pocket, err error) {
	op := "unfreeze"
	status := pocket.StatusActive
	if frozen {
		op, status = "freeze", pocket.StatusFrozen
	}
	defer m.observe(op, time.Now(), &err)

	err = m.store.WithPocket(ctx, pocketID, func(tx Tx) error {
		if tx.Pocket().TenantID != tenantID {
			return pocket.ErrNotFound
		}
		var err error
		p, err = tx.SetPocketStatus(ctx, status)
		return err
	})
	if err != nil {
		return pocket.Pocket{}, err
	}
	m.logger.InfoContext(ctx, "pocket status changed",
		slog.String("tenant_id", tenantID),
		slog.String("pocket_id", pocketID),
		slog.String("status", string(status)))
	return p, nil
}

// BalanceView is a point-in-time balance read.
type BalanceView struct {
	Pocket    pocket.Pocket
	Balance   int64
	Held      int64
	Available int64
}

// Balance reads the (possibly cached) journal balance and the current holds. It is
// for display only and never gates a write.
func (m *Manager) Balance(ctx context.Context, tenantID, pocketID string) (BalanceView, error) {
	p, err := m.pocket(ctx, tenantID, pocketID)
	if err != nil {
		return BalanceView{}, err
	}
	balance, err := m.balances.Get(ctx, p.ID)
	if err != nil {
		return BalanceView{}, err
	}
	held, err := m.store.Held(ctx, p.ID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{Pocket: p, Balance: balance, Held: held, Available: balance - held}, nil
}

// Reservation fetches a reservation owned by tenantID.
func (m *Manager) Reservation(ctx context.Context, tenantID, id string) (reservation.Reservation, error) {
	return m.reservation(ctx, tenantID, id)
}

// Entries lists a pocket's journal entries in creation order.
func (m *Manager) Entries(ctx context.Context, tenantID, pocketID string) ([]ledger.Entry, error) {
	if _, err := m.pocket(ctx, tenantID, pocketID); err != nil {
		return nil, err
	}
	return m.store.Journal().EntriesForPocket(ctx, pocketID)
}

func (m *Manager) reservation(ctx context.Context, tenantID, id string) (reservation.Reservation, error) {
	r, err := m.store.Reservation(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.TenantID != tenantID {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	return r, nil
}

func (m *Manager) pocket(ctx context.Context, tenantID, id string) (pocket.Pocket, error) {
	p, err := m.store.Pockets().Get(ctx, id)
	if err != nil {
		return pocket.Pocket{}, err
	}
	if p.TenantID != tenantID {
		return pocket.Pocket{}, pocket.ErrNotFound
	}
	return p, nil
}

func availableIn(ctx context.Context, tx Tx) (int64, error) {
	balance, err := tx.Balance(ctx)
	if err != nil {
		return 0, err
	}
	held, err := tx.Held(ctx)
	if err != nil {
		return 0, err
	}
	return balance - held, nil
}

func (m *Manager) journalFailure(referenceID string, err error) error {
	if errors.Is(err, ledger.ErrImbalance) {
		m.logger.Error("ledger imbalance, write halted",
			slog.String("reference_id", referenceID),
			slog.Any("error", err))
	}
	return err
}

// afterWrite invalidates cached balances once the write is durable.
func (m *Manager) afterWrite(ctx context.Context, pocketIDs ...string) {
	m.balances.Invalidate(ctx, pocketIDs...)
}

func (m *Manager) publish(ctx context.Context, typ events.Type, txn ledger.Transaction, currency, creditedCurrency string) {
	event := events.WalletTransaction{
		EventID:             uuid.NewString(),
		Type:                typ,
		TenantID:            txn.TenantID,
		TransactionID:       txn.ID,
		ReservationID:       txn.ReservationID,
		ReversesID:          txn.ReversesID,
		ReferenceID:         txn.ReferenceID,
		SourcePocketID:      txn.SourcePocketID,
		DestinationPocketID: txn.DestinationPocketID,
		Amount:              txn.Amount,
		Currency:            currency,
		CreditedAmount:      txn.CreditedAmount,
		CreditedCurrency:    creditedCurrency,
		Rate:                txn.Rate.String(),
		OccurredAt:          txn.CreatedAt,
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "publish event failed",
			slog.String("transaction_id", txn.ID),
			slog.Any("error", err))
	}
}

func (m *Manager) observe(op string, started time.Time, err *error) {
	m.recorder.OperationCompleted(op, Outcome(*err), time.Since(started))
}

// Outcome classifies err into a short metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, reservation.ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate_reference"
	case errors.Is(err, pocket.ErrFrozen):
		return "frozen"
	case isNotFound(err):
		return "not_found"
	case errors.Is(err, fx.ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrLockTimeout):
		return "busy"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ledger.ErrImbalance):
		return "imbalance"
	default:
		return "error"
	}
}
