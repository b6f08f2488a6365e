package wallet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/congo-pay/wallet-ledger/internal/engine"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
)

// Service is the wallet API consumed by other services. Every call carries the
// tenant explicitly and returns *Error on failure.
type Service struct {
	engine   *engine.Manager
	pockets  pocket.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds the wallet service over the engine.
func NewService(manager *engine.Manager, logger *slog.Logger) *Service {
	return &Service{
		engine:   manager,
		pockets:  manager.Store().Pockets(),
		validate: validator.New(),
		logger:   logger,
	}
}

type pocketKey struct {
	TenantID  string `validate:"required,max=64"`
	AccountID string `validate:"required,max=128"`
	Currency  string `validate:"required,alphanum,min=3,max=8"`
}

// pocketKey validates and normalises a caller supplied pocket address. System
// accounts are never addressable from outside.
func (s *Service) pocketKey(tenantID, accountID, currency string) (pocketKey, error) {
	key := pocketKey{
		TenantID:  strings.TrimSpace(tenantID),
		AccountID: strings.TrimSpace(accountID),
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
	}
	if err := s.validate.Struct(key); err != nil {
		return pocketKey{}, invalid(err.Error())
	}
	if pocket.IsSystemAccount(key.AccountID) {
		return pocketKey{}, invalid("system accounts cannot be addressed")
	}
	return key, nil
}

func (s *Service) requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return invalid("tenant id required")
	}
	return nil
}

// ReserveBalance places a hold of amount on the account's pocket in currency.
// A zero ttl selects the configured default.
func (s *Service) ReserveBalance(ctx context.Context, tenantID, accountID, currency string, amount int64, referenceID string, ttl time.Duration) (ReservationHandle, error) {
	key, err := s.pocketKey(tenantID, accountID, currency)
	if err != nil {
		return ReservationHandle{}, err
	}
	p, err := s.pockets.GetOrCreate(ctx, key.TenantID, key.AccountID, key.Currency)
	if err != nil {
		return ReservationHandle{}, s.fail(ctx, "reserve", err)
	}
	r, replayed, err := s.engine.Reserve(ctx, engine.ReserveRequest{
		TenantID:    key.TenantID,
		PocketID:    p.ID,
		Amount:      amount,
		ReferenceID: referenceID,
		TTL:         ttl,
	})
	if err != nil {
		return ReservationHandle{}, s.fail(ctx, "reserve", err)
	}
	return handleFrom(r, p, replayed), nil
}

// CommitReservation moves the held amount into the destination pocket, creating it
// on first use.
func (s *Service) CommitReservation(ctx context.Context, tenantID, reservationID string, dest Destination) (TransactionResult, error) {
	key, err := s.pocketKey(tenantID, dest.AccountID, dest.Currency)
	if err != nil {
		return TransactionResult{}, err
	}
	if reservationID == "" {
		return TransactionResult{}, invalid("reservation id required")
	}
	p, err := s.pockets.GetOrCreate(ctx, key.TenantID, key.AccountID, key.Currency)
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "commit", err)
	}
	res, err := s.engine.Commit(ctx, key.TenantID, reservationID, p.ID)
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "commit", err)
	}
	return resultFrom(res.Transaction, res.Entries, res.Replayed), nil
}

// ReleaseReservation cancels a PENDING hold. Releasing an already released or
// expired reservation succeeds.
func (s *Service) ReleaseReservation(ctx context.Context, tenantID, reservationID string) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	if _, err := s.engine.Release(ctx, tenantID, reservationID); err != nil {
		return s.fail(ctx, "release", err)
	}
	return nil
}

// GetReservation returns a reservation in any state.
func (s *Service) GetReservation(ctx context.Context, tenantID, reservationID string) (ReservationHandle, error) {
	if err := s.requireTenant(tenantID); err != nil {
		return ReservationHandle{}, err
	}
	r, err := s.engine.Reservation(ctx, tenantID, reservationID)
	if err != nil {
		return ReservationHandle{}, s.fail(ctx, "get_reservation", err)
	}
	p, err := s.pockets.Get(ctx, r.PocketID)
	if err != nil {
		return ReservationHandle{}, s.fail(ctx, "get_reservation", err)
	}
	return handleFrom(r, p, false), nil
}

// CreditBalance records a top-up or refund without a prior reservation.
func (s *Service) CreditBalance(ctx context.Context, tenantID, accountID, currency string, amount int64, referenceID string) (TransactionResult, error) {
	key, err := s.pocketKey(tenantID, accountID, currency)
	if err != nil {
		return TransactionResult{}, err
	}
	p, err := s.pockets.GetOrCreate(ctx, key.TenantID, key.AccountID, key.Currency)
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "credit", err)
	}
	res, err := s.engine.Credit(ctx, engine.PostingRequest{TenantID: key.TenantID, PocketID: p.ID, Amount: amount, ReferenceID: referenceID})
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "credit", err)
	}
	return resultFrom(res.Transaction, res.Entries, res.Replayed), nil
}

// DebitBalance records a withdrawal without a prior reservation.
func (s *Service) DebitBalance(ctx context.Context, tenantID, accountID, currency string, amount int64, referenceID string) (TransactionResult, error) {
	p, err := s.existingPocket(ctx, tenantID, accountID, currency)
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "debit", err)
	}
	res, err := s.engine.Debit(ctx, engine.PostingRequest{TenantID: p.TenantID, PocketID: p.ID, Amount: amount, ReferenceID: referenceID})
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "debit", err)
	}
	return resultFrom(res.Transaction, res.Entries, res.Replayed), nil
}

// GetBalance returns balance and available balance of an existing pocket.
func (s *Service) GetBalance(ctx context.Context, tenantID, accountID, currency string) (BalanceResult, error) {
	p, err := s.existingPocket(ctx, tenantID, accountID, currency)
	if err != nil {
		return BalanceResult{}, s.fail(ctx, "balance", err)
	}
	v, err := s.engine.Balance(ctx, p.TenantID, p.ID)
	if err != nil {
		return BalanceResult{}, s.fail(ctx, "balance", err)
	}
	return balanceFrom(v), nil
}

// ReverseTransaction appends a compensating transaction for transactionID.
func (s *Service) ReverseTransaction(ctx context.Context, tenantID, transactionID string) (TransactionResult, error) {
	if err := s.requireTenant(tenantID); err != nil {
		return TransactionResult{}, err
	}
	res, err := s.engine.Reverse(ctx, tenantID, transactionID)
	if err != nil {
		return TransactionResult{}, s.fail(ctx, "reverse", err)
	}
	return resultFrom(res.Transaction, res.Entries, res.Replayed), nil
}

// FreezePocket blocks every mutation on the pocket except releasing holds.
func (s *Service) FreezePocket(ctx context.Context, tenantID, accountID, currency string) (PocketView, error) {
	return s.setFrozen(ctx, tenantID, accountID, currency, true)
}

// UnfreezePocket lifts a freeze.
func (s *Service) UnfreezePocket(ctx context.Context, tenantID, accountID, currency string) (PocketView, error) {
	return s.setFrozen(ctx, tenantID, accountID, currency, false)
}

func (s *Service) setFrozen(ctx context.Context, tenantID, accountID, currency string, frozen bool) (PocketView, error) {
	p, err := s.existingPocket(ctx, tenantID, accountID, currency)
	if err != nil {
		return PocketView{}, s.fail(ctx, "freeze", err)
	}
	updated, err := s.engine.SetFrozen(ctx, p.TenantID, p.ID, frozen)
	if err != nil {
		return PocketView{}, s.fail(ctx, "freeze", err)
	}
	return PocketView{ID: updated.ID, AccountID: updated.AccountID, Currency: updated.Currency, Status: string(updated.Status)}, nil
}

// ListEntries returns the pocket's journal entries in creation order.
func (s *Service) ListEntries(ctx context.Context, tenantID, accountID, currency string) ([]EntryView, error) {
	p, err := s.existingPocket(ctx, tenantID, accountID, currency)
	if err != nil {
		return nil, s.fail(ctx, "entries", err)
	}
	entries, err := s.engine.Entries(ctx, p.TenantID, p.ID)
	if err != nil {
		return nil, s.fail(ctx, "entries", err)
	}
	return entryViews(entries), nil
}

func (s *Service) existingPocket(ctx context.Context, tenantID, accountID, currency string) (pocket.Pocket, error) {
	key, err := s.pocketKey(tenantID, accountID, currency)
	if err != nil {
		return pocket.Pocket{}, err
	}
	return s.pockets.Find(ctx, key.TenantID, key.AccountID, key.Currency)
}

// fail converts err to *Error and logs anything the caller cannot act on.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	werr := translate(err)
	if werr.Kind == KindInternal || werr.Kind == KindLedgerImbalance {
		s.logger.ErrorContext(ctx, "wallet operation failed",
			slog.String("operation", op),
			slog.String("kind", string(werr.Kind)),
			slog.Any("error", err))
	}
	return werr
}
