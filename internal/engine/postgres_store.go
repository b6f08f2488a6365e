package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/pgutil"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// PostgresStore runs each critical section as one database transaction holding a
// row lock on the pocket.
type PostgresStore struct {
	db          pgutil.DBTX
	pockets     *pocket.PostgresStore
	journal     *ledger.PostgresJournal
	lockTimeout time.Duration
}

// NewPostgresStore builds the Postgres unit of work over a pool.
func NewPostgresStore(db pgutil.DBTX, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:          db,
		pockets:     pocket.NewPostgresStore(db),
		journal:     ledger.NewPostgresJournal(db),
		lockTimeout: lockTimeout,
	}
}

func (s *PostgresStore) Pockets() pocket.Store   { return s.pockets }
func (s *PostgresStore) Journal() ledger.Journal { return s.journal }

// WithPocket opens a transaction, locks the pocket row with FOR NO KEY UPDATE and
// commits when fn succeeds. Lock timeouts and deadlocks surface as ErrLockTimeout.
func (s *PostgresStore) WithPocket(ctx context.Context, pocketID string, fn func(tx Tx) error) error {
	err := s.withPocket(ctx, pocketID, fn)
	if pgutil.IsLockContention(err) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}

func (s *PostgresStore) withPocket(ctx context.Context, pocketID string, fn func(tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}
	}

	p, err := pocket.LockForUpdate(ctx, tx, pocketID)
	if err != nil {
		return err
	}

	if err := fn(&postgresTx{tx: tx, pocket: p, pockets: pocket.NewPostgresStore(tx), journal: ledger.NewPostgresJournal(tx)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const reservationColumns = `id, tenant_id, pocket_id, amount, currency, reference_id, status, created_at, expires_at,
        resolved_at, COALESCE(transaction_id, ''), COALESCE(destination_pocket_id, '')`

func (s *PostgresStore) Reservation(ctx context.Context, id string) (reservation.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *PostgresStore) ReservationByReference(ctx context.Context, tenantID, referenceID string) (reservation.Reservation, error) {
	return getReservationByReference(ctx, s.db, tenantID, referenceID)
}

// DueForExpiry lists PENDING reservations past their expiry, oldest first.
func (s *PostgresStore) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
        WHERE status = 'PENDING' AND expires_at <= $1
        ORDER BY expires_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []reservation.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

func (s *PostgresStore) Held(ctx context.Context, pocketID string) (int64, error) {
	return heldAmount(ctx, s.db, pocketID)
}

type postgresTx struct {
	tx      pgx.Tx
	pocket  pocket.Pocket
	pockets *pocket.PostgresStore
	journal *ledger.PostgresJournal
}

func (t *postgresTx) Pocket() pocket.Pocket { return t.pocket }

func (t *postgresTx) LookupPocket(ctx context.Context, id string) (pocket.Pocket, error) {
	return t.pockets.Get(ctx, id)
}

func (t *postgresTx) SetPocketStatus(ctx context.Context, status pocket.Status) (pocket.Pocket, error) {
	if err := t.pockets.SetStatus(ctx, t.pocket.ID, status); err != nil {
		return pocket.Pocket{}, err
	}
	t.pocket.Status = status
	return t.pocket, nil
}

func (t *postgresTx) Balance(ctx context.Context) (int64, error) {
	return t.journal.Balance(ctx, t.pocket.ID)
}

func (t *postgresTx) Held(ctx context.Context) (int64, error) {
	return heldAmount(ctx, t.tx, t.pocket.ID)
}

func (t *postgresTx) Reservation(ctx context.Context, id string) (reservation.Reservation, error) {
	return getReservation(ctx, t.tx, id)
}

func (t *postgresTx) ReservationByReference(ctx context.Context, tenantID, referenceID string) (reservation.Reservation, error) {
	return getReservationByReference(ctx, t.tx, tenantID, referenceID)
}

func (t *postgresTx) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO reservations (id, tenant_id, pocket_id, amount, currency, reference_id, status, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TenantID, r.PocketID, r.Amount, r.Currency, r.ReferenceID, string(r.Status), r.CreatedAt, r.ExpiresAt)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// TransitionReservation updates the row only while it is still PENDING.
func (t *postgresTx) TransitionReservation(ctx context.Context, id string, res reservation.Resolution) (reservation.Reservation, error) {
	if err := reservation.CheckTransition(reservation.StatusPending, res.Status); err != nil {
		return reservation.Reservation{}, err
	}
	row := t.tx.QueryRow(ctx, `UPDATE reservations
        SET status = $2, resolved_at = $3, transaction_id = NULLIF($4, ''), destination_pocket_id = NULLIF($5, '')
        WHERE id = $1 AND status = 'PENDING'
        RETURNING `+reservationColumns,
		id, string(res.Status), res.At, res.TransactionID, res.DestinationPocketID)
	updated, err := scanReservation(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, reservation.ErrNotFound) {
		return reservation.Reservation{}, err
	}
	current, lookupErr := t.Reservation(ctx, id)
	if lookupErr != nil {
		return reservation.Reservation{}, lookupErr
	}
	return current, reservation.CheckTransition(current.Status, res.Status)
}

func (t *postgresTx) Journal() ledger.Journal { return t.journal }

func getReservation(ctx context.Context, db pgutil.DBTX, id string) (reservation.Reservation, error) {
	return scanReservation(db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

func getReservationByReference(ctx context.Context, db pgutil.DBTX, tenantID, referenceID string) (reservation.Reservation, error) {
	return scanReservation(db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations
        WHERE tenant_id = $1 AND reference_id = $2`, tenantID, referenceID))
}

func heldAmount(ctx context.Context, db pgutil.DBTX, pocketID string) (int64, error) {
	var held int64
	err := db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM reservations
        WHERE pocket_id = $1 AND status = 'PENDING'`, pocketID).Scan(&held)
	return held, err
}

func scanReservation(row pgx.Row) (reservation.Reservation, error) {
	var (
		r        reservation.Reservation
		status   string
		resolved *time.Time
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.PocketID, &r.Amount, &r.Currency, &r.ReferenceID, &status,
		&r.CreatedAt, &r.ExpiresAt, &resolved, &r.TransactionID, &r.DestinationPocketID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reservation.Reservation{}, reservation.ErrNotFound
		}
		return reservation.Reservation{}, err
	}
	r.Status = reservation.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if resolved != nil {
		r.ResolvedAt = resolved.UTC()
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
