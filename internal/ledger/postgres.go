package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet-ledger/internal/pgutil"
)

// PostgresJournal persists ledger transactions and entries in PostgreSQL. Constructed
// over a pgx.Tx it joins the enclosing transaction through a savepoint.
type PostgresJournal struct {
	db pgutil.DBTX
}

// NewPostgresJournal constructs a Postgres-backed journal.
func NewPostgresJournal(db pgutil.DBTX) *PostgresJournal {
	return &PostgresJournal{db: db}
}

const transactionColumns = `id, tenant_id, kind, reference_id, COALESCE(reservation_id, ''),
        COALESCE(reverses_id, ''), COALESCE(source_pocket_id, ''), COALESCE(destination_pocket_id, ''),
        amount, credited_amount, rate::text, created_at`

const entryColumns = `id, transaction_id, pocket_id, direction, amount, currency, reference_id, created_at`

// Append records a balanced posting. Either the header and every entry become
// visible together or nothing does.
func (j *PostgresJournal) Append(ctx context.Context, txn Transaction, entries []Entry) (Transaction, []Entry, error) {
	if err := Validate(entries); err != nil {
		return Transaction{}, nil, err
	}

	tx, err := j.db.Begin(ctx)
	if err != nil {
		return Transaction{}, nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := time.Now().UTC()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Rate.IsZero() {
		txn.Rate = decimal.NewFromInt(1)
	}
	txn.CreatedAt = now

	_, err = tx.Exec(ctx, `INSERT INTO ledger_transactions (id, tenant_id, kind, reference_id, reservation_id,
        reverses_id, source_pocket_id, destination_pocket_id, amount, credited_amount, rate, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11::numeric, $12)`,
		txn.ID, txn.TenantID, string(txn.Kind), txn.ReferenceID, txn.ReservationID, txn.ReversesID,
		txn.SourcePocketID, txn.DestinationPocketID, txn.Amount, txn.CreditedAmount, txn.Rate.String(), now)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			// The failed insert aborted the savepoint; leave it before reading.
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return Transaction{}, nil, ErrDuplicateTransaction
			}
			existing, lookupErr := j.TransactionByReference(ctx, txn.TenantID, txn.Kind, txn.ReferenceID)
			if lookupErr != nil {
				return Transaction{}, nil, ErrDuplicateTransaction
			}
			return existing, nil, ErrDuplicateTransaction
		}
		return Transaction{}, nil, fmt.Errorf("insert transaction: %w", err)
	}

	stamped := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.ID = uuid.NewString()
		e.TransactionID = txn.ID
		if e.ReferenceID == "" {
			e.ReferenceID = txn.ReferenceID
		}
		e.CreatedAt = now
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, transaction_id, pocket_id, direction, amount, currency, reference_id, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.TransactionID, e.PocketID, string(e.Direction), e.Amount, e.Currency, e.ReferenceID, e.CreatedAt); err != nil {
			return Transaction{}, nil, fmt.Errorf("insert entry: %w", err)
		}
		stamped = append(stamped, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, nil, err
	}
	return txn, stamped, nil
}

// Balance returns the signed sum of every entry for the pocket.
func (j *PostgresJournal) Balance(ctx context.Context, pocketID string) (int64, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
        FROM ledger_entries
        WHERE pocket_id = $1`
	var balance int64
	if err := j.db.QueryRow(ctx, query, pocketID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// EntriesForPocket lists a pocket's entries in creation order.
func (j *PostgresJournal) EntriesForPocket(ctx context.Context, pocketID string) ([]Entry, error) {
	return j.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE pocket_id = $1 ORDER BY seq`, pocketID)
}

// EntriesForTransaction lists the entries of one transaction in creation order.
func (j *PostgresJournal) EntriesForTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	return j.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq`, transactionID)
}

// Transaction fetches a transaction header by id.
func (j *PostgresJournal) Transaction(ctx context.Context, id string) (Transaction, error) {
	row := j.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// TransactionByReference fetches the transaction recorded for an idempotency key.
func (j *PostgresJournal) TransactionByReference(ctx context.Context, tenantID string, kind Kind, referenceID string) (Transaction, error) {
	row := j.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions
        WHERE tenant_id = $1 AND kind = $2 AND reference_id = $3`, tenantID, string(kind), referenceID)
	return scanTransaction(row)
}

func (j *PostgresJournal) queryEntries(ctx context.Context, query string, arg string) ([]Entry, error) {
	rows, err := j.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			direction string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.PocketID, &direction, &e.Amount, &e.Currency, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = Direction(direction)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn  Transaction
		kind string
		rate string
	)
	err := row.Scan(&txn.ID, &txn.TenantID, &kind, &txn.ReferenceID, &txn.ReservationID, &txn.ReversesID,
		&txn.SourcePocketID, &txn.DestinationPocketID, &txn.Amount, &txn.CreditedAmount, &rate, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	txn.Kind = Kind(kind)
	txn.CreatedAt = txn.CreatedAt.UTC()
	if txn.Rate, err = decimal.NewFromString(rate); err != nil {
		return Transaction{}, fmt.Errorf("parse rate: %w", err)
	}
	return txn, nil
}
