package pocket

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/congo-pay/wallet-ledger/internal/pgutil"
)

// Store persists pocket metadata.
type Store interface {
	// GetOrCreate returns the pocket for (tenant, account, currency), creating an
	// ACTIVE one on first use.
	GetOrCreate(ctx context.Context, tenantID, accountID, currency string) (Pocket, error)
	Get(ctx context.Context, id string) (Pocket, error)
	Find(ctx context.Context, tenantID, accountID, currency string) (Pocket, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// PostgresStore stores pockets in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore builds a store backed by PostgreSQL.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const pocketColumns = `id, tenant_id, account_id, currency, status, created_at, updated_at`

// GetOrCreate inserts the pocket if missing and returns the stored row.
func (s *PostgresStore) GetOrCreate(ctx context.Context, tenantID, accountID, currency string) (Pocket, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `INSERT INTO pockets (id, tenant_id, account_id, currency, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)
        ON CONFLICT (tenant_id, account_id, currency) DO NOTHING`,
		uuid.NewString(), tenantID, accountID, currency, string(StatusActive), now)
	if err != nil {
		return Pocket{}, err
	}
	return s.Find(ctx, tenantID, accountID, currency)
}

// Get fetches a pocket by identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (Pocket, error) {
	return scanPocket(s.db.QueryRow(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id = $1`, id))
}

// Find fetches a pocket by its natural key.
func (s *PostgresStore) Find(ctx context.Context, tenantID, accountID, currency string) (Pocket, error) {
	return scanPocket(s.db.QueryRow(ctx, `SELECT `+pocketColumns+` FROM pockets
        WHERE tenant_id = $1 AND account_id = $2 AND currency = $3`, tenantID, accountID, currency))
}

// SetStatus updates the pocket status.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	cmd, err := s.db.Exec(ctx, `UPDATE pockets SET status = $1, updated_at = $2 WHERE id = $3`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockForUpdate reads the pocket row with FOR NO KEY UPDATE, serialising every
// writer of that pocket until the enclosing transaction ends. The weaker mode
// leaves FOR KEY SHARE free, so foreign-key checks from journal entries crediting
// this pocket do not queue behind its own writers.
func LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Pocket, error) {
	return scanPocket(tx.QueryRow(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id = $1 FOR NO KEY UPDATE`, id))
}

func scanPocket(row pgx.Row) (Pocket, error) {
	var (
		p      Pocket
		status string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.AccountID, &p.Currency, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pocket{}, ErrNotFound
		}
		return Pocket{}, err
	}
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
