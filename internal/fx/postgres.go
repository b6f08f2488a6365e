package fx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet-ledger/internal/pgutil"
)

// PostgresProvider reads the latest rate in force from the fx_rates table, which is
// maintained by an external rate feed.
type PostgresProvider struct {
	db pgutil.DBTX
}

// NewPostgresProvider builds a provider over fx_rates.
func NewPostgresProvider(db pgutil.DBTX) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// CurrentRate returns the most recent rate whose validity window contains now.
func (p *PostgresProvider) CurrentRate(ctx context.Context, from, to string) (Rate, error) {
	now := time.Now().UTC()
	row := p.db.QueryRow(ctx, `
		SELECT rate::text, valid_from, valid_until
		FROM fx_rates
		WHERE base_currency = $1 AND quote_currency = $2 AND valid_from <= $3 AND valid_until > $3
		ORDER BY valid_from DESC
		LIMIT 1`, from, to, now)

	var (
		raw string
		r   = Rate{From: from, To: to}
	)
	if err := row.Scan(&raw, &r.ValidFrom, &r.ValidUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, fmt.Errorf("%w: %s -> %s", ErrRateUnavailable, from, to)
		}
		return Rate{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	r.Value = value
	return r, nil
}
