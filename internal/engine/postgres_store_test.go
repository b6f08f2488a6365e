//go:build integration

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/infra"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/logging"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/engine/

type pgFixture struct {
	m      *Manager
	pool   *pgxpool.Pool
	store  *PostgresStore
	tenant string
}

func newPostgresFixture(t *testing.T, lockTimeout time.Duration) *pgFixture {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, url, infra.PostgresOptions{MaxConns: 32})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, infra.Migrate(ctx, pool))

	store := NewPostgresStore(pool, lockTimeout)
	logger := logging.Discard()
	m := NewManager(store, fx.NewStaticProvider(nil, time.Hour),
		pocket.NewBalances(store.Journal(), nil, 0, logger),
		Config{DefaultTTL: 15 * time.Minute, MaxTTL: 24 * time.Hour},
		logger)
	// Each test owns a fresh tenant so runs never see each other's rows.
	return &pgFixture{m: m, pool: pool, store: store, tenant: "it-" + uuid.NewString()}
}

func (f *pgFixture) funded(t *testing.T, account string, amount int64) pocket.Pocket {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.Pockets().GetOrCreate(ctx, f.tenant, account, "IDR")
	require.NoError(t, err)
	if amount > 0 {
		_, err = f.m.Credit(ctx, PostingRequest{TenantID: f.tenant, PocketID: p.ID, Amount: amount, ReferenceID: "fund-" + p.ID})
		require.NoError(t, err)
	}
	return p
}

func (f *pgFixture) view(t *testing.T, p pocket.Pocket) BalanceView {
	t.Helper()
	v, err := f.m.Balance(context.Background(), f.tenant, p.ID)
	require.NoError(t, err)
	return v
}

func TestPostgresOppositeCommitsDoNotDeadlock(t *testing.T) {
	f := newPostgresFixture(t, 5*time.Second)
	ctx := context.Background()
	a := f.funded(t, "acct-a", 10_000)
	b := f.funded(t, "acct-b", 10_000)

	const pairs = 25
	type job struct {
		res  reservation.Reservation
		dest string
	}
	var jobs []job
	for i := 0; i < pairs; i++ {
		ra, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: a.ID, Amount: 10, ReferenceID: fmt.Sprintf("a-%d", i)})
		require.NoError(t, err)
		rb, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: b.ID, Amount: 7, ReferenceID: fmt.Sprintf("b-%d", i)})
		require.NoError(t, err)
		jobs = append(jobs, job{ra, b.ID}, job{rb, a.ID})
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(jobs))
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			if _, err := f.m.Commit(ctx, f.tenant, j.res.ID, j.dest); err != nil {
				errs <- err
			}
		}(j)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("commit failed: %v", err)
	}

	assert.Equal(t, int64(10_000-pairs*10+pairs*7), f.view(t, a).Balance)
	assert.Equal(t, int64(10_000-pairs*7+pairs*10), f.view(t, b).Balance)
	assert.Zero(t, f.view(t, a).Held)
	assert.Zero(t, f.view(t, b).Held)
}

func TestPostgresCommitReleaseRace(t *testing.T) {
	f := newPostgresFixture(t, 5*time.Second)
	ctx := context.Background()
	p := f.funded(t, "acct-p", 1_000)
	q := f.funded(t, "acct-q", 0)
	r, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: p.ID, Amount: 400, ReferenceID: "contested"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.m.Commit(ctx, f.tenant, r.ID, q.ID)
			if err != nil && !errors.Is(err, reservation.ErrNotPending) {
				t.Errorf("commit: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := f.m.Release(ctx, f.tenant, r.ID)
			if err != nil && !errors.Is(err, reservation.ErrNotPending) {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := f.m.Reservation(ctx, f.tenant, r.ID)
	require.NoError(t, err)
	entries, err := f.m.Entries(ctx, f.tenant, q.ID)
	require.NoError(t, err)
	switch final.Status {
	case reservation.StatusCommitted:
		require.Len(t, entries, 1, "exactly one commit posting")
		assert.Equal(t, int64(600), f.view(t, p).Balance)
	case reservation.StatusReleased:
		assert.Empty(t, entries)
		assert.Equal(t, int64(1_000), f.view(t, p).Balance)
	default:
		t.Fatalf("unexpected terminal status %s", final.Status)
	}
	assert.Zero(t, f.view(t, p).Held)
}

func TestPostgresReserveReferenceRace(t *testing.T) {
	f := newPostgresFixture(t, 5*time.Second)
	ctx := context.Background()
	p := f.funded(t, "acct-p", 1_000)
	q := f.funded(t, "acct-q", 1_000)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]int)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: p.ID, Amount: 50, ReferenceID: "order-1"})
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			ids[r.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1, "one reservation per reference")
	assert.Equal(t, int64(50), f.view(t, p).Held)

	// The unique index spans pockets of the tenant.
	_, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: q.ID, Amount: 50, ReferenceID: "order-1"})
	require.ErrorIs(t, err, ErrDuplicateReference)
	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: p.ID, Amount: 60, ReferenceID: "order-1"})
	require.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresJournalSavepointKeepsOuterTx(t *testing.T) {
	f := newPostgresFixture(t, 5*time.Second)
	ctx := context.Background()
	p := f.funded(t, "acct-p", 0)
	s := f.funded(t, pocket.SettlementAccount, 0)

	tx, err := f.pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx) // nolint:errcheck

	journal := ledger.NewPostgresJournal(tx)
	entries := []ledger.Entry{
		{PocketID: s.ID, Direction: ledger.Debit, Amount: 25, Currency: "IDR"},
		{PocketID: p.ID, Direction: ledger.Credit, Amount: 25, Currency: "IDR"},
	}
	header := ledger.Transaction{TenantID: f.tenant, Kind: ledger.KindCredit, ReferenceID: "sp-1", Amount: 25, CreditedAmount: 25}
	first, _, err := journal.Append(ctx, header, entries)
	require.NoError(t, err)

	replay, _, err := journal.Append(ctx, header, entries)
	require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
	assert.Equal(t, first.ID, replay.ID)

	// The failed insert rolled back to its savepoint; the outer tx still commits.
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(25), f.view(t, p).Balance)
}

func TestPostgresLockTimeoutIsPocketBusy(t *testing.T) {
	f := newPostgresFixture(t, 200*time.Millisecond)
	ctx := context.Background()
	p := f.funded(t, "acct-p", 100)

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.store.WithPocket(ctx, p.ID, func(Tx) error {
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	_, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: f.tenant, PocketID: p.ID, Amount: 10, ReferenceID: "blocked"})
	close(done)
	require.ErrorIs(t, err, ErrLockTimeout)
}
