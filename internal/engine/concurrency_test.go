package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 1_000)

	const workers = 40
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.m.Reserve(context.Background(), ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 100, ReferenceID: fmt.Sprintf("r-%d", i)})
			switch {
			case err == nil:
				succeeded.Add(1)
			case !errors.Is(err, ErrInsufficientBalance):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded.Load())
	v := f.view(t, p)
	assert.Equal(t, int64(1_000), v.Held)
	assert.Zero(t, v.Available)
}

func TestRandomizedOperationsKeepInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	const funded = 5_000
	f.fund(t, p, funded)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i)))
			r, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: rng.Int63n(400) + 1, ReferenceID: fmt.Sprintf("op-%d", i)})
			if err != nil {
				if !errors.Is(err, ErrInsufficientBalance) {
					t.Errorf("reserve %d: %v", i, err)
				}
				return
			}
			switch rng.Intn(4) {
			case 0, 1:
				if _, err := f.m.Commit(ctx, tenant, r.ID, q.ID); err != nil {
					t.Errorf("commit %d: %v", i, err)
				}
			case 2:
				if _, err := f.m.Release(ctx, tenant, r.ID); err != nil {
					t.Errorf("release %d: %v", i, err)
				}
			}
		}(i)
	}

	// Race the sweeper against the workers; nothing is due, so it must expire nothing.
	stop := make(chan struct{})
	sweeps := make(chan int, 1)
	go func() {
		total := 0
		for {
			select {
			case <-stop:
				sweeps <- total
				return
			default:
				n, _ := f.m.SweepExpired(ctx, f.clock.Now(), 50)
				total += n
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(stop)
	assert.Zero(t, <-sweeps)

	v := f.view(t, p)
	require.GreaterOrEqual(t, v.Available, int64(0))

	var debited int64
	entries, err := f.journal.EntriesForPocket(ctx, p.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Direction == ledger.Debit {
			debited += e.Amount
		}
	}
	assert.LessOrEqual(t, v.Held+debited, int64(funded), "holds plus committed debits exceed the funded balance")

	for _, id := range []string{p.ID, q.ID} {
		entries, err := f.journal.EntriesForPocket(ctx, id)
		require.NoError(t, err)
		var sum int64
		for _, e := range entries {
			sum += e.Signed()
		}
		balance, err := f.journal.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sum, balance)
	}
}

func TestCommitReleaseRaceHasSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		p := f.pocket(t, "acct-p", "IDR")
		q := f.pocket(t, "acct-q", "IDR")
		f.fund(t, p, 1_000)
		r := f.reserve(t, p, 500, "race", 0)

		var (
			wg                   sync.WaitGroup
			commitErr, releaseErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); _, commitErr = f.m.Commit(ctx, tenant, r.ID, q.ID) }()
		go func() { defer wg.Done(); _, releaseErr = f.m.Release(ctx, tenant, r.ID) }()
		wg.Wait()

		got, err := f.m.Reservation(ctx, tenant, r.ID)
		require.NoError(t, err)
		switch got.Status {
		case reservation.StatusCommitted:
			require.NoError(t, commitErr)
			require.ErrorIs(t, releaseErr, reservation.ErrNotPending)
			assert.Equal(t, int64(500), f.view(t, p).Balance)
		case reservation.StatusReleased:
			require.NoError(t, releaseErr)
			require.ErrorIs(t, commitErr, reservation.ErrNotPending)
			assert.Equal(t, int64(1_000), f.view(t, p).Balance)
		default:
			t.Fatalf("unexpected final status %s", got.Status)
		}
	}
}

func TestWithPocketLockTimeout(t *testing.T) {
	f := newFixture(t)
	p := f.pocket(t, "acct-p", "IDR")
	store := NewMemoryStore(f.store.Pockets(), f.journal, 20*time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithPocket(context.Background(), p.ID, func(Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := store.WithPocket(context.Background(), p.ID, func(Tx) error { return nil })
	require.ErrorIs(t, err, ErrLockTimeout)

	close(release)
	require.Eventually(t, func() bool { return store.locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWithPocketDiscardsStagedWritesOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 1_000)

	boom := errors.New("boom")
	err := f.store.WithPocket(ctx, p.ID, func(tx Tx) error {
		require.NoError(t, tx.InsertReservation(ctx, reservation.Reservation{
			ID: "staged", TenantID: tenant, PocketID: p.ID, Amount: 10, Currency: "IDR",
			ReferenceID: "staged", Status: reservation.StatusPending, ExpiresAt: time.Now().Add(time.Hour),
		}))
		held, err := tx.Held(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), held, "staged holds are visible inside the unit of work")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = f.store.Reservation(ctx, "staged")
	require.ErrorIs(t, err, reservation.ErrNotFound)
}

// steppedJournal runs hooks after successful appends and balance reads.
type steppedJournal struct {
	ledger.Journal
	mu           sync.Mutex
	afterAppend  func()
	afterBalance func()
}

func (j *steppedJournal) hooks() (func(), func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.afterAppend, j.afterBalance
}

func (j *steppedJournal) Append(ctx context.Context, txn ledger.Transaction, entries []ledger.Entry) (ledger.Transaction, []ledger.Entry, error) {
	stamped, posted, err := j.Journal.Append(ctx, txn, entries)
	if hook, _ := j.hooks(); err == nil && hook != nil {
		hook()
	}
	return stamped, posted, err
}

func (j *steppedJournal) Balance(ctx context.Context, pocketID string) (int64, error) {
	v, err := j.Journal.Balance(ctx, pocketID)
	if _, hook := j.hooks(); hook != nil {
		hook()
	}
	return v, err
}

func TestBalanceReadDuringCommitIsConsistent(t *testing.T) {
	journal := &steppedJournal{Journal: ledger.NewInMemory()}
	f := newFixtureOn(t, journal, nil)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 10_000)
	r := f.reserve(t, p, 6_000, "mid-commit", 0)

	balanceRead := make(chan struct{})
	observed := make(chan BalanceView, 1)
	journal.mu.Lock()
	journal.afterAppend = func() {
		journal.mu.Lock()
		journal.afterAppend = nil
		journal.afterBalance = sync.OnceFunc(func() { close(balanceRead) })
		journal.mu.Unlock()

		// The posting is in the journal but the reservation is not yet committed.
		go func() {
			v, err := f.m.Balance(ctx, tenant, p.ID)
			if err != nil {
				t.Errorf("balance: %v", err)
			}
			observed <- v
		}()
		select {
		case <-balanceRead:
		case <-time.After(2 * time.Second):
			t.Errorf("balance read never reached the journal")
		}
	}
	journal.mu.Unlock()

	_, err := f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.NoError(t, err)

	select {
	case v := <-observed:
		assert.Equal(t, int64(4_000), v.Balance)
		assert.Zero(t, v.Held)
		assert.Equal(t, int64(4_000), v.Available)
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent balance read did not finish")
	}
}
