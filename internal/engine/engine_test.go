package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet-ledger/internal/events"
	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/ledger"
	"github.com/congo-pay/wallet-ledger/internal/logging"
	"github.com/congo-pay/wallet-ledger/internal/pocket"
	"github.com/congo-pay/wallet-ledger/internal/reservation"
)

const tenant = "tenant-a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.WalletTransaction
}

func (p *capturePublisher) Publish(_ context.Context, e events.WalletTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) all() []events.WalletTransaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.WalletTransaction(nil), p.events...)
}

type fixture struct {
	m       *Manager
	store   *MemoryStore
	journal ledger.Journal
	clock   *fakeClock
	rates   *fx.StaticProvider
	pub     *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, ledger.NewInMemory(), pocket.NewMemoryCache())
}

func newFixtureOn(t *testing.T, journal ledger.Journal, cache pocket.BalanceCache) *fixture {
	t.Helper()
	store := NewMemoryStore(pocket.NewMemoryStore(), journal, time.Second)
	rates := fx.NewStaticProvider(map[string]decimal.Decimal{"USD:IDR": decimal.NewFromInt(15500)}, time.Hour)
	clock := &fakeClock{now: time.Now().UTC()}
	pub := &capturePublisher{}
	logger := logging.Discard()

	m := NewManager(store, rates,
		pocket.NewBalances(journal, cache, time.Minute, logger),
		Config{
			DefaultTTL: 15 * time.Minute,
			MaxTTL:     24 * time.Hour,
			Converter:  fx.Converter{Decimals: map[string]int32{"IDR": 2, "USD": 2}, Rounding: fx.RoundHalfEven},
		},
		logger, WithClock(clock.Now), WithPublisher(pub))
	return &fixture{m: m, store: store, journal: journal, clock: clock, rates: rates, pub: pub}
}

func (f *fixture) pocket(t *testing.T, account, currency string) pocket.Pocket {
	t.Helper()
	p, err := f.store.Pockets().GetOrCreate(context.Background(), tenant, account, currency)
	require.NoError(t, err)
	return p
}

func (f *fixture) fund(t *testing.T, p pocket.Pocket, amount int64) {
	t.Helper()
	_, err := f.m.Credit(context.Background(), PostingRequest{TenantID: tenant, PocketID: p.ID, Amount: amount, ReferenceID: "fund-" + p.ID})
	require.NoError(t, err)
}

func (f *fixture) view(t *testing.T, p pocket.Pocket) BalanceView {
	t.Helper()
	v, err := f.m.Balance(context.Background(), tenant, p.ID)
	require.NoError(t, err)
	return v
}

func (f *fixture) reserve(t *testing.T, p pocket.Pocket, amount int64, ref string, ttl time.Duration) reservation.Reservation {
	t.Helper()
	r, _, err := f.m.Reserve(context.Background(), ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: amount, ReferenceID: ref, TTL: ttl})
	require.NoError(t, err)
	return r
}

func TestReserveCommitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 10_000)

	a := f.reserve(t, p, 6_000, "a", 0)
	assert.Equal(t, reservation.StatusPending, a.Status)
	assert.Equal(t, int64(4_000), f.view(t, p).Available)

	_, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 5_000, ReferenceID: "b"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	res, err := f.m.Commit(ctx, tenant, a.ID, q.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, ledger.Entry{PocketID: p.ID, Direction: ledger.Debit, Amount: 6_000, Currency: "IDR"}, stripEntry(res.Entries[0]))
	assert.Equal(t, ledger.Entry{PocketID: q.ID, Direction: ledger.Credit, Amount: 6_000, Currency: "IDR"}, stripEntry(res.Entries[1]))
	assert.Equal(t, reservation.StatusCommitted, res.Reservation.Status)
	assert.Equal(t, res.Transaction.ID, res.Reservation.TransactionID)

	pv := f.view(t, p)
	assert.Equal(t, int64(4_000), pv.Balance)
	assert.Equal(t, int64(4_000), pv.Available)
	assert.Equal(t, int64(6_000), f.view(t, q).Balance)

	published := f.pub.all()
	require.Len(t, published, 2)
	assert.Equal(t, events.TypeCommitted, published[1].Type)
	assert.Equal(t, a.ID, published[1].ReservationID)
}

func TestSweepExpiresAbandonedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 10_000)
	before := f.view(t, p).Available

	c := f.reserve(t, p, 2_000, "c", time.Second)
	assert.Equal(t, before-2_000, f.view(t, p).Available)

	n, err := f.m.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due before the ttl elapses")

	f.clock.Advance(2 * time.Second)
	n, err = f.m.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.Reservation(ctx, tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)
	assert.Equal(t, before, f.view(t, p).Available)
}

func TestSweepProcessesInBatches(t *testing.T) {
	f := newFixture(t)
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 10_000)
	for i := 0; i < 7; i++ {
		f.reserve(t, p, 100, "r"+string(rune('a'+i)), time.Second)
	}
	f.clock.Advance(time.Minute)

	n, err := f.m.SweepExpired(context.Background(), f.clock.Now(), 3)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Zero(t, f.view(t, p).Held)
}

func TestReleaseUnknownReservation(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Release(context.Background(), tenant, "does-not-exist")
	require.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestCommitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)
	r := f.reserve(t, p, 400, "order-1", 0)

	first, err := f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.NoError(t, err)
	second, err := f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Entries, second.Entries)

	entries, err := f.journal.EntriesForPocket(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one credit must exist")
	assert.Equal(t, int64(600), f.view(t, p).Balance)

	other := f.pocket(t, "acct-other", "IDR")
	_, err = f.m.Commit(ctx, tenant, r.ID, other.ID)
	require.ErrorIs(t, err, ErrDuplicateReference)
}

func TestReleaseIsIdempotentForTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 1_000)

	released := f.reserve(t, p, 100, "released", 0)
	got, err := f.m.Release(ctx, tenant, released.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusReleased, got.Status)
	again, err := f.m.Release(ctx, tenant, released.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	expired := f.reserve(t, p, 100, "expired", time.Second)
	f.clock.Advance(2 * time.Second)
	_, err = f.m.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	got, err = f.m.Release(ctx, tenant, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)

	assert.Equal(t, int64(1_000), f.view(t, p).Available)
}

func TestReleaseCommittedIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)
	r := f.reserve(t, p, 100, "x", 0)
	_, err := f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.NoError(t, err)

	_, err = f.m.Release(ctx, tenant, r.ID)
	require.ErrorIs(t, err, reservation.ErrNotPending)
}

func TestCommitRejectsReleasedAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)

	released := f.reserve(t, p, 100, "rel", 0)
	_, err := f.m.Release(ctx, tenant, released.ID)
	require.NoError(t, err)
	_, err = f.m.Commit(ctx, tenant, released.ID, q.ID)
	require.ErrorIs(t, err, reservation.ErrNotPending)

	swept := f.reserve(t, p, 100, "swept", time.Second)
	f.clock.Advance(2 * time.Second)
	_, err = f.m.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	_, err = f.m.Commit(ctx, tenant, swept.ID, q.ID)
	require.ErrorIs(t, err, reservation.ErrNotPending)

	entries, _ := f.journal.EntriesForPocket(ctx, q.ID)
	assert.Empty(t, entries)
}

func TestCommitAfterTTLExpiresReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)
	r := f.reserve(t, p, 300, "late", time.Second)

	f.clock.Advance(time.Second)
	_, err := f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.ErrorIs(t, err, reservation.ErrNotPending)

	got, err := f.m.Reservation(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)
	assert.Equal(t, int64(1_000), f.view(t, p).Available)
}

func TestReserveReplaysReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)

	first := f.reserve(t, p, 250, "ref-1", 0)
	again, replayed, err := f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 250, ReferenceID: "ref-1"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, again)
	assert.Equal(t, int64(250), f.view(t, p).Held, "replay must not add a second hold")

	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 300, ReferenceID: "ref-1"})
	require.ErrorIs(t, err, ErrDuplicateReference)

	_, err = f.m.Commit(ctx, tenant, first.ID, q.ID)
	require.NoError(t, err)
	after, replayed, err := f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 250, ReferenceID: "ref-1"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, reservation.StatusCommitted, after.Status)
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 1_000)

	_, _, err := f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 0, ReferenceID: "z"})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 1, ReferenceID: "z", TTL: 48 * time.Hour})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: "missing", Amount: 1, ReferenceID: "z"})
	require.ErrorIs(t, err, pocket.ErrNotFound)

	r := f.reserve(t, p, 1, "default-ttl", 0)
	assert.Equal(t, 15*time.Minute, r.ExpiresAt.Sub(r.CreatedAt))
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 1_000)
	r := f.reserve(t, p, 100, "mine", 0)

	_, err := f.m.Release(ctx, "tenant-b", r.ID)
	require.ErrorIs(t, err, reservation.ErrNotFound)
	_, err = f.m.Balance(ctx, "tenant-b", p.ID)
	require.ErrorIs(t, err, pocket.ErrNotFound)
	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: "tenant-b", PocketID: p.ID, Amount: 1, ReferenceID: "theirs"})
	require.ErrorIs(t, err, pocket.ErrNotFound)
}

func TestCrossCurrencyCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	usd := f.pocket(t, "acct-p", "USD")
	idr := f.pocket(t, "acct-q", "IDR")
	f.fund(t, usd, 1_000)
	r := f.reserve(t, usd, 100, "fx-1", 0)

	res, err := f.m.Commit(ctx, tenant, r.ID, idr.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 4)
	require.NoError(t, ledger.Validate(res.Entries))
	assert.Equal(t, int64(100), res.Transaction.Amount)
	assert.Equal(t, int64(1_550_000), res.Transaction.CreditedAmount)
	assert.True(t, res.Transaction.Rate.Equal(decimal.NewFromInt(15500)))

	assert.Equal(t, int64(900), f.view(t, usd).Balance)
	assert.Equal(t, int64(1_550_000), f.view(t, idr).Balance)

	fxUSD, err := f.store.Pockets().Find(ctx, tenant, pocket.FXAccount, "USD")
	require.NoError(t, err)
	fxIDR, err := f.store.Pockets().Find(ctx, tenant, pocket.FXAccount, "IDR")
	require.NoError(t, err)
	b, _ := f.journal.Balance(ctx, fxUSD.ID)
	assert.Equal(t, int64(100), b)
	b, _ = f.journal.Balance(ctx, fxIDR.ID)
	assert.Equal(t, int64(-1_550_000), b)
}

type staleProvider struct{}

func (staleProvider) CurrentRate(_ context.Context, from, to string) (fx.Rate, error) {
	return fx.Rate{From: from, To: to, Value: decimal.NewFromInt(2), ValidFrom: time.Unix(0, 0), ValidUntil: time.Unix(60, 0)}, nil
}

func TestCrossCurrencyCommitWithoutRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	usd := f.pocket(t, "acct-p", "USD")
	eur := f.pocket(t, "acct-q", "EUR")
	f.fund(t, usd, 1_000)
	r := f.reserve(t, usd, 100, "fx-2", 0)

	_, err := f.m.Commit(ctx, tenant, r.ID, eur.ID)
	require.ErrorIs(t, err, fx.ErrRateUnavailable)

	f.m.rates = staleProvider{}
	_, err = f.m.Commit(ctx, tenant, r.ID, eur.ID)
	require.ErrorIs(t, err, fx.ErrRateUnavailable)

	got, err := f.m.Reservation(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusPending, got.Status, "a failed commit must leave the hold in place")
}

func TestFrozenPocket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pocket(t, "acct-p", "IDR")
	q := f.pocket(t, "acct-q", "IDR")
	f.fund(t, p, 1_000)
	held := f.reserve(t, p, 100, "before-freeze", 0)

	frozen, err := f.m.SetFrozen(ctx, tenant, p.ID, true)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen())

	_, _, err = f.m.Reserve(ctx, ReserveRequest{TenantID: tenant, PocketID: p.ID, Amount: 1, ReferenceID: "blocked"})
	require.ErrorIs(t, err, pocket.ErrFrozen)
	_, err = f.m.Credit(ctx, PostingRequest{TenantID: tenant, PocketID: p.ID, Amount: 1, ReferenceID: "blocked"})
	require.ErrorIs(t, err, pocket.ErrFrozen)
	_, err = f.m.Commit(ctx, tenant, held.ID, q.ID)
	require.ErrorIs(t, err, pocket.ErrFrozen)

	_, err = f.m.Release(ctx, tenant, held.ID)
	require.NoError(t, err, "release only restores availability and stays allowed")

	_, err = f.m.SetFrozen(ctx, tenant, p.ID, false)
	require.NoError(t, err)
	r := f.reserve(t, p, 100, "after-unfreeze", 0)

	_, err = f.m.SetFrozen(ctx, tenant, q.ID, true)
	require.NoError(t, err)
	_, err = f.m.Commit(ctx, tenant, r.ID, q.ID)
	require.ErrorIs(t, err, pocket.ErrFrozen)
}

func TestBalanceCacheInvalidatedOnWrite(t *testing.T) {
	f := newFixture(t)
	p := f.pocket(t, "acct-p", "IDR")
	f.fund(t, p, 500)
	assert.Equal(t, int64(500), f.view(t, p).Balance)

	_, err := f.m.Credit(context.Background(), PostingRequest{TenantID: tenant, PocketID: p.ID, Amount: 250, ReferenceID: "topup-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(750), f.view(t, p).Balance)
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "insufficient_balance", Outcome(ErrInsufficientBalance))
	assert.Equal(t, "not_found", Outcome(reservation.ErrNotFound))
	assert.Equal(t, "not_pending", Outcome(reservation.ErrNotPending))
	assert.Equal(t, "rate_unavailable", Outcome(fx.ErrRateUnavailable))
	assert.Equal(t, "imbalance", Outcome(ledger.ErrImbalance))
}

func stripEntry(e ledger.Entry) ledger.Entry {
	return ledger.Entry{PocketID: e.PocketID, Direction: e.Direction, Amount: e.Amount, Currency: e.Currency}
}
