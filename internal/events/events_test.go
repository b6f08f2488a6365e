package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet-ledger/internal/logging"
)

type flakySink struct {
	mu        sync.Mutex
	failures  int
	calls     int
	delivered []WalletTransaction
}

func (s *flakySink) Publish(_ context.Context, e WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.delivered = append(s.delivered, e)
	return nil
}

func (s *flakySink) snapshot() (int, []WalletTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]WalletTransaction(nil), s.delivered...)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) EventDispatched(_ string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	sink := &flakySink{failures: 2}
	rec := &countingRecorder{}
	d := NewDispatcher(sink, DispatcherConfig{MaxAttempts: 5, Backoff: time.Millisecond}, logging.Discard(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	_ = d.Publish(context.Background(), WalletTransaction{Type: TypeCommitted, TransactionID: "tx-1"})

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("published") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	calls, delivered := sink.snapshot()
	if calls != 3 || len(delivered) != 1 || delivered[0].TransactionID != "tx-1" {
		t.Fatalf("expected delivery on third attempt, calls=%d delivered=%+v", calls, delivered)
	}
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	sink := &flakySink{failures: 100}
	rec := &countingRecorder{}
	d := NewDispatcher(sink, DispatcherConfig{MaxAttempts: 3, Backoff: time.Millisecond}, logging.Discard(), rec)

	d.deliver(context.Background(), WalletTransaction{Type: TypeCredited, TransactionID: "tx-2"})

	if calls, _ := sink.snapshot(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if rec.count("failed") != 1 {
		t.Fatalf("expected one failed outcome")
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(&flakySink{}, DispatcherConfig{Buffer: 1}, logging.Discard(), rec)

	for i := 0; i < 3; i++ {
		if err := d.Publish(context.Background(), WalletTransaction{Type: TypeDebited}); err != nil {
			t.Fatalf("publish must never fail the caller: %v", err)
		}
	}
	if rec.count("dropped") != 2 {
		t.Fatalf("expected 2 drops, got %d", rec.count("dropped"))
	}
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	sink := &flakySink{}
	d := NewDispatcher(sink, DispatcherConfig{Buffer: 8}, logging.Discard(), nil)
	for i := 0; i < 4; i++ {
		_ = d.Publish(context.Background(), WalletTransaction{Type: TypeCommitted})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	if _, delivered := sink.snapshot(); len(delivered) != 4 {
		t.Fatalf("expected queued events flushed, got %d", len(delivered))
	}
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "wallet_transaction_events")
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(client, "wallet_transaction_events")
	event := WalletTransaction{Type: TypeCommitted, TransactionID: "tx-9", Amount: 60, Currency: "IDR", SourcePocketID: "p1"}
	if err := pub.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got WalletTransaction
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.TransactionID != "tx-9" || got.Amount != 60 {
			t.Fatalf("unexpected payload %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestEventKeyPrefersSource(t *testing.T) {
	if k := (WalletTransaction{SourcePocketID: "a", DestinationPocketID: "b"}).Key(); k != "a" {
		t.Fatalf("expected source key, got %s", k)
	}
	if k := (WalletTransaction{DestinationPocketID: "b"}).Key(); k != "b" {
		t.Fatalf("expected destination key, got %s", k)
	}
}
