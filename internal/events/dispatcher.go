package events

import (
	"context"
	"log/slog"
	"time"
)

// Recorder receives dispatcher outcomes. Outcome is one of "published", "failed"
// or "dropped".
type Recorder interface {
	EventDispatched(eventType string, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) EventDispatched(string, string) {}

// DispatcherConfig tunes the asynchronous dispatcher.
type DispatcherConfig struct {
	Buffer       int
	MaxAttempts  int
	Backoff      time.Duration
	FlushTimeout time.Duration
}

// Dispatcher queues events and delivers them from a background loop with bounded
// retries. Publish never blocks the caller and never returns a delivery error.
type Dispatcher struct {
	sink     Publisher
	queue    chan WalletTransaction
	cfg      DispatcherConfig
	logger   *slog.Logger
	recorder Recorder
}

// NewDispatcher builds a dispatcher in front of sink. A nil recorder is allowed.
func NewDispatcher(sink Publisher, cfg DispatcherConfig, logger *slog.Logger, recorder Recorder) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		sink:     sink,
		queue:    make(chan WalletTransaction, cfg.Buffer),
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
	}
}

// Publish enqueues the event. When the queue is full the event is dropped and logged.
func (d *Dispatcher) Publish(_ context.Context, event WalletTransaction) error {
	select {
	case d.queue <- event:
	default:
		d.recorder.EventDispatched(string(event.Type), "dropped")
		d.logger.Error("event queue full, dropping event",
			slog.String("type", string(event.Type)),
			slog.String("transaction_id", event.TransactionID))
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then flushes what is left
// within the flush timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case event := <-d.queue:
			d.deliver(ctx, event)
		case <-ctx.Done():
			d.flush()
			return nil
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FlushTimeout)
	defer cancel()
	for {
		select {
		case event := <-d.queue:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event WalletTransaction) {
	backoff := d.cfg.Backoff
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.sink.Publish(ctx, event); err == nil {
			d.recorder.EventDispatched(string(event.Type), "published")
			return
		}
		d.logger.Warn("event publish failed",
			slog.String("transaction_id", event.TransactionID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			d.abandon(event, err)
			return
		}
	}
	d.abandon(event, err)
}

func (d *Dispatcher) abandon(event WalletTransaction, err error) {
	d.recorder.EventDispatched(string(event.Type), "failed")
	d.logger.Error("event delivery abandoned",
		slog.String("type", string(event.Type)),
		slog.String("transaction_id", event.TransactionID),
		slog.Any("error", err))
}
