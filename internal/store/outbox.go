package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
	"github.com/sweeney/guardian/internal/secret"
)

// OutboxConfig tunes background persistence.
type OutboxConfig struct {
	QueueSize       int
	AttemptTimeout  time.Duration
	MaxElapsed      time.Duration // 0 retries until shutdown
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOutboxConfig returns the stock settings.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		QueueSize:       256,
		AttemptTimeout:  5 * time.Second,
		MaxElapsed:      0,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

type write struct {
	op  string
	id  string
	run func(ctx context.Context) error
}

// Outbox applies writes to a Store in FIFO order from a single goroutine,
// retrying each one with exponential backoff. Callers never block on I/O.
// A create is always applied before later updates of the same event.
type Outbox struct {
	store   Store
	log     *zap.Logger
	cfg     OutboxConfig
	queue   chan write

	mu      sync.Mutex
	idle    *sync.Cond
	pending int // queued or being applied
}

// NewOutbox creates an Outbox over s. Call Run to start applying writes.
func NewOutbox(s Store, log *zap.Logger, cfg OutboxConfig) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultOutboxConfig().QueueSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultOutboxConfig().AttemptTimeout
	}
	o := &Outbox{
		store: s,
		log:   log.Named("outbox"),
		cfg:   cfg,
		queue: make(chan write, cfg.QueueSize),
	}
	o.idle = sync.NewCond(&o.mu)
	return o
}

// CreateAlertEvent queues the insert of ev.
func (o *Outbox) CreateAlertEvent(userID string, ev logic.AlertEvent) {
	ev = ev.Clone()
	o.enqueue(write{op: "create_alert", id: ev.ID, run: func(ctx context.Context) error {
		_, err := o.store.CreateAlertEvent(ctx, userID, ev)
		return err
	}})
}

// UpdateAlertEvent queues the close of event id.
func (o *Outbox) UpdateAlertEvent(id string, status logic.Status, resolvedAt time.Time) {
	o.enqueue(write{op: "update_alert", id: id, run: func(ctx context.Context) error {
		return o.store.UpdateAlertEvent(ctx, id, status, resolvedAt)
	}})
}

// UpdateAlertTargets queues a notified-targets update of event id.
func (o *Outbox) UpdateAlertTargets(id string, targets []string) {
	targets = append([]string(nil), targets...)
	o.enqueue(write{op: "update_targets", id: id, run: func(ctx context.Context) error {
		return o.store.UpdateAlertTargets(ctx, id, targets)
	}})
}

// UpdateAlertLocation queues a location update of event id.
func (o *Outbox) UpdateAlertLocation(id string, loc logic.Location) {
	o.enqueue(write{op: "update_location", id: id, run: func(ctx context.Context) error {
		return o.store.UpdateAlertLocation(ctx, id, loc)
	}})
}

// SaveSecrets queues the replacement of the user's stored hashes.
func (o *Outbox) SaveSecrets(userID string, s secret.Stored) {
	o.enqueue(write{op: "save_secrets", run: func(ctx context.Context) error {
		return o.store.SaveSecrets(ctx, userID, s)
	}})
}

func (o *Outbox) enqueue(w write) {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case o.queue <- w:
		o.pending++
	default:
		metrics.PersistFailuresTotal.WithLabelValues(w.op).Inc()
		o.log.Error("outbox full, write dropped", zap.String("op", w.op), zap.String("alert_id", w.id))
	}
}

// Run applies queued writes until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-o.queue:
			o.apply(ctx, w)
			o.done()
		}
	}
}

func (o *Outbox) done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending--
	if o.pending == 0 {
		o.idle.Broadcast()
	}
}

// Flush blocks until the queue is empty and no write is being applied.
// Run must be running. It is safe to call while writes are being queued.
func (o *Outbox) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.pending > 0 {
		o.idle.Wait()
	}
}

func (o *Outbox) apply(ctx context.Context, w write) {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.PersistRetriesTotal.WithLabelValues(w.op).Inc()
		}
		actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
		err := w.run(actx)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrImmutable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.log.Warn("persist failed, retrying",
			zap.String("op", w.op),
			zap.String("alert_id", w.id),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	if o.cfg.InitialInterval > 0 {
		b.InitialInterval = o.cfg.InitialInterval
	}
	if o.cfg.MaxInterval > 0 {
		b.MaxInterval = o.cfg.MaxInterval
	}
	b.MaxElapsedTime = o.cfg.MaxElapsed
	b.Reset()

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		metrics.PersistFailuresTotal.WithLabelValues(w.op).Inc()
		o.log.Error("persist abandoned",
			zap.String("op", w.op),
			zap.String("alert_id", w.id),
			zap.Error(err))
	}
}
