package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
)

// Config tunes the dispatch queue.
type Config struct {
	QueueSize int
	// AttemptTimeout bounds a single Notify call.
	AttemptTimeout time.Duration
	// MaxElapsed bounds all retries of one message.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:       64,
		AttemptTimeout:  10 * time.Second,
		MaxElapsed:      10 * time.Minute,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
	}
}

type job struct {
	contacts []logic.Contact
	msg      Message
	sev      Severity
}

// Dispatcher queues messages and delivers them with exponential backoff.
// Enqueue never blocks.
type Dispatcher struct {
	notifier Notifier
	log      *zap.Logger
	cfg      Config
	queue    chan job

	mu      sync.Mutex
	idle    *sync.Cond
	pending int // queued or being delivered
}

// New creates a Dispatcher. Call Run to start delivering.
func New(n Notifier, log *zap.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	d := &Dispatcher{
		notifier: n,
		log:      log.Named("dispatch"),
		cfg:      cfg,
		queue:    make(chan job, cfg.QueueSize),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Enqueue schedules msg for contacts. When the queue is full the message is
// dropped and logged; the caller is never blocked or told.
func (d *Dispatcher) Enqueue(contacts []logic.Contact, msg Message) {
	if len(contacts) == 0 {
		d.log.Warn("no contacts configured, message not sent",
			zap.String("kind", string(msg.Kind)), zap.String("alert_id", msg.AlertID))
		return
	}
	j := job{
		contacts: append([]logic.Contact(nil), contacts...),
		msg:      msg,
		sev:      SeverityFor(msg),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case d.queue <- j:
		d.pending++
	default:
		metrics.DispatchDroppedTotal.Inc()
		d.log.Error("dispatch queue full, message dropped",
			zap.String("kind", string(msg.Kind)), zap.String("alert_id", msg.AlertID))
	}
}

// Run delivers queued messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
			d.done()
		}
	}
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
}

// Flush blocks until the queue is empty and no delivery is in progress.
// Run must be running. It is safe to call while Enqueue is in use.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	kind := string(j.msg.Kind)
	op := func() error {
		metrics.DispatchAttemptsTotal.WithLabelValues(kind).Inc()
		actx, cancel := context.WithTimeout(ctx, d.attemptTimeout())
		defer cancel()
		return d.notifier.Notify(actx, j.contacts, j.msg, j.sev)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn("dispatch failed, retrying",
			zap.String("kind", kind),
			zap.String("alert_id", j.msg.AlertID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(d.newBackOff(), ctx), notify); err != nil {
		metrics.DispatchFailuresTotal.WithLabelValues(kind).Inc()
		d.log.Error("dispatch abandoned",
			zap.String("kind", kind),
			zap.String("alert_id", j.msg.AlertID),
			zap.Error(err))
		return
	}
	d.log.Info("dispatched",
		zap.String("kind", kind),
		zap.String("alert_id", j.msg.AlertID),
		zap.String("severity", string(j.sev)),
		zap.Int("contacts", len(j.contacts)))
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialInterval > 0 {
		b.InitialInterval = d.cfg.InitialInterval
	}
	if d.cfg.MaxInterval > 0 {
		b.MaxInterval = d.cfg.MaxInterval
	}
	b.MaxElapsedTime = d.cfg.MaxElapsed
	b.Reset()
	return b
}

func (d *Dispatcher) attemptTimeout() time.Duration {
	if d.cfg.AttemptTimeout > 0 {
		return d.cfg.AttemptTimeout
	}
	return DefaultConfig().AttemptTimeout
}
