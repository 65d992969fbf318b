package sources

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/gpio"
	"github.com/sweeney/guardian/internal/logic"
)

// ButtonPoller samples the panic button and tap pads once per tick. Every
// tick is a manual-hold candidate; a pad going from released to pressed is
// one hidden-sequence input.
type ButtonPoller struct {
	reader gpio.Reader
	sink   Sink
	log    *zap.Logger

	lastPad string
	failing bool
}

// NewButtonPoller creates a poller over reader.
func NewButtonPoller(reader gpio.Reader, sink Sink, log *zap.Logger) *ButtonPoller {
	if log == nil {
		log = zap.NewNop()
	}
	return &ButtonPoller{reader: reader, sink: sink, log: log.Named("button")}
}

// Run samples on every tick until ctx is cancelled.
func (b *ButtonPoller) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			b.Tick()
		}
	}
}

// Tick takes one sample. Not safe for concurrent use; Run calls it from a
// single goroutine so inputs stay in order.
func (b *ButtonPoller) Tick() {
	s, err := b.reader.Read()
	if err != nil {
		if !b.failing {
			b.log.Warn("gpio read failed", zap.Error(err))
			b.failing = true
		}
		b.lastPad = ""
		b.sink.Submit(logic.Candidate{Source: logic.SourceManual, Err: err})
		b.sink.Submit(logic.Candidate{Source: logic.SourceHiddenSequence, Err: err})
		return
	}
	if b.failing {
		b.log.Info("gpio read recovered")
		b.failing = false
	}

	b.sink.Submit(logic.Candidate{Source: logic.SourceManual, Held: s.Panic})

	if s.Pad != "" && s.Pad != b.lastPad {
		b.sink.Submit(logic.Candidate{Source: logic.SourceHiddenSequence, Input: s.Pad})
	}
	b.lastPad = s.Pad
}
