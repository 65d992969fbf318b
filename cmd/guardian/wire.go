package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/config"
	"github.com/sweeney/guardian/internal/gpio"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/mqtt"
	"github.com/sweeney/guardian/internal/secret"
	"github.com/sweeney/guardian/internal/sources"
	"github.com/sweeney/guardian/internal/store"
)

// secretStore is the part of the store used at startup.
type secretStore interface {
	LoadUserSecrets(ctx context.Context, userID string) (secret.Stored, error)
	SaveSecrets(ctx context.Context, userID string, s secret.Stored) error
}

// loadSecrets restores the user's code pair, seeding it from the config file
// on first start.
func loadSecrets(ctx context.Context, st secretStore, cfg config.Config, log *zap.Logger) (*secret.Pair, error) {
	stored, err := st.LoadUserSecrets(ctx, cfg.UserID)
	switch {
	case err == nil:
		if cfg.Secrets.Overt != "" || cfg.Secrets.Covert != "" {
			log.Warn("secrets in config file ignored, remove them")
		}
		pair, err := secret.FromStored(stored)
		if err != nil {
			return nil, fmt.Errorf("restore secrets: %w", err)
		}
		return pair, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	if cfg.Secrets.Overt == "" || cfg.Secrets.Covert == "" {
		return nil, fmt.Errorf("no secrets stored for user %q and none in config", cfg.UserID)
	}
	pair, err := secret.NewPair(cfg.Secrets.Overt, cfg.Secrets.Covert, 0)
	if err != nil {
		return nil, fmt.Errorf("config secrets: %w", err)
	}
	if err := st.SaveSecrets(ctx, cfg.UserID, pair.Stored()); err != nil {
		return nil, fmt.Errorf("save secrets: %w", err)
	}
	log.Info("secrets seeded from config")
	return pair, nil
}

// target is what the signal sources feed.
type target interface {
	sources.Sink
	sources.LocationSink
	DetachSource(src logic.Source)
}

// startSources subscribes the phone feeds and starts the pollers. A source
// that is switched off in the config but has an adapter starts disabled and
// can be enabled at runtime; one with no adapter, or whose device cannot be
// opened, is detached. The returned func stops the pollers and releases
// hardware.
func startSources(ctx context.Context, cfg config.Config, t target, sub mqtt.Subscriber, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var closers []func() error

	poll := func(every time.Duration, run func(context.Context, <-chan time.Time)) {
		ticker := time.NewTicker(every)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ticker.Stop()
			run(ctx, ticker.C)
		}()
	}

	spotter := sources.NewKeywordSpotter(t, log, cfg.Voice.Window)
	if err := sub.Subscribe(mqtt.TranscriptTopic(cfg.UserID), spotter.Handle); err != nil {
		log.Warn("transcript subscription refused", zap.Error(err))
		t.DetachSource(logic.SourceVoice)
	} else if !cfg.Voice.Enabled {
		t.DisableSource(logic.SourceVoice)
	}

	feed := sources.NewLocationFeed(t, log)
	if err := sub.Subscribe(mqtt.LocationTopic(cfg.UserID), feed.Handle); err != nil {
		log.Warn("location subscription refused", zap.Error(err))
	}

	if cfg.Gesture.InferenceURL != "" {
		poller := sources.NewGesturePoller(
			sources.FileFrames{Path: cfg.Gesture.FramePath},
			sources.NewHTTPInferrer(cfg.Gesture.InferenceURL, cfg.Gesture.Timeout),
			t, log, cfg.Gesture.Timeout)
		if !cfg.Gesture.Enabled {
			t.DisableSource(logic.SourceGesture)
		}
		poll(cfg.Gesture.Interval, poller.Run)
	} else {
		t.DetachSource(logic.SourceGesture)
	}

	if cfg.Button.Enabled {
		reader, err := gpio.NewRealReader(cfg.Button.Chip, cfg.Pins())
		if err != nil {
			log.Warn("gpio unavailable", zap.Error(err))
			t.DetachSource(logic.SourceManual)
			t.DetachSource(logic.SourceHiddenSequence)
		} else {
			closers = append(closers, reader.Close)
			poll(cfg.Button.Tick, sources.NewButtonPoller(reader, t, log).Run)
		}
	} else {
		t.DetachSource(logic.SourceManual)
		t.DetachSource(logic.SourceHiddenSequence)
	}

	return func() {
		cancel()
		wg.Wait()
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("close source", zap.Error(err))
			}
		}
	}
}

// workers runs the background queues. Stop must return before the broker
// connection and the database they write to are closed.
type workers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkers(parent context.Context) *workers {
	ctx, cancel := context.WithCancel(parent)
	return &workers{ctx: ctx, cancel: cancel}
}

// Go starts run in its own goroutine.
func (w *workers) Go(run func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		run(w.ctx)
	}()
}

// Stop cancels every worker and waits for them to return.
func (w *workers) Stop() {
	w.cancel()
	w.wg.Wait()
}
