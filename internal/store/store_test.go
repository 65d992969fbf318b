package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/secret"
)

var t0 = time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)

// backends runs fn against both store implementations.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "guardian.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func TestSecretsRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.LoadUserSecrets(ctx, "u1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("load missing: got %v, want ErrNotFound", err)
		}
		want := secret.Stored{OvertHash: "$2a$04$a", CovertHash: "$2a$04$b"}
		if err := s.SaveSecrets(ctx, "u1", want); err != nil {
			t.Fatalf("save: %v", err)
		}
		want.CovertHash = "$2a$04$c"
		if err := s.SaveSecrets(ctx, "u1", want); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, err := s.LoadUserSecrets(ctx, "u1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})
}

func TestAlertEventLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ev := logic.AlertEvent{
			ID:              "ev-1",
			StartedAt:       t0,
			TriggerSource:   logic.SourceHiddenSequence,
			Status:          logic.StatusActive,
			Silent:          true,
			NotifiedTargets: []string{"c1"},
			Location:        &logic.Location{Lat: 40.7, Lng: -74, Accuracy: 8},
		}
		id, err := s.CreateAlertEvent(ctx, "u1", ev)
		if err != nil || id != "ev-1" {
			t.Fatalf("create: id=%q err=%v", id, err)
		}
		if _, err := s.CreateAlertEvent(ctx, "u1", ev); err != nil {
			t.Fatalf("repeated create should be a no-op, got %v", err)
		}
		if err := s.UpdateAlertTargets(ctx, "ev-1", []string{"c1", "c2"}); err != nil {
			t.Fatalf("update targets: %v", err)
		}
		if err := s.UpdateAlertLocation(ctx, "ev-1", logic.Location{Lat: 51.5, Lng: -0.12, Accuracy: 6}); err != nil {
			t.Fatalf("update location: %v", err)
		}
		if err := s.UpdateAlertEvent(ctx, "ev-1", logic.StatusCancelled, t0.Add(time.Minute)); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.UpdateAlertEvent(ctx, "ev-1", logic.StatusResolved, t0.Add(2*time.Minute)); !errors.Is(err, ErrImmutable) {
			t.Errorf("second close: got %v, want ErrImmutable", err)
		}
		if err := s.UpdateAlertEvent(ctx, "nope", logic.StatusResolved, t0); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing: got %v, want ErrNotFound", err)
		}
		if err := s.UpdateAlertLocation(ctx, "ev-1", logic.Location{Lat: 1, Lng: 1}); !errors.Is(err, ErrImmutable) {
			t.Errorf("location after close: got %v, want ErrImmutable", err)
		}

		list, err := s.ListAlertEvents(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 event, got %d", len(list))
		}
		got := list[0]
		if got.Status != logic.StatusCancelled || got.ResolvedAt == nil || !got.ResolvedAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("closed event: %+v", got)
		}
		if !got.StartedAt.Equal(t0) || !got.Silent || got.TriggerSource != logic.SourceHiddenSequence {
			t.Errorf("event fields: %+v", got)
		}
		if len(got.NotifiedTargets) != 2 || got.NotifiedTargets[1] != "c2" {
			t.Errorf("targets: %v", got.NotifiedTargets)
		}
		if got.Location == nil || got.Location.Lat != 51.5 || got.Location.Accuracy != 6 {
			t.Errorf("location: %+v", got.Location)
		}
	})
}

func TestListAlertEventsNewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c"} {
			ev := logic.AlertEvent{ID: id, StartedAt: t0.Add(time.Duration(i) * 500 * time.Millisecond),
				TriggerSource: logic.SourceManual, Status: logic.StatusActive}
			if _, err := s.CreateAlertEvent(ctx, "u1", ev); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		if _, err := s.CreateAlertEvent(ctx, "u2", logic.AlertEvent{ID: "z", StartedAt: t0,
			TriggerSource: logic.SourceManual, Status: logic.StatusActive}); err != nil {
			t.Fatalf("create other user: %v", err)
		}
		list, err := s.ListAlertEvents(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
			t.Errorf("got %v", ids(list))
		}
	})
}

func ids(evs []logic.AlertEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

func fastOutbox() OutboxConfig {
	return OutboxConfig{
		QueueSize:       8,
		AttemptTimeout:  time.Second,
		MaxElapsed:      time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func runOutbox(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestOutboxRetriesInOrder(t *testing.T) {
	m := NewMemoryStore()
	m.FailNext(3, errors.New("disk busy"))
	o := NewOutbox(m, nil, fastOutbox())
	runOutbox(t, o)

	o.CreateAlertEvent("u1", logic.AlertEvent{ID: "ev-1", StartedAt: t0, TriggerSource: logic.SourceVoice, Status: logic.StatusActive})
	o.UpdateAlertTargets("ev-1", []string{"c1", "c2"})
	o.UpdateAlertEvent("ev-1", logic.StatusResolved, t0.Add(time.Minute))
	o.Flush()

	list, _ := m.ListAlertEvents(context.Background(), "u1", 0)
	if len(list) != 1 {
		t.Fatalf("expected 1 event, got %d", len(list))
	}
	if list[0].Status != logic.StatusResolved || len(list[0].NotifiedTargets) != 2 {
		t.Errorf("event after outbox: %+v", list[0])
	}
	if got := m.Writes(); got != 6 {
		t.Errorf("writes: got %d, want 6 (3 failures + 3 writes)", got)
	}
}

func TestOutboxPermanentErrorNotRetried(t *testing.T) {
	m := NewMemoryStore()
	o := NewOutbox(m, nil, fastOutbox())
	runOutbox(t, o)

	o.UpdateAlertEvent("missing", logic.StatusResolved, t0)
	o.Flush()
	if got := m.Writes(); got != 1 {
		t.Errorf("writes: got %d, want 1", got)
	}
}

func TestOutboxSaveSecrets(t *testing.T) {
	m := NewMemoryStore()
	o := NewOutbox(m, nil, fastOutbox())
	runOutbox(t, o)

	o.SaveSecrets("u1", secret.Stored{OvertHash: "x", CovertHash: "y"})
	o.Flush()
	got, err := m.LoadUserSecrets(context.Background(), "u1")
	if err != nil || got.OvertHash != "x" {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestOutboxFlushWhileQueueing(t *testing.T) {
	m := NewMemoryStore()
	cfg := fastOutbox()
	cfg.QueueSize = 64
	o := NewOutbox(m, nil, cfg)
	runOutbox(t, o)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("ev-%d-%d", w, i)
				o.CreateAlertEvent("u1", logic.AlertEvent{ID: id, StartedAt: t0, TriggerSource: logic.SourceManual, Status: logic.StatusActive})
				o.Flush()
			}
		}(w)
	}
	for i := 0; i < 20; i++ {
		o.Flush()
	}
	wg.Wait()
	o.Flush()

	list, _ := m.ListAlertEvents(context.Background(), "u1", 0)
	if len(list) != 40 {
		t.Errorf("stored: got %d, want 40", len(list))
	}
}
