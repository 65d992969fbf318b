package internal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/gpio"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/mqtt"
	"github.com/sweeney/guardian/internal/secret"
	"github.com/sweeney/guardian/internal/session"
	"github.com/sweeney/guardian/internal/sources"
	"github.com/sweeney/guardian/internal/store"
)

// rig wires a session to the real dispatcher and outbox, with the broker and
// the database replaced by fakes.
type rig struct {
	sess       *session.Session
	publisher  *mqtt.FakePublisher
	db         *store.MemoryStore
	dispatcher *dispatch.Dispatcher
	outbox     *store.Outbox
}

var contacts = []logic.Contact{
	{ID: "mum", Name: "Mum", Phone: "+447700900001", Priority: logic.PriorityPrimary},
	{ID: "flat", Name: "Flatmate", Phone: "+447700900002", Priority: logic.PrioritySecondary},
}

func newRig(t *testing.T) *rig {
	t.Helper()
	pair, err := secret.NewPair("1234", "9876", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := &rig{publisher: mqtt.NewFakePublisher(), db: store.NewMemoryStore()}
	r.dispatcher = dispatch.New(r.publisher, nil, dispatch.Config{
		AttemptTimeout:  time.Second,
		MaxElapsed:      time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	r.outbox = store.NewOutbox(r.db, nil, store.OutboxConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      time.Second,
	})
	go r.dispatcher.Run(ctx)
	go r.outbox.Run(ctx)

	cfg := session.DefaultConfig("alice")
	cfg.Contacts = contacts
	r.sess = session.New(cfg, pair, session.Deps{Persister: r.outbox, Notifier: r.dispatcher})
	t.Cleanup(r.sess.Close)
	return r
}

func (r *rig) flush() {
	r.dispatcher.Flush()
	r.outbox.Flush()
}

func (r *rig) alertBodies(t *testing.T) []mqtt.AlertBody {
	t.Helper()
	// Only read after flush, when the dispatcher is idle.
	var out []mqtt.AlertBody
	for _, p := range r.publisher.Payloads {
		var ap mqtt.AlertPayload
		if err := json.Unmarshal(p, &ap); err != nil {
			t.Fatalf("payload %s: %v", p, err)
		}
		out = append(out, ap.Alert)
	}
	return out
}

func (r *rig) history(t *testing.T) []logic.AlertEvent {
	t.Helper()
	events, err := r.db.ListAlertEvents(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

// TestIntegrationHoldRaisesAndResolves covers button hold -> alert published
// and stored -> overt cancel -> safe follow-up and stored resolution.
func TestIntegrationHoldRaisesAndResolves(t *testing.T) {
	r := newRig(t)

	feed := sources.NewLocationFeed(r.sess, nil)
	feed.Handle(mqtt.LocationTopic("alice"), []byte(`{"lat":51.5072,"lng":-0.1276,"accuracy":9}`))

	reader := gpio.NewFakeReader(gpio.Hold(20))
	button := sources.NewButtonPoller(reader, r.sess, nil)
	for i := 0; i < 19; i++ {
		button.Tick()
	}
	if _, ok := r.sess.CurrentAlertEvent(); ok {
		t.Fatal("raised before the hold completed")
	}
	button.Tick()
	ev, ok := r.sess.CurrentAlertEvent()
	if !ok || ev.Status != logic.StatusActive || ev.TriggerSource != logic.SourceManual || ev.Silent {
		t.Fatalf("after hold: %+v", ev)
	}
	// Released sample afterwards changes nothing.
	button.Tick()

	r.flush()
	bodies := r.alertBodies(t)
	if len(bodies) != 1 {
		t.Fatalf("expected 1 alert message, got %d", len(bodies))
	}
	a := bodies[0]
	if a.Kind != "ALERT" || a.Severity != "critical" || a.AlertID != ev.ID || len(a.Contacts) != 2 {
		t.Errorf("alert body: %+v", a)
	}
	if a.Location == nil || !strings.Contains(a.Location.MapsLink, "51.5072,-0.1276") {
		t.Errorf("alert location: %+v", a.Location)
	}
	if !strings.Contains(a.Text, "EMERGENCY ALERT") {
		t.Errorf("alert text: %q", a.Text)
	}
	if h := r.history(t); len(h) != 1 || h[0].ID != ev.ID || h[0].Status != logic.StatusActive {
		t.Errorf("stored events: %+v", h)
	}

	closed, err := r.sess.CancelAlert("1234")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if closed.Status != logic.StatusResolved {
		t.Errorf("status: got %s, want RESOLVED", closed.Status)
	}

	r.flush()
	bodies = r.alertBodies(t)
	if len(bodies) != 2 || bodies[1].Kind != "SAFE" || bodies[1].Severity != "info" {
		t.Fatalf("follow-up: %+v", bodies)
	}
	if h := r.history(t); h[0].Status != logic.StatusResolved || h[0].ResolvedAt == nil {
		t.Errorf("stored resolution: %+v", h[0])
	}
}

// TestIntegrationCovertCodeRaisesSilently covers the distress code path: the
// caller sees the same outcome class as the overt code returns, and contacts
// get a silent alert.
func TestIntegrationCovertCodeRaisesSilently(t *testing.T) {
	r := newRig(t)

	if got := r.sess.Resolve("1234"); got != secret.Overt {
		t.Fatalf("overt: got %v", got)
	}
	if got := r.sess.Resolve("9876"); got != secret.Covert {
		t.Fatalf("covert: got %v", got)
	}
	r.flush()

	bodies := r.alertBodies(t)
	if len(bodies) != 1 {
		t.Fatalf("expected 1 alert message, got %d", len(bodies))
	}
	if !bodies[0].Silent || bodies[0].Source != "distress_password" {
		t.Errorf("alert body: %+v", bodies[0])
	}
	h := r.history(t)
	if len(h) != 1 || !h[0].Silent {
		t.Errorf("stored events: %+v", h)
	}

	// Under the permissive policy a coerced "cancel" with any PIN ends the
	// alert as CANCELLED, and the contacts hear about it.
	if _, err := r.sess.CancelAlert("5555"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	r.flush()
	if bodies := r.alertBodies(t); len(bodies) != 2 || !strings.Contains(bodies[1].Text, "FALSE ALARM") {
		t.Errorf("follow-up: %+v", bodies)
	}
}

// TestIntegrationHiddenSequence covers tap pads -> silent raise, with one
// message even though the sequence is entered twice.
func TestIntegrationHiddenSequence(t *testing.T) {
	r := newRig(t)

	taps := gpio.Taps("tl", "tr", "bl", "br")
	reader := gpio.NewFakeReader(append(taps, taps...))
	button := sources.NewButtonPoller(reader, r.sess, nil)
	for i := 0; i < 2*len(taps); i++ {
		button.Tick()
	}

	ev, ok := r.sess.CurrentAlertEvent()
	if !ok || ev.TriggerSource != logic.SourceHiddenSequence || !ev.Silent {
		t.Fatalf("after sequence: %+v", ev)
	}
	r.flush()
	if n := len(r.alertBodies(t)); n != 1 {
		t.Errorf("expected 1 alert message, got %d", n)
	}
}

// TestIntegrationTranscriptOverBroker covers transcript delivery through the
// subscriber interface into a pending keyword countdown.
func TestIntegrationTranscriptOverBroker(t *testing.T) {
	r := newRig(t)
	spotter := sources.NewKeywordSpotter(r.sess, nil, 0)
	if err := r.publisher.Subscribe(mqtt.TranscriptTopic("alice"), spotter.Handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.publisher.Deliver(mqtt.TranscriptTopic("alice"), []byte(`{"text":"somebody please","final":false}`))
	r.publisher.Deliver(mqtt.TranscriptTopic("alice"), []byte(`{"text":"HELP me","final":true}`))

	snap := r.sess.Snapshot()
	if !snap.Aggregator.Keyword.Pending || snap.Aggregator.Keyword.Keyword != "help" {
		t.Fatalf("keyword gate: %+v", snap.Aggregator.Keyword)
	}

	r.publisher.Deliver(mqtt.TranscriptTopic("alice"), []byte("cancel"))
	if r.sess.Snapshot().Aggregator.Keyword.Pending {
		t.Error("cancel word should stop the countdown")
	}
	if _, ok := r.sess.CurrentAlertEvent(); ok {
		t.Error("no alert expected after cancel")
	}
}

// TestIntegrationDispatchRetries covers a broker failure on the first
// attempt: the alert state is unaffected and the message goes out on retry.
func TestIntegrationDispatchRetries(t *testing.T) {
	r := newRig(t)
	r.publisher.NotifyError = errors.New("broker unavailable")

	if _, err := r.sess.TriggerManual(false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if ev, ok := r.sess.CurrentAlertEvent(); !ok || ev.Status != logic.StatusActive {
		t.Fatalf("alert should be active regardless of dispatch: %+v", ev)
	}

	time.Sleep(10 * time.Millisecond)
	r.publisher.Reset()
	r.flush()

	if n := len(r.publisher.Sent()); n != 1 {
		t.Errorf("expected the alert to be delivered on retry, got %d", n)
	}
}
